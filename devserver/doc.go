// Package devserver is an in-process orchestration server for local
// development and tests.
//
// It speaks the RPC transport the native core uses: every call is an HTTP
// POST to /rpc/{service}/{method} with the serialized request as body and
// call metadata as X-Md-* headers. A successful call answers 200 with the
// response bytes; a failed call answers with a JSON Failure carrying a
// status code, message, and protobuf-encoded details.
//
// State lives in SQLite (in-memory unless a database file is given). Task
// queues are watermill go-channels with one dispatcher per queue so long
// polls compete for tasks instead of all receiving them.
//
// Services:
//
//	health     Check, Echo, EchoMetadata
//	workflow   GetSystemInfo, DescribeNamespace, StartWorkflowExecution,
//	           DescribeWorkflowExecution, PollWorkflowTaskQueue,
//	           RespondWorkflowTaskCompleted, PollActivityTaskQueue,
//	           RespondActivityTaskCompleted, RecordActivityTaskHeartbeat, Echo
//	operator   AddSearchAttributes, ListSearchAttributes, Echo
//	test       GetCurrentTime, LockTimeSkipping, UnlockTimeSkipping, Sleep,
//	           Echo (only when Config.TestService is set)
package devserver

package abi

import "github.com/wippyai/corebridge"

// Callback signatures. Each is invoked exactly once per call, on a native
// goroutine, with the UserData given to the call. Buffers passed to a
// callback are owned by the host from that moment.
type (
	ClientConnectCallback           func(userData UserData, success Client, fail *ByteArray)
	ClientRPCCallCallback           func(userData UserData, success *ByteArray, statusCode uint32, failureMessage, failureDetails *ByteArray)
	WorkerPollCallback              func(userData UserData, success, fail *ByteArray)
	WorkerCallback                  func(userData UserData, fail *ByteArray)
	EphemeralServerStartCallback    func(userData UserData, success EphemeralServer, successTarget, fail *ByteArray)
	EphemeralServerShutdownCallback func(userData UserData, fail *ByteArray)
)

// Core is the native function table.
//
// Synchronous calls never block on network I/O. Asynchronous calls return
// immediately and report through their callback. A poll callback with both
// success and fail nil signals that the worker has shut down.
type Core interface {
	// Memory gives access to native memory so owned buffers can be copied out.
	Memory() corebridge.Memory

	RuntimeNew(options *RuntimeOptions) RuntimeOrFail
	RuntimeFree(runtime Runtime)
	ByteArrayFree(runtime Runtime, bytes *ByteArray)

	CancellationTokenNew() CancellationToken
	CancellationTokenCancel(token CancellationToken)
	CancellationTokenFree(token CancellationToken)

	ClientConnect(runtime Runtime, options *ClientOptions, userData UserData, callback ClientConnectCallback)
	ClientFree(client Client)
	ClientUpdateMetadata(client Client, metadata ByteArrayRef)
	ClientRPCCall(client Client, options *RPCCallOptions, userData UserData, callback ClientRPCCallCallback)

	RandomNew(seed uint64) Random
	RandomFree(random Random)
	RandomInt32Range(random Random, min, max int32, maxInclusive bool) int32
	RandomDoubleRange(random Random, min, max float64, maxInclusive bool) float64
	// RandomFillBytes writes into the host buffer; it is the one borrowed
	// buffer the native side is allowed to mutate.
	RandomFillBytes(random Random, bytes []byte)

	EphemeralServerStartDevServer(runtime Runtime, options *DevServerOptions, userData UserData, callback EphemeralServerStartCallback)
	EphemeralServerStartTestServer(runtime Runtime, options *TestServerOptions, userData UserData, callback EphemeralServerStartCallback)
	EphemeralServerShutdown(server EphemeralServer, userData UserData, callback EphemeralServerShutdownCallback)
	EphemeralServerFree(server EphemeralServer)

	WorkerNew(client Client, options *WorkerOptions) WorkerOrFail
	WorkerFree(worker Worker)
	WorkerPollWorkflowActivation(worker Worker, userData UserData, callback WorkerPollCallback)
	WorkerPollActivityTask(worker Worker, userData UserData, callback WorkerPollCallback)
	WorkerCompleteWorkflowActivation(worker Worker, completion ByteArrayRef, userData UserData, callback WorkerCallback)
	WorkerCompleteActivityTask(worker Worker, completion ByteArrayRef, userData UserData, callback WorkerCallback)
	// WorkerRecordActivityHeartbeat returns an immediate failure or nil.
	WorkerRecordActivityHeartbeat(worker Worker, heartbeat ByteArrayRef) *ByteArray
	WorkerRequestWorkflowEviction(worker Worker, runID ByteArrayRef)
	WorkerInitiateShutdown(worker Worker)
	WorkerFinalizeShutdown(worker Worker, userData UserData, callback WorkerCallback)

	WorkerReplayerNew(runtime Runtime, options *WorkerOptions) WorkerReplayerOrFail
	WorkerReplayPusherFree(pusher WorkerReplayPusher)
	WorkerReplayPush(worker Worker, pusher WorkerReplayPusher, workflowID, history ByteArrayRef) WorkerReplayPushResult
}

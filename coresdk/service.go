package coresdk

// Request and response messages of the orchestration services.

type GetSystemInfoResponse struct {
	ServerVersion string   `json:"server_version"`
	Capabilities  []string `json:"capabilities"`
}

type DescribeNamespaceRequest struct {
	Namespace string `json:"namespace"`
}

type DescribeNamespaceResponse struct {
	Namespace string `json:"namespace"`
	State     string `json:"state"`
}

type StartWorkflowExecutionRequest struct {
	Namespace    string `json:"namespace"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowType string `json:"workflow_type"`
	TaskQueue    string `json:"task_queue"`
	Input        []byte `json:"input,omitempty"`
	Identity     string `json:"identity,omitempty"`
}

type StartWorkflowExecutionResponse struct {
	RunID string `json:"run_id"`
}

type DescribeWorkflowExecutionRequest struct {
	Namespace  string `json:"namespace"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`
}

type DescribeWorkflowExecutionResponse struct {
	WorkflowID   string   `json:"workflow_id"`
	RunID        string   `json:"run_id"`
	WorkflowType string   `json:"workflow_type"`
	TaskQueue    string   `json:"task_queue"`
	Status       string   `json:"status"`
	Result       []byte   `json:"result,omitempty"`
	Failure      *Failure `json:"failure,omitempty"`
}

// Execution statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type PollTaskQueueRequest struct {
	Namespace string `json:"namespace"`
	TaskQueue string `json:"task_queue"`
	Identity  string `json:"identity,omitempty"`
}

// PollWorkflowTaskQueueResponse is empty (no Activation) when the long poll
// timed out without work.
type PollWorkflowTaskQueueResponse struct {
	TaskToken  []byte              `json:"task_token,omitempty"`
	Activation *WorkflowActivation `json:"activation,omitempty"`
}

type RespondWorkflowTaskCompletedRequest struct {
	Namespace  string                        `json:"namespace"`
	TaskToken  []byte                        `json:"task_token"`
	Completion *WorkflowActivationCompletion `json:"completion"`
	Identity   string                        `json:"identity,omitempty"`
}

// PollActivityTaskQueueResponse is empty (no Task) when the long poll timed
// out without work.
type PollActivityTaskQueueResponse struct {
	Task *ActivityTask `json:"task,omitempty"`
}

type RespondActivityTaskCompletedRequest struct {
	Namespace  string                  `json:"namespace"`
	Completion *ActivityTaskCompletion `json:"completion"`
	Identity   string                  `json:"identity,omitempty"`
}

type RecordActivityTaskHeartbeatRequest struct {
	Namespace string `json:"namespace"`
	TaskToken []byte `json:"task_token"`
	Details   []byte `json:"details,omitempty"`
}

type RecordActivityTaskHeartbeatResponse struct {
	CancelRequested bool `json:"cancel_requested"`
}

type AddSearchAttributesRequest struct {
	Namespace  string            `json:"namespace"`
	Attributes map[string]string `json:"attributes"`
}

type ListSearchAttributesResponse struct {
	Attributes map[string]string `json:"attributes"`
}

type HealthCheckResponse struct {
	Status string `json:"status"`
}

type GetCurrentTimeResponse struct {
	TimeMs int64 `json:"time_ms"`
}

type SleepRequest struct {
	DurationMs int64 `json:"duration_ms"`
}

// Empty is the response of calls with nothing to report.
type Empty struct{}

package coresdk

// WorkflowActivation is one unit of workflow work handed to a worker.
type WorkflowActivation struct {
	RunID        string          `json:"run_id"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	WorkflowType string          `json:"workflow_type,omitempty"`
	TaskQueue    string          `json:"task_queue,omitempty"`
	Jobs         []ActivationJob `json:"jobs"`
	TimestampMs  int64           `json:"timestamp_ms,omitempty"`
	IsReplaying  bool            `json:"is_replaying,omitempty"`
}

// ActivationJob holds exactly one job variant.
type ActivationJob struct {
	StartWorkflow   *StartWorkflow   `json:"start_workflow,omitempty"`
	ResolveActivity *ResolveActivity `json:"resolve_activity,omitempty"`
	RemoveFromCache *RemoveFromCache `json:"remove_from_cache,omitempty"`
}

type StartWorkflow struct {
	WorkflowType string `json:"workflow_type"`
	Input        []byte `json:"input,omitempty"`
}

type ResolveActivity struct {
	ActivityID string   `json:"activity_id"`
	Result     []byte   `json:"result,omitempty"`
	Failure    *Failure `json:"failure,omitempty"`
}

type RemoveFromCache struct {
	Reason string `json:"reason,omitempty"`
}

// IsEviction reports whether the activation only asks the worker to drop the
// run from its cache. Evictions are completed with an empty command list.
func (a *WorkflowActivation) IsEviction() bool {
	return len(a.Jobs) == 1 && a.Jobs[0].RemoveFromCache != nil
}

// Failure is a workflow or activity failure.
type Failure struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// WorkflowActivationCompletion answers one activation.
type WorkflowActivationCompletion struct {
	RunID    string    `json:"run_id"`
	Commands []Command `json:"commands,omitempty"`
	Failure  *Failure  `json:"failure,omitempty"`
}

// Command holds exactly one command variant.
type Command struct {
	ScheduleActivity *ScheduleActivity `json:"schedule_activity,omitempty"`
	CompleteWorkflow *CompleteWorkflow `json:"complete_workflow,omitempty"`
	FailWorkflow     *Failure          `json:"fail_workflow,omitempty"`
}

type ScheduleActivity struct {
	ActivityID   string `json:"activity_id"`
	ActivityType string `json:"activity_type"`
	Input        []byte `json:"input,omitempty"`
}

type CompleteWorkflow struct {
	Result []byte `json:"result,omitempty"`
}

// ActivityTask is one unit of activity work. Exactly one of Start and Cancel
// is set.
type ActivityTask struct {
	TaskToken []byte          `json:"task_token"`
	Start     *ActivityStart  `json:"start,omitempty"`
	Cancel    *ActivityCancel `json:"cancel,omitempty"`
}

type ActivityStart struct {
	ActivityID   string `json:"activity_id"`
	ActivityType string `json:"activity_type"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Input        []byte `json:"input,omitempty"`
}

type ActivityCancel struct {
	Reason string `json:"reason"`
}

// ActivityTaskCompletion answers one activity task. Exactly one of Result and
// Failure is meaningful; a nil Failure means success.
type ActivityTaskCompletion struct {
	TaskToken []byte   `json:"task_token"`
	Result    []byte   `json:"result,omitempty"`
	Failure   *Failure `json:"failure,omitempty"`
}

// ActivityHeartbeat records progress of a running activity.
type ActivityHeartbeat struct {
	TaskToken []byte `json:"task_token"`
	Details   []byte `json:"details,omitempty"`
}

// History is a recorded run fed to a replay worker. Its jobs are delivered
// as one replaying activation.
type History struct {
	WorkflowType string          `json:"workflow_type"`
	Jobs         []ActivationJob `json:"jobs"`
}

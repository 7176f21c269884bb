package devserver

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/errors"
)

func storeFailure(err error) *Failure {
	switch {
	case goerrors.Is(err, ErrNotFound):
		return failuref(errors.CodeNotFound, "%v", err)
	case goerrors.Is(err, ErrAlreadyRunning):
		return failuref(errors.CodeAlreadyExists, "%v", err)
	case goerrors.Is(err, ErrAlreadyClosed):
		return failuref(errors.CodeFailedPrecondition, "%v", err)
	case goerrors.Is(err, context.Canceled):
		return failuref(errors.CodeCanceled, "%v", err)
	case goerrors.Is(err, ErrQueuesClosed):
		return failuref(errors.CodeUnavailable, "server shutting down")
	default:
		return failuref(errors.CodeInternal, "%v", err)
	}
}

func (s *Server) getSystemInfo(context.Context, *call) ([]byte, *Failure) {
	return encode(coresdk.GetSystemInfoResponse{
		ServerVersion: Version,
		Capabilities:  []string{"activity_failure_include_heartbeat", "eager_workflow_start"},
	})
}

func (s *Server) describeNamespace(_ context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.DescribeNamespaceRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	return encode(coresdk.DescribeNamespaceResponse{Namespace: req.Namespace, State: "registered"})
}

// enqueueWorkflowTask issues a task token for the run and publishes the
// activation to the run's task queue.
func (s *Server) enqueueWorkflowTask(ctx context.Context, e *Execution, jobs []coresdk.ActivationJob) error {
	token := ulid.Make().String()
	if err := s.store.PutWorkflowTask(ctx, token, e.RunID); err != nil {
		return err
	}
	payload, err := coresdk.Marshal(coresdk.PollWorkflowTaskQueueResponse{
		TaskToken: []byte(token),
		Activation: &coresdk.WorkflowActivation{
			RunID:        e.RunID,
			WorkflowID:   e.WorkflowID,
			WorkflowType: e.WorkflowType,
			TaskQueue:    e.TaskQueue,
			TimestampMs:  s.clock.Now().UnixMilli(),
			Jobs:         jobs,
		},
	})
	if err != nil {
		return err
	}
	return s.queues.Publish(e.Namespace, TaskWorkflow, e.TaskQueue, payload)
}

func (s *Server) startWorkflowExecution(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.StartWorkflowExecutionRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	if req.WorkflowID == "" || req.WorkflowType == "" || req.TaskQueue == "" {
		return nil, failuref(errors.CodeInvalidArgument, "workflow id, type and task queue are required")
	}

	now := time.Now().UTC()
	e := &Execution{
		RunID:        ulid.Make().String(),
		WorkflowID:   req.WorkflowID,
		Namespace:    req.Namespace,
		WorkflowType: req.WorkflowType,
		TaskQueue:    req.TaskQueue,
		Status:       coresdk.StatusRunning,
		Input:        req.Input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateExecution(ctx, e); err != nil {
		f := storeFailure(err)
		if f.Code == errors.CodeAlreadyExists {
			f.withDetails(map[string]any{"workflow_id": req.WorkflowID})
		}
		return nil, f
	}

	jobs := []coresdk.ActivationJob{{StartWorkflow: &coresdk.StartWorkflow{
		WorkflowType: req.WorkflowType,
		Input:        req.Input,
	}}}
	if err := s.enqueueWorkflowTask(ctx, e, jobs); err != nil {
		return nil, storeFailure(err)
	}

	s.log.Info("workflow started",
		zap.String("workflow_id", e.WorkflowID),
		zap.String("run_id", e.RunID),
		zap.String("task_queue", e.TaskQueue))
	return encode(coresdk.StartWorkflowExecutionResponse{RunID: e.RunID})
}

func (s *Server) describeWorkflowExecution(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.DescribeWorkflowExecutionRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}

	var (
		e   *Execution
		err error
	)
	if req.RunID != "" {
		e, err = s.store.GetExecution(ctx, req.RunID)
	} else {
		e, err = s.store.LatestExecution(ctx, req.Namespace, req.WorkflowID)
	}
	if err != nil {
		return nil, storeFailure(err)
	}

	resp := coresdk.DescribeWorkflowExecutionResponse{
		WorkflowID:   e.WorkflowID,
		RunID:        e.RunID,
		WorkflowType: e.WorkflowType,
		TaskQueue:    e.TaskQueue,
		Status:       e.Status,
		Result:       e.Result,
	}
	if e.Failure != "" {
		resp.Failure = &coresdk.Failure{Message: e.Failure}
	}
	return encode(resp)
}

func (s *Server) pollQueue(ctx context.Context, c *call, kind TaskKind) ([]byte, *Failure) {
	var req coresdk.PollTaskQueueRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	if req.TaskQueue == "" {
		return nil, failuref(errors.CodeInvalidArgument, "task queue is required")
	}

	payload, err := s.queues.Poll(ctx, req.Namespace, kind, req.TaskQueue, s.cfg.PollTimeout)
	if err != nil {
		return nil, storeFailure(err)
	}
	if payload == nil {
		return encode(coresdk.Empty{})
	}
	return payload, nil
}

func (s *Server) pollWorkflowTaskQueue(ctx context.Context, c *call) ([]byte, *Failure) {
	return s.pollQueue(ctx, c, TaskWorkflow)
}

func (s *Server) pollActivityTaskQueue(ctx context.Context, c *call) ([]byte, *Failure) {
	return s.pollQueue(ctx, c, TaskActivity)
}

func (s *Server) respondWorkflowTaskCompleted(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.RespondWorkflowTaskCompletedRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	if req.Completion == nil {
		return nil, failuref(errors.CodeInvalidArgument, "completion is required")
	}

	runID, err := s.store.TakeWorkflowTask(ctx, string(req.TaskToken))
	if err != nil {
		return nil, storeFailure(err)
	}
	e, err := s.store.GetExecution(ctx, runID)
	if err != nil {
		return nil, storeFailure(err)
	}

	if req.Completion.Failure != nil {
		s.log.Warn("workflow task failed",
			zap.String("run_id", runID),
			zap.String("message", req.Completion.Failure.Message))
		return s.closeRun(ctx, e, coresdk.StatusFailed, nil, req.Completion.Failure.Message)
	}

	for _, cmd := range req.Completion.Commands {
		switch {
		case cmd.ScheduleActivity != nil:
			if f := s.scheduleActivity(ctx, e, cmd.ScheduleActivity); f != nil {
				return nil, f
			}
		case cmd.CompleteWorkflow != nil:
			return s.closeRun(ctx, e, coresdk.StatusCompleted, cmd.CompleteWorkflow.Result, "")
		case cmd.FailWorkflow != nil:
			return s.closeRun(ctx, e, coresdk.StatusFailed, nil, cmd.FailWorkflow.Message)
		default:
			return nil, failuref(errors.CodeInvalidArgument, "empty command")
		}
	}
	return encode(coresdk.Empty{})
}

func (s *Server) closeRun(ctx context.Context, e *Execution, status string, result []byte, failure string) ([]byte, *Failure) {
	if err := s.store.CloseExecution(ctx, e.RunID, status, result, failure); err != nil {
		return nil, storeFailure(err)
	}
	if err := s.store.RequestActivityCancel(ctx, e.RunID); err != nil {
		return nil, storeFailure(err)
	}
	s.log.Info("workflow closed", zap.String("run_id", e.RunID), zap.String("status", status))
	return encode(coresdk.Empty{})
}

func (s *Server) scheduleActivity(ctx context.Context, e *Execution, cmd *coresdk.ScheduleActivity) *Failure {
	if cmd.ActivityID == "" || cmd.ActivityType == "" {
		return failuref(errors.CodeInvalidArgument, "activity id and type are required")
	}
	a := &Activity{
		TaskToken:    ulid.Make().String(),
		RunID:        e.RunID,
		ActivityID:   cmd.ActivityID,
		ActivityType: cmd.ActivityType,
		TaskQueue:    e.TaskQueue,
		Input:        cmd.Input,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateActivity(ctx, a); err != nil {
		return storeFailure(err)
	}
	payload, err := coresdk.Marshal(coresdk.PollActivityTaskQueueResponse{Task: &coresdk.ActivityTask{
		TaskToken: []byte(a.TaskToken),
		Start: &coresdk.ActivityStart{
			ActivityID:   a.ActivityID,
			ActivityType: a.ActivityType,
			WorkflowID:   e.WorkflowID,
			RunID:        e.RunID,
			Input:        a.Input,
		},
	}})
	if err != nil {
		return failuref(errors.CodeInternal, "%v", err)
	}
	if err := s.queues.Publish(e.Namespace, TaskActivity, e.TaskQueue, payload); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *Server) respondActivityTaskCompleted(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.RespondActivityTaskCompletedRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	if req.Completion == nil {
		return nil, failuref(errors.CodeInvalidArgument, "completion is required")
	}

	var failure string
	if req.Completion.Failure != nil {
		failure = req.Completion.Failure.Message
		if failure == "" {
			failure = "activity failed"
		}
	}
	a, err := s.store.CompleteActivity(ctx, string(req.Completion.TaskToken), req.Completion.Result, failure)
	if err != nil {
		return nil, storeFailure(err)
	}

	e, err := s.store.GetExecution(ctx, a.RunID)
	if err != nil {
		return nil, storeFailure(err)
	}
	if e.Status != coresdk.StatusRunning {
		return encode(coresdk.Empty{})
	}

	resolve := &coresdk.ResolveActivity{ActivityID: a.ActivityID, Result: a.Result}
	if req.Completion.Failure != nil {
		resolve.Failure = req.Completion.Failure
	}
	if err := s.enqueueWorkflowTask(ctx, e, []coresdk.ActivationJob{{ResolveActivity: resolve}}); err != nil {
		return nil, storeFailure(err)
	}
	return encode(coresdk.Empty{})
}

func (s *Server) recordActivityTaskHeartbeat(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.RecordActivityTaskHeartbeatRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	cancel, err := s.store.RecordHeartbeat(ctx, string(req.TaskToken), req.Details)
	if err != nil {
		return nil, storeFailure(err)
	}
	return encode(coresdk.RecordActivityTaskHeartbeatResponse{CancelRequested: cancel})
}

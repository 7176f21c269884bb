package bridge

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

// ErrPollShutdown is returned by polls once the worker has shut down and
// has no more work to hand out.
var ErrPollShutdown = goerrors.New("worker poll: shut down")

// WorkerOptions configures a worker. Zero values select native defaults.
type WorkerOptions struct {
	Namespace string
	TaskQueue string
	BuildID   string
	// Identity defaults to the client identity.
	Identity string

	MaxCachedWorkflows            int
	MaxOutstandingWorkflowTasks   int
	MaxOutstandingActivities      int
	MaxOutstandingLocalActivities int

	StickyQueueScheduleToStartTimeout time.Duration
	MaxHeartbeatThrottleInterval      time.Duration
	DefaultHeartbeatThrottleInterval  time.Duration

	MaxActivitiesPerSecond          float64
	MaxTaskQueueActivitiesPerSecond float64

	// GracefulShutdownPeriod is how long running activities may finish
	// after shutdown starts before they are sent cancel tasks.
	GracefulShutdownPeriod time.Duration

	NoRemoteActivities bool
}

func (o WorkerOptions) native() *abi.WorkerOptions {
	return &abi.WorkerOptions{
		Namespace:                               abi.RefString(o.Namespace),
		TaskQueue:                               abi.RefString(o.TaskQueue),
		BuildID:                                 abi.RefString(o.BuildID),
		IdentityOverride:                        abi.RefString(o.Identity),
		MaxCachedWorkflows:                      uint32(o.MaxCachedWorkflows),
		MaxOutstandingWorkflowTasks:             uint32(o.MaxOutstandingWorkflowTasks),
		MaxOutstandingActivities:                uint32(o.MaxOutstandingActivities),
		MaxOutstandingLocalActivities:           uint32(o.MaxOutstandingLocalActivities),
		StickyQueueScheduleToStartTimeoutMillis: uint64(o.StickyQueueScheduleToStartTimeout.Milliseconds()),
		MaxHeartbeatThrottleIntervalMillis:      uint64(o.MaxHeartbeatThrottleInterval.Milliseconds()),
		DefaultHeartbeatThrottleIntervalMillis:  uint64(o.DefaultHeartbeatThrottleInterval.Milliseconds()),
		MaxActivitiesPerSecond:                  o.MaxActivitiesPerSecond,
		MaxTaskQueueActivitiesPerSecond:         o.MaxTaskQueueActivitiesPerSecond,
		GracefulShutdownPeriodMillis:            uint64(o.GracefulShutdownPeriod.Milliseconds()),
		NoRemoteActivities:                      o.NoRemoteActivities,
	}
}

// WorkerState is the host-side lifecycle of a worker.
type WorkerState int32

const (
	WorkerRunning WorkerState = iota
	WorkerShutdownRequested
	WorkerFinalizing
	WorkerFinalized
	WorkerFreed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerShutdownRequested:
		return "shutdown_requested"
	case WorkerFinalizing:
		return "finalizing"
	case WorkerFinalized:
		return "finalized"
	case WorkerFreed:
		return "freed"
	default:
		return "unknown"
	}
}

type taskQueue int

const (
	queueWorkflow taskQueue = iota
	queueActivity
)

// Worker polls one task queue. One poll per queue at a time is expected;
// polls, completions, heartbeats and evictions may run concurrently.
type Worker struct {
	rt     *Runtime
	handle abi.Worker
	log    *zap.Logger
	live   keepAlive
	state  atomic.Int32

	// release drops the hold on the parent client or runtime.
	release func()

	// Tasks that reached the host after their poller gave up; the next
	// poll on the queue returns them first.
	stashMu sync.Mutex
	stash   [2][][]byte

	// finalizeDone is closed once the native finalize call resolved, with
	// finalizeErr set on failure.
	finalizeMu   sync.Mutex
	finalizeDone chan struct{}
	finalizeErr  error
	closeOnce    sync.Once
}

// NewWorker creates a worker on the client's connection. The client stays
// open until the worker is closed.
func (c *Client) NewWorker(opts WorkerOptions) (*Worker, error) {
	if !c.live.acquire() {
		return nil, errors.Closed(errors.PhaseWorker, "client")
	}
	res := c.rt.core.WorkerNew(c.handle, opts.native())
	if res.Fail != nil {
		c.live.release()
		return nil, errors.Construction(errors.PhaseWorker, "worker", c.rt.takeString(res.Fail))
	}
	return newWorker(c.rt, res.Worker, opts, c.live.release), nil
}

func newWorker(rt *Runtime, h abi.Worker, opts WorkerOptions, release func()) *Worker {
	return &Worker{
		rt:      rt,
		handle:  h,
		log:     rt.log.With(zap.String("namespace", opts.Namespace), zap.String("task_queue", opts.TaskQueue)),
		release: release,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) popStash(q taskQueue) []byte {
	w.stashMu.Lock()
	defer w.stashMu.Unlock()
	if len(w.stash[q]) == 0 {
		return nil
	}
	data := w.stash[q][0]
	w.stash[q] = w.stash[q][1:]
	return data
}

func (w *Worker) pushStash(q taskQueue, data []byte) {
	w.stashMu.Lock()
	defer w.stashMu.Unlock()
	w.stash[q] = append(w.stash[q], data)
}

// PollWorkflowActivation returns the next serialized workflow activation.
func (w *Worker) PollWorkflowActivation(ctx context.Context) ([]byte, error) {
	return w.poll(ctx, queueWorkflow)
}

// PollActivityTask returns the next serialized activity task.
func (w *Worker) PollActivityTask(ctx context.Context) ([]byte, error) {
	return w.poll(ctx, queueActivity)
}

func (w *Worker) poll(ctx context.Context, q taskQueue) ([]byte, error) {
	if data := w.popStash(q); data != nil {
		return data, nil
	}
	if !w.live.acquire() {
		return nil, errors.Closed(errors.PhasePoll, "worker")
	}

	c := newCompletion[pollResult](w.rt.calls)
	c.onResolve = w.live.release
	c.discard = func(res pollResult) {
		if res.data != nil {
			w.pushStash(q, res.data)
		}
	}
	ud, err := w.rt.calls.register(c)
	if err != nil {
		w.live.release()
		return nil, err
	}
	if q == queueWorkflow {
		w.rt.core.WorkerPollWorkflowActivation(w.handle, ud, w.rt.onPoll)
	} else {
		w.rt.core.WorkerPollActivityTask(w.handle, ud, w.rt.onPoll)
	}

	res, err := c.wait(ctx)
	switch {
	case err != nil:
		return nil, errors.Cancelled(errors.PhasePoll, err)
	case res.failed:
		return nil, errors.Call(errors.PhasePoll, "worker", res.fail)
	case res.shutdown:
		return nil, ErrPollShutdown
	}
	return res.data, nil
}

// CompleteWorkflowActivation submits the host's answer to an activation.
func (w *Worker) CompleteWorkflowActivation(ctx context.Context, completion []byte) error {
	return w.complete(ctx, queueWorkflow, completion)
}

// CompleteActivityTask submits an activity result.
func (w *Worker) CompleteActivityTask(ctx context.Context, completion []byte) error {
	return w.complete(ctx, queueActivity, completion)
}

func (w *Worker) complete(ctx context.Context, q taskQueue, completion []byte) error {
	if !w.live.acquire() {
		return errors.Closed(errors.PhaseComplete, "worker")
	}

	c := newCompletion[callResult](w.rt.calls)
	c.onResolve = w.live.release
	c.pin = []any{completion}
	ud, err := w.rt.calls.register(c)
	if err != nil {
		w.live.release()
		return err
	}
	if q == queueWorkflow {
		w.rt.core.WorkerCompleteWorkflowActivation(w.handle, abi.Ref(completion), ud, w.rt.onWorker)
	} else {
		w.rt.core.WorkerCompleteActivityTask(w.handle, abi.Ref(completion), ud, w.rt.onWorker)
	}

	res, err := c.wait(ctx)
	switch {
	case err != nil:
		return errors.Cancelled(errors.PhaseComplete, err)
	case res.failed:
		return errors.Call(errors.PhaseComplete, "worker", res.fail)
	}
	return nil
}

// RecordActivityHeartbeat records a heartbeat without waiting for the
// server. Only problems the native side detects immediately are returned.
func (w *Worker) RecordActivityHeartbeat(heartbeat []byte) error {
	var fail *abi.ByteArray
	if !w.live.use(func() { fail = w.rt.core.WorkerRecordActivityHeartbeat(w.handle, abi.Ref(heartbeat)) }) {
		return errors.Closed(errors.PhaseHeartbeat, "worker")
	}
	if fail != nil {
		return errors.Call(errors.PhaseHeartbeat, "worker", w.rt.takeString(fail))
	}
	return nil
}

// RequestWorkflowEviction asks the worker to drop a run from its cache. The
// eviction arrives later as an activation.
func (w *Worker) RequestWorkflowEviction(runID string) {
	w.live.use(func() { w.rt.core.WorkerRequestWorkflowEviction(w.handle, abi.RefString(runID)) })
}

// InitiateShutdown starts graceful shutdown. Polls drain and then return
// ErrPollShutdown. It is idempotent.
func (w *Worker) InitiateShutdown() {
	if !w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerShutdownRequested)) {
		return
	}
	w.live.use(func() { w.rt.core.WorkerInitiateShutdown(w.handle) })
	w.log.Debug("worker shutdown requested")
}

// FinalizeShutdown waits for every outstanding poll and completion, then
// finalizes natively. Polls and completions issued afterwards fail. If ctx
// ends first the error is returned and FinalizeShutdown may be called again.
func (w *Worker) FinalizeShutdown(ctx context.Context) error {
	w.finalizeMu.Lock()
	done := w.finalizeDone
	if done == nil {
		var err error
		if done, err = w.startFinalize(ctx); err != nil {
			w.finalizeMu.Unlock()
			return err
		}
	}
	w.finalizeMu.Unlock()

	select {
	case <-done:
		return w.finalizeErr
	case <-ctx.Done():
		return errors.Cancelled(errors.PhaseShutdown, ctx.Err())
	}
}

// startFinalize drains the worker and issues the native finalize call once.
// It runs under finalizeMu.
func (w *Worker) startFinalize(ctx context.Context) (chan struct{}, error) {
	w.InitiateShutdown()
	w.state.Store(int32(WorkerFinalizing))
	w.live.seal()
	if err := w.live.wait(ctx); err != nil {
		return nil, errors.Wrap(errors.PhaseShutdown, errors.KindUnresolved, err, "worker calls still outstanding")
	}

	c := newCompletion[callResult](w.rt.calls)
	ud, err := w.rt.calls.register(c)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	w.finalizeDone = done
	w.rt.core.WorkerFinalizeShutdown(w.handle, ud, w.rt.onWorker)

	go func() {
		defer close(done)
		res, _ := c.wait(context.Background())
		if res.failed {
			w.finalizeErr = errors.Call(errors.PhaseShutdown, "worker", res.fail)
			return
		}
		w.state.Store(int32(WorkerFinalized))
		w.log.Debug("worker finalized")
	}()
	return done, nil
}

// Close frees the worker and releases its client. It is misuse before
// FinalizeShutdown succeeded.
func (w *Worker) Close() error {
	if st := w.State(); st != WorkerFinalized && st != WorkerFreed {
		return errors.Misuse(errors.PhaseShutdown, "worker", "close before finalize_shutdown resolved (state "+st.String()+")")
	}
	w.closeOnce.Do(func() {
		w.rt.core.WorkerFree(w.handle)
		w.state.Store(int32(WorkerFreed))
		w.release()
	})
	return nil
}

package core

import (
	"container/list"
	"context"
	goerrors "errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
	"github.com/wippyai/corebridge/coresdk"
)

const (
	defaultMaxCachedWorkflows   = 1000
	defaultMaxOutstanding       = 100
	defaultHeartbeatThrottle    = 30 * time.Second
	defaultMaxHeartbeatThrottle = 60 * time.Second
	respondTimeout              = 30 * time.Second
	evictionReasonRequested     = "eviction requested by host"
	evictionReasonCacheFull     = "cache full"
	cancelReasonShutdown        = "worker_shutdown"
	cancelReasonServerRequested = "cancel_requested"
	pollQueueWorkflow           = "workflow"
	pollQueueActivity           = "activity"
	pollOutcomeTask             = "task"
	pollOutcomeFailure          = "failure"
	pollOutcomeShutdown         = "shutdown"
)

// workerConfig is a validated copy of the borrowed worker options.
type workerConfig struct {
	namespace          string
	taskQueue          string
	buildID            string
	identity           string
	maxCached          int
	maxWorkflowTasks   int64
	maxActivities      int64
	heartbeatThrottle  time.Duration
	activitiesPerSec   float64
	gracefulShutdown   time.Duration
	noRemoteActivities bool
}

func copyWorkerOptions(o *abi.WorkerOptions) (workerConfig, error) {
	if o == nil {
		return workerConfig{}, goerrors.New("worker options are required")
	}
	cfg := workerConfig{
		namespace:          o.Namespace.String(),
		taskQueue:          o.TaskQueue.String(),
		buildID:            o.BuildID.String(),
		identity:           o.IdentityOverride.String(),
		maxCached:          int(o.MaxCachedWorkflows),
		maxWorkflowTasks:   int64(o.MaxOutstandingWorkflowTasks),
		maxActivities:      int64(o.MaxOutstandingActivities),
		activitiesPerSec:   o.MaxActivitiesPerSecond,
		gracefulShutdown:   time.Duration(o.GracefulShutdownPeriodMillis) * time.Millisecond,
		noRemoteActivities: o.NoRemoteActivities,
	}
	if cfg.namespace == "" {
		return cfg, goerrors.New("namespace cannot be empty")
	}
	if cfg.taskQueue == "" {
		return cfg, goerrors.New("task queue cannot be empty")
	}
	if cfg.activitiesPerSec < 0 || o.MaxTaskQueueActivitiesPerSecond < 0 {
		return cfg, goerrors.New("activity rate limits cannot be negative")
	}
	if tq := o.MaxTaskQueueActivitiesPerSecond; tq > 0 && (cfg.activitiesPerSec == 0 || tq < cfg.activitiesPerSec) {
		cfg.activitiesPerSec = tq
	}
	if cfg.maxCached == 0 {
		cfg.maxCached = defaultMaxCachedWorkflows
	}
	if cfg.maxWorkflowTasks == 0 {
		cfg.maxWorkflowTasks = defaultMaxOutstanding
	}
	if cfg.maxActivities == 0 {
		cfg.maxActivities = defaultMaxOutstanding
	}

	throttle := time.Duration(o.DefaultHeartbeatThrottleIntervalMillis) * time.Millisecond
	if throttle == 0 {
		throttle = defaultHeartbeatThrottle
	}
	maxThrottle := time.Duration(o.MaxHeartbeatThrottleIntervalMillis) * time.Millisecond
	if maxThrottle == 0 {
		maxThrottle = defaultMaxHeartbeatThrottle
	}
	cfg.heartbeatThrottle = min(throttle, maxThrottle)
	return cfg, nil
}

// pollResult is one item fetched by a background poller.
type pollResult struct {
	err        error
	activation *coresdk.WorkflowActivation
	activity   *coresdk.ActivityTask
	token      []byte
}

// outstandingActivation is an activation handed to the host and not yet
// completed.
type outstandingActivation struct {
	token    []byte
	eviction bool
	replay   bool
}

// activityState tracks a running activity for heartbeat throttling and
// cancellation.
type activityState struct {
	limiter    *rate.Limiter
	flushTimer *time.Timer
	pending    []byte
	hasPending bool
	cancelSent bool
}

// worker polls one task queue. The host sees at most one server task per
// queue buffered ahead of its polls; local work (evictions, activity
// cancels, replays) is delivered before server work.
type worker struct {
	e        *Engine
	rt       *runtime
	client   *client
	log      *zap.Logger
	cfg      workerConfig
	replayer bool

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownCh chan struct{}

	wfTasks    chan pollResult
	actTasks   chan pollResult
	wfSem      *semaphore.Weighted
	actSem     *semaphore.Weighted
	actLimiter *rate.Limiter

	pollers sync.WaitGroup // background pollers
	pending sync.WaitGroup // heartbeat sends and timers

	mu             sync.Mutex
	changed        chan struct{}
	evictions      []evictionRequest
	cache          *list.List
	cacheIndex     map[string]*list.Element
	outstanding    map[string]*outstandingActivation
	localActs      []*coresdk.ActivityTask
	activities     map[string]*activityState
	deferred       []pollResult
	replays        []*coresdk.WorkflowActivation
	replaysClosed  bool
	graceTimer     *time.Timer
	wfPollerOnce   sync.Once
	actPollerOnce  sync.Once
	shutdownOnce   sync.Once
	finalized      atomic.Bool
	finalizeCalled atomic.Bool
}

type evictionRequest struct {
	runID  string
	reason string
}

func newWorker(e *Engine, rt *runtime, c *client, cfg workerConfig, replayer bool) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if cfg.activitiesPerSec > 0 {
		limit = rate.Limit(cfg.activitiesPerSec)
	}
	burst := int(math.Max(1, math.Ceil(cfg.activitiesPerSec)))

	return &worker{
		e:      e,
		rt:     rt,
		client: c,
		log: rt.log.Named("worker").With(
			zap.String("namespace", cfg.namespace),
			zap.String("task_queue", cfg.taskQueue)),
		cfg:         cfg,
		replayer:    replayer,
		ctx:         ctx,
		cancel:      cancel,
		shutdownCh:  make(chan struct{}),
		wfTasks:     make(chan pollResult, 1),
		actTasks:    make(chan pollResult, 1),
		wfSem:       semaphore.NewWeighted(cfg.maxWorkflowTasks),
		actSem:      semaphore.NewWeighted(cfg.maxActivities),
		actLimiter:  rate.NewLimiter(limit, burst),
		changed:     make(chan struct{}),
		cache:       list.New(),
		cacheIndex:  make(map[string]*list.Element),
		outstanding: make(map[string]*outstandingActivation),
		activities:  make(map[string]*activityState),
	}
}

// notifyLocked wakes every host poll waiting for local state to change. The
// lock must be held.
func (w *worker) notifyLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

func (w *worker) isShutdown() bool {
	select {
	case <-w.shutdownCh:
		return true
	default:
		return false
	}
}

// Drop implements handles.Dropper.
func (w *worker) Drop() {
	w.initiateShutdown()
	w.stopTimers(false)
}

// WorkerNew creates a worker on a client. It does no network I/O; options
// are validated locally.
func (e *Engine) WorkerNew(cl abi.Client, options *abi.WorkerOptions) abi.WorkerOrFail {
	c, err := lookup[*client](e, uint64(cl), handles.KindClient)
	if err != nil {
		e.reportMisuse("worker_new", err)
		return abi.WorkerOrFail{Fail: e.staticBuffer(msgStaleHandle)}
	}
	cfg, err := copyWorkerOptions(options)
	if err != nil {
		return abi.WorkerOrFail{Fail: e.failBuffer(c.rt.id, "invalid worker options: "+err.Error())}
	}
	if cfg.identity == "" {
		cfg.identity = c.identity
	}
	if cfg.identity == "" {
		cfg.identity = "corebridge-" + ulid.Make().String()
	}

	w := newWorker(e, c.rt, c, cfg, false)
	h, err := e.handles.Insert(handles.KindWorker, w)
	if err != nil {
		return abi.WorkerOrFail{Fail: e.failBuffer(c.rt.id, err.Error())}
	}
	w.log.Info("worker created", zap.Uint64("handle", h), zap.String("build_id", cfg.buildID))
	return abi.WorkerOrFail{Worker: abi.Worker(h)}
}

// WorkerFree releases a worker. Freeing before finalize_shutdown resolved is
// misuse; the worker is torn down anyway.
func (e *Engine) WorkerFree(wk abi.Worker) {
	w, ok := drop[*worker](e, "worker_free", uint64(wk), handles.KindWorker)
	if !ok {
		return
	}
	if !w.finalized.Load() {
		e.reportMisuse("worker_free", fmt.Errorf("worker %#x freed before finalize_shutdown resolved", uint64(wk)))
	}
	w.Drop()
}

// WorkerRequestWorkflowEviction asks the worker to evict a cached run. The
// host receives a remove_from_cache activation for it.
func (e *Engine) WorkerRequestWorkflowEviction(wk abi.Worker, runID abi.ByteArrayRef) {
	w, err := lookup[*worker](e, uint64(wk), handles.KindWorker)
	if err != nil {
		e.reportMisuse("worker_request_workflow_eviction", err)
		return
	}
	w.requestEviction(runID.String(), evictionReasonRequested)
}

// WorkerInitiateShutdown begins graceful shutdown. Polls drain and then
// report shutdown; completions are still accepted.
func (e *Engine) WorkerInitiateShutdown(wk abi.Worker) {
	w, err := lookup[*worker](e, uint64(wk), handles.KindWorker)
	if err != nil {
		e.reportMisuse("worker_initiate_shutdown", err)
		return
	}
	w.initiateShutdown()
}

func (w *worker) initiateShutdown() {
	w.shutdownOnce.Do(func() {
		close(w.shutdownCh)
		w.cancel()

		w.mu.Lock()
		w.notifyLocked()
		w.pending.Add(1)
		w.graceTimer = time.AfterFunc(w.cfg.gracefulShutdown, func() {
			defer w.pending.Done()
			w.cancelOutstandingActivities()
		})
		w.mu.Unlock()

		w.log.Info("worker shutdown initiated", zap.Duration("grace", w.cfg.gracefulShutdown))
	})
}

func (w *worker) cancelOutstandingActivities() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for token := range w.activities {
		w.requestCancelLocked(token, cancelReasonShutdown)
	}
}

// stopTimers stops the grace timer and heartbeat flush timers. With flush
// set, throttled heartbeat details are sent instead of dropped.
func (w *worker) stopTimers(flush bool) {
	w.mu.Lock()
	if w.graceTimer != nil && w.graceTimer.Stop() {
		w.pending.Done()
	}
	var tokens []string
	for token, st := range w.activities {
		if st.flushTimer != nil && st.flushTimer.Stop() {
			st.flushTimer = nil
			w.pending.Done()
			if st.hasPending {
				tokens = append(tokens, token)
			}
		}
	}
	w.mu.Unlock()

	if flush {
		for _, token := range tokens {
			w.flushHeartbeat(token)
		}
	}
}

// WorkerFinalizeShutdown completes shutdown once the background pollers and
// heartbeat sends have stopped.
func (e *Engine) WorkerFinalizeShutdown(wk abi.Worker, userData abi.UserData, callback abi.WorkerCallback) {
	w, release, err := borrow[*worker](e, uint64(wk), handles.KindWorker)
	if err != nil {
		e.reportMisuse("worker_finalize_shutdown", err)
		e.spawn(func() {
			e.invoke("worker_finalize_shutdown", func() { callback(userData, e.staticBuffer(msgStaleHandle)) })
		})
		return
	}

	e.spawn(func() {
		w.finalizeCalled.Store(true)
		w.initiateShutdown()
		w.pollers.Wait()
		w.stopTimers(true)
		w.pending.Wait()

		w.mu.Lock()
		running := len(w.activities)
		w.mu.Unlock()
		if running > 0 {
			w.log.Warn("worker finalized with activities still running", zap.Int("activities", running))
		}

		w.finalized.Store(true)
		w.log.Info("worker finalized")
		release()
		e.invoke("worker_finalize_shutdown", func() { callback(userData, nil) })
	})
}

// pollCall runs one host poll on an engine goroutine and reports the result
// through callback. A terminal result is reported with both buffers nil.
func (e *Engine) pollCall(op string, wk abi.Worker, userData abi.UserData, callback abi.WorkerPollCallback,
	poll func(w *worker) (payload []byte, terminal bool, err error)) {

	w, release, err := borrow[*worker](e, uint64(wk), handles.KindWorker)
	if err != nil {
		e.reportMisuse(op, err)
		e.spawn(func() {
			e.invoke(op, func() { callback(userData, nil, e.staticBuffer(msgStaleHandle)) })
		})
		return
	}

	e.spawn(func() {
		payload, terminal, err := poll(w)
		release()

		switch {
		case terminal:
			e.invoke(op, func() { callback(userData, nil, nil) })
		case err != nil:
			fail := e.failBuffer(w.rt.id, err.Error())
			e.invoke(op, func() { callback(userData, nil, fail) })
		default:
			success, err := e.buffer(w.rt.id, payload)
			if err != nil {
				w.log.Error("allocate task buffer", zap.Error(err))
				e.invoke(op, func() { callback(userData, nil, e.staticBuffer(msgHeapExhausted)) })
				return
			}
			e.invoke(op, func() { callback(userData, success, nil) })
		}
	})
}

// completeCall runs one host completion on an engine goroutine.
func (e *Engine) completeCall(op string, wk abi.Worker, completion abi.ByteArrayRef, userData abi.UserData,
	callback abi.WorkerCallback, complete func(w *worker, data []byte) error) {

	data := completion.Copy()
	w, release, err := borrow[*worker](e, uint64(wk), handles.KindWorker)
	if err != nil {
		e.reportMisuse(op, err)
		e.spawn(func() {
			e.invoke(op, func() { callback(userData, e.staticBuffer(msgStaleHandle)) })
		})
		return
	}

	e.spawn(func() {
		err := complete(w, data)
		release()
		if err != nil {
			fail := e.failBuffer(w.rt.id, err.Error())
			e.invoke(op, func() { callback(userData, fail) })
			return
		}
		e.invoke(op, func() { callback(userData, nil) })
	})
}

func (e *Engine) WorkerPollWorkflowActivation(wk abi.Worker, userData abi.UserData, callback abi.WorkerPollCallback) {
	e.pollCall("worker_poll_workflow_activation", wk, userData, callback, (*worker).pollWorkflow)
}

func (e *Engine) WorkerPollActivityTask(wk abi.Worker, userData abi.UserData, callback abi.WorkerPollCallback) {
	e.pollCall("worker_poll_activity_task", wk, userData, callback, (*worker).pollActivity)
}

func (e *Engine) WorkerCompleteWorkflowActivation(wk abi.Worker, completion abi.ByteArrayRef, userData abi.UserData, callback abi.WorkerCallback) {
	e.completeCall("worker_complete_workflow_activation", wk, completion, userData, callback, (*worker).completeWorkflow)
}

func (e *Engine) WorkerCompleteActivityTask(wk abi.Worker, completion abi.ByteArrayRef, userData abi.UserData, callback abi.WorkerCallback) {
	e.completeCall("worker_complete_activity_task", wk, completion, userData, callback, (*worker).completeActivity)
}

// WorkerRecordActivityHeartbeat records a heartbeat without blocking. Only
// problems detectable immediately are returned; sending happens in the
// background, throttled per activity.
func (e *Engine) WorkerRecordActivityHeartbeat(wk abi.Worker, heartbeat abi.ByteArrayRef) *abi.ByteArray {
	w, err := lookup[*worker](e, uint64(wk), handles.KindWorker)
	if err != nil {
		e.reportMisuse("worker_record_activity_heartbeat", err)
		return e.staticBuffer(msgStaleHandle)
	}
	if err := w.recordHeartbeat(heartbeat.Data); err != nil {
		w.rt.metrics.heartbeats.WithLabelValues("rejected").Inc()
		return e.failBuffer(w.rt.id, err.Error())
	}
	return nil
}

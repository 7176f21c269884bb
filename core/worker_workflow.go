package core

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/coresdk"
)

// rpc performs one workflow service call on the worker's client.
func (w *worker) rpc(ctx context.Context, method string, req, resp any, timeout time.Duration, retry bool) error {
	body, err := coresdk.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	start := time.Now()
	out, f := w.client.transport.call(ctx, "workflow", method, body, w.client.snapshot(nil), timeout, retry, w.client.retry)
	code := "OK"
	if f != nil {
		code = f.code.String()
	}
	w.rt.metrics.observeRPC("workflow", method, code, start)
	if f != nil {
		return f
	}
	if resp == nil {
		return nil
	}
	if err := coresdk.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// errParked reports a server task held back until its run is free.
var errParked = goerrors.New("task parked behind an outstanding activation")

// pollBackoff paces a background poller after failures.
func pollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runWorkflowPoller long-polls the server for workflow tasks until the worker
// shuts down. Each task holds a slot of the outstanding-task semaphore until
// its completion is reported.
func (w *worker) runWorkflowPoller() {
	defer w.pollers.Done()
	b := pollBackoff()
	req := coresdk.PollTaskQueueRequest{Namespace: w.cfg.namespace, TaskQueue: w.cfg.taskQueue, Identity: w.cfg.identity}

	for {
		if err := w.wfSem.Acquire(w.ctx, 1); err != nil {
			return
		}
		var resp coresdk.PollWorkflowTaskQueueResponse
		err := w.rpc(w.ctx, "PollWorkflowTaskQueue", req, &resp, 0, false)
		switch {
		case w.ctx.Err() != nil:
			w.wfSem.Release(1)
			return
		case err != nil:
			w.wfSem.Release(1)
			w.log.Warn("workflow poll failed", zap.Error(err))
			if !w.push(w.wfTasks, pollResult{err: err}) || !sleepCtx(w.ctx, b.NextBackOff()) {
				return
			}
			continue
		case resp.Activation == nil:
			w.wfSem.Release(1)
			continue
		}
		b.Reset()
		if !w.push(w.wfTasks, pollResult{activation: resp.Activation, token: resp.TaskToken}) {
			w.wfSem.Release(1)
			return
		}
	}
}

// push hands a poll result to the host side, giving up on shutdown.
func (w *worker) push(ch chan pollResult, r pollResult) bool {
	select {
	case ch <- r:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// requestEviction queues a remove_from_cache activation for runID.
func (w *worker) requestEviction(runID, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ev := range w.evictions {
		if ev.runID == runID {
			return
		}
	}
	w.evictions = append(w.evictions, evictionRequest{runID: runID, reason: reason})
	w.notifyLocked()
}

// nextLocalActivationLocked returns the next activation that needs no server
// round trip: evictions first, then server tasks parked behind a busy run,
// then replays. Nothing is handed out for a run that already has an
// activation outstanding.
func (w *worker) nextLocalActivationLocked() *coresdk.WorkflowActivation {
	for i, ev := range w.evictions {
		if _, busy := w.outstanding[ev.runID]; busy {
			continue
		}
		w.evictions = append(w.evictions[:i], w.evictions[i+1:]...)
		w.outstanding[ev.runID] = &outstandingActivation{eviction: true}
		return &coresdk.WorkflowActivation{
			RunID: ev.runID,
			Jobs:  []coresdk.ActivationJob{{RemoveFromCache: &coresdk.RemoveFromCache{Reason: ev.reason}}},
		}
	}
	for i, r := range w.deferred {
		if _, busy := w.outstanding[r.activation.RunID]; busy {
			continue
		}
		w.deferred = append(w.deferred[:i], w.deferred[i+1:]...)
		w.outstanding[r.activation.RunID] = &outstandingActivation{token: r.token}
		w.touchLocked(r.activation.RunID)
		return r.activation
	}
	if len(w.replays) > 0 {
		act := w.replays[0]
		if _, busy := w.outstanding[act.RunID]; !busy {
			w.replays = w.replays[1:]
			w.outstanding[act.RunID] = &outstandingActivation{replay: true}
			w.touchLocked(act.RunID)
			return act
		}
	}
	return nil
}

// touchLocked marks runID as most recently used, evicting the oldest run
// when the cache is full.
func (w *worker) touchLocked(runID string) {
	if el, ok := w.cacheIndex[runID]; ok {
		w.cache.MoveToFront(el)
		return
	}
	w.cacheIndex[runID] = w.cache.PushFront(runID)
	for w.cache.Len() > w.cfg.maxCached {
		oldest := w.cache.Back()
		victim := oldest.Value.(string)
		w.cache.Remove(oldest)
		delete(w.cacheIndex, victim)
		w.evictions = append(w.evictions, evictionRequest{runID: victim, reason: evictionReasonCacheFull})
	}
}

func (w *worker) forgetLocked(runID string) {
	if el, ok := w.cacheIndex[runID]; ok {
		w.cache.Remove(el)
		delete(w.cacheIndex, runID)
	}
}

// pollWorkflow blocks until the next activation for the host is available.
// It reports terminal once the worker is shutting down and has nothing left
// to hand out.
func (w *worker) pollWorkflow() ([]byte, bool, error) {
	for {
		w.mu.Lock()
		if act := w.nextLocalActivationLocked(); act != nil {
			w.mu.Unlock()
			return w.deliverActivation(act)
		}
		changed := w.changed
		drained := len(w.outstanding) == 0 && len(w.evictions) == 0 && len(w.deferred) == 0
		replaysDone := w.replaysClosed && len(w.replays) == 0
		w.mu.Unlock()

		if w.replayer {
			if (replaysDone || w.isShutdown()) && drained {
				w.rt.metrics.polls.WithLabelValues(pollQueueWorkflow, pollOutcomeShutdown).Inc()
				return nil, true, nil
			}
			<-changed
			continue
		}

		if w.isShutdown() {
			select {
			case r := <-w.wfTasks:
				if out, terminal, err := w.acceptWorkflowTask(r); err != errParked {
					return out, terminal, err
				}
				continue
			default:
			}
			if drained {
				w.rt.metrics.polls.WithLabelValues(pollQueueWorkflow, pollOutcomeShutdown).Inc()
				return nil, true, nil
			}
			<-changed
			continue
		}

		w.wfPollerOnce.Do(func() {
			w.pollers.Add(1)
			go w.runWorkflowPoller()
		})

		select {
		case r := <-w.wfTasks:
			if out, terminal, err := w.acceptWorkflowTask(r); err != errParked {
				return out, terminal, err
			}
		case <-changed:
		case <-w.shutdownCh:
		}
	}
}

func (w *worker) acceptWorkflowTask(r pollResult) ([]byte, bool, error) {
	if r.err != nil {
		w.rt.metrics.polls.WithLabelValues(pollQueueWorkflow, pollOutcomeFailure).Inc()
		return nil, false, r.err
	}
	act := r.activation
	w.mu.Lock()
	if _, busy := w.outstanding[act.RunID]; busy {
		w.deferred = append(w.deferred, r)
		w.mu.Unlock()
		return nil, false, errParked
	}
	w.outstanding[act.RunID] = &outstandingActivation{token: r.token}
	w.touchLocked(act.RunID)
	w.mu.Unlock()
	return w.deliverActivation(act)
}

func (w *worker) deliverActivation(act *coresdk.WorkflowActivation) ([]byte, bool, error) {
	payload, err := coresdk.Marshal(act)
	if err != nil {
		w.mu.Lock()
		delete(w.outstanding, act.RunID)
		w.notifyLocked()
		w.mu.Unlock()
		return nil, false, fmt.Errorf("encode activation: %w", err)
	}
	w.rt.metrics.polls.WithLabelValues(pollQueueWorkflow, pollOutcomeTask).Inc()
	return payload, false, nil
}

// completeWorkflow accepts the host's answer to an activation.
func (w *worker) completeWorkflow(data []byte) error {
	var c coresdk.WorkflowActivationCompletion
	if err := coresdk.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("malformed workflow completion: %w", err)
	}
	if c.RunID == "" {
		return goerrors.New("workflow completion has no run id")
	}

	w.mu.Lock()
	out, ok := w.outstanding[c.RunID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("no outstanding activation for run %q", c.RunID)
	}
	delete(w.outstanding, c.RunID)
	if out.eviction {
		w.forgetLocked(c.RunID)
	}
	if out.replay && (c.Failure != nil || closesWorkflow(c.Commands)) {
		w.forgetLocked(c.RunID)
	}
	w.notifyLocked()
	w.mu.Unlock()

	if out.eviction || out.replay {
		if out.replay && c.Failure != nil {
			w.log.Warn("replay failed", zap.String("run_id", c.RunID), zap.String("message", c.Failure.Message))
		}
		return nil
	}

	defer w.wfSem.Release(1)
	req := coresdk.RespondWorkflowTaskCompletedRequest{
		Namespace:  w.cfg.namespace,
		TaskToken:  out.token,
		Completion: &c,
		Identity:   w.cfg.identity,
	}
	if err := w.rpc(context.Background(), "RespondWorkflowTaskCompleted", req, nil, respondTimeout, true); err != nil {
		return fmt.Errorf("respond workflow task: %w", err)
	}
	if c.Failure != nil || closesWorkflow(c.Commands) {
		w.mu.Lock()
		w.forgetLocked(c.RunID)
		w.mu.Unlock()
	}
	return nil
}

func closesWorkflow(cmds []coresdk.Command) bool {
	for _, cmd := range cmds {
		if cmd.CompleteWorkflow != nil || cmd.FailWorkflow != nil {
			return true
		}
	}
	return false
}

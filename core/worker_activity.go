package core

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wippyai/corebridge/coresdk"
)

func (w *worker) runActivityPoller() {
	defer w.pollers.Done()
	b := pollBackoff()
	req := coresdk.PollTaskQueueRequest{Namespace: w.cfg.namespace, TaskQueue: w.cfg.taskQueue, Identity: w.cfg.identity}

	for {
		if err := w.actSem.Acquire(w.ctx, 1); err != nil {
			return
		}
		if err := w.actLimiter.Wait(w.ctx); err != nil {
			w.actSem.Release(1)
			return
		}
		var resp coresdk.PollActivityTaskQueueResponse
		err := w.rpc(w.ctx, "PollActivityTaskQueue", req, &resp, 0, false)
		switch {
		case w.ctx.Err() != nil:
			w.actSem.Release(1)
			return
		case err != nil:
			w.actSem.Release(1)
			w.log.Warn("activity poll failed", zap.Error(err))
			if !w.push(w.actTasks, pollResult{err: err}) || !sleepCtx(w.ctx, b.NextBackOff()) {
				return
			}
			continue
		case resp.Task == nil:
			w.actSem.Release(1)
			continue
		}
		b.Reset()
		if !w.push(w.actTasks, pollResult{activity: resp.Task}) {
			w.actSem.Release(1)
			return
		}
	}
}

// pollActivity blocks until the next activity task is available. Cancel
// tasks generated locally go first. After shutdown it reports terminal once
// every running activity has completed.
func (w *worker) pollActivity() ([]byte, bool, error) {
	if w.cfg.noRemoteActivities || w.replayer {
		<-w.shutdownCh
		w.rt.metrics.polls.WithLabelValues(pollQueueActivity, pollOutcomeShutdown).Inc()
		return nil, true, nil
	}

	for {
		w.mu.Lock()
		if len(w.localActs) > 0 {
			task := w.localActs[0]
			w.localActs = w.localActs[1:]
			w.mu.Unlock()
			return w.deliverActivity(task)
		}
		changed := w.changed
		running := len(w.activities)
		w.mu.Unlock()

		if w.isShutdown() {
			select {
			case r := <-w.actTasks:
				return w.acceptActivityTask(r)
			default:
			}
			if running == 0 {
				w.rt.metrics.polls.WithLabelValues(pollQueueActivity, pollOutcomeShutdown).Inc()
				return nil, true, nil
			}
			<-changed
			continue
		}

		w.actPollerOnce.Do(func() {
			w.pollers.Add(1)
			go w.runActivityPoller()
		})

		select {
		case r := <-w.actTasks:
			return w.acceptActivityTask(r)
		case <-changed:
		case <-w.shutdownCh:
		}
	}
}

func (w *worker) acceptActivityTask(r pollResult) ([]byte, bool, error) {
	if r.err != nil {
		w.rt.metrics.polls.WithLabelValues(pollQueueActivity, pollOutcomeFailure).Inc()
		return nil, false, r.err
	}
	w.mu.Lock()
	w.activities[string(r.activity.TaskToken)] = &activityState{
		limiter: rate.NewLimiter(rate.Every(w.cfg.heartbeatThrottle), 1),
	}
	w.mu.Unlock()
	return w.deliverActivity(r.activity)
}

func (w *worker) deliverActivity(task *coresdk.ActivityTask) ([]byte, bool, error) {
	payload, err := coresdk.Marshal(task)
	if err != nil {
		return nil, false, fmt.Errorf("encode activity task: %w", err)
	}
	w.rt.metrics.polls.WithLabelValues(pollQueueActivity, pollOutcomeTask).Inc()
	return payload, false, nil
}

// requestCancelLocked queues a cancel task for a running activity, once.
func (w *worker) requestCancelLocked(token, reason string) {
	st, ok := w.activities[token]
	if !ok || st.cancelSent {
		return
	}
	st.cancelSent = true
	w.localActs = append(w.localActs, &coresdk.ActivityTask{
		TaskToken: []byte(token),
		Cancel:    &coresdk.ActivityCancel{Reason: reason},
	})
	w.notifyLocked()
}

// completeActivity reports an activity result, flushing any throttled
// heartbeat first.
func (w *worker) completeActivity(data []byte) error {
	var c coresdk.ActivityTaskCompletion
	if err := coresdk.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("malformed activity completion: %w", err)
	}
	token := string(c.TaskToken)

	w.mu.Lock()
	st, ok := w.activities[token]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("no running activity for task token %q", token)
	}
	var details []byte
	flush := st.hasPending
	if flush {
		details = st.pending
	}
	if st.flushTimer != nil && st.flushTimer.Stop() {
		w.pending.Done()
	}
	delete(w.activities, token)
	w.notifyLocked()
	w.mu.Unlock()

	defer w.actSem.Release(1)
	if flush {
		w.sendHeartbeat(token, details)
	}
	req := coresdk.RespondActivityTaskCompletedRequest{
		Namespace:  w.cfg.namespace,
		Completion: &c,
		Identity:   w.cfg.identity,
	}
	if err := w.rpc(context.Background(), "RespondActivityTaskCompleted", req, nil, respondTimeout, true); err != nil {
		return fmt.Errorf("respond activity task: %w", err)
	}
	return nil
}

// recordHeartbeat validates a heartbeat and sends it now or, when throttled,
// keeps the latest details for a deferred flush.
func (w *worker) recordHeartbeat(data []byte) error {
	var hb coresdk.ActivityHeartbeat
	if err := coresdk.Unmarshal(data, &hb); err != nil {
		return fmt.Errorf("malformed heartbeat: %w", err)
	}
	if len(hb.TaskToken) == 0 {
		return goerrors.New("heartbeat has no task token")
	}
	if w.finalizeCalled.Load() {
		return goerrors.New(msgWorkerShutdown)
	}
	token := string(hb.TaskToken)

	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.activities[token]
	if !ok {
		return fmt.Errorf("no running activity for task token %q", token)
	}

	if st.limiter.Allow() {
		st.hasPending, st.pending = false, nil
		w.rt.metrics.heartbeats.WithLabelValues("sent").Inc()
		w.pending.Add(1)
		go func() {
			defer w.pending.Done()
			w.sendHeartbeat(token, hb.Details)
		}()
		return nil
	}

	w.rt.metrics.heartbeats.WithLabelValues("throttled").Inc()
	st.hasPending, st.pending = true, hb.Details
	if st.flushTimer == nil {
		delay := st.limiter.Reserve().Delay()
		w.pending.Add(1)
		st.flushTimer = time.AfterFunc(delay, func() {
			defer w.pending.Done()
			w.flushHeartbeat(token)
		})
	}
	return nil
}

// flushHeartbeat sends the latest throttled details of an activity.
func (w *worker) flushHeartbeat(token string) {
	w.mu.Lock()
	st, ok := w.activities[token]
	if !ok || !st.hasPending {
		if ok {
			st.flushTimer = nil
		}
		w.mu.Unlock()
		return
	}
	details := st.pending
	st.hasPending, st.pending, st.flushTimer = false, nil, nil
	w.mu.Unlock()

	w.sendHeartbeat(token, details)
}

func (w *worker) sendHeartbeat(token string, details []byte) {
	req := coresdk.RecordActivityTaskHeartbeatRequest{
		Namespace: w.cfg.namespace,
		TaskToken: []byte(token),
		Details:   details,
	}
	var resp coresdk.RecordActivityTaskHeartbeatResponse
	if err := w.rpc(context.Background(), "RecordActivityTaskHeartbeat", req, &resp, respondTimeout, true); err != nil {
		w.log.Warn("heartbeat failed", zap.Error(err))
		return
	}
	if resp.CancelRequested {
		w.mu.Lock()
		w.requestCancelLocked(token, cancelReasonServerRequested)
		w.mu.Unlock()
	}
}

package core

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
	"github.com/wippyai/corebridge/coresdk"
)

// replayPusher feeds recorded histories to a replay worker.
type replayPusher struct {
	w *worker
}

// Drop implements handles.Dropper. No more histories can be pushed; polls
// report terminal once the queued ones are processed.
func (p *replayPusher) Drop() {
	p.w.mu.Lock()
	p.w.replaysClosed = true
	p.w.notifyLocked()
	p.w.mu.Unlock()
}

// WorkerReplayerNew creates a worker without a client that serves pushed
// histories as replaying activations.
func (e *Engine) WorkerReplayerNew(rh abi.Runtime, options *abi.WorkerOptions) abi.WorkerReplayerOrFail {
	rt, err := e.runtimeOf(rh)
	if err != nil {
		e.reportMisuse("worker_replayer_new", err)
		return abi.WorkerReplayerOrFail{Fail: e.staticBuffer(msgStaleHandle)}
	}
	cfg, err := copyWorkerOptions(options)
	if err != nil {
		return abi.WorkerReplayerOrFail{Fail: e.failBuffer(rt.id, "invalid worker options: "+err.Error())}
	}

	w := newWorker(e, rt, nil, cfg, true)
	wh, err := e.handles.Insert(handles.KindWorker, w)
	if err != nil {
		return abi.WorkerReplayerOrFail{Fail: e.failBuffer(rt.id, err.Error())}
	}
	ph, err := e.handles.Insert(handles.KindReplayPusher, &replayPusher{w: w})
	if err != nil {
		_, _ = e.handles.Drop(wh, handles.KindWorker)
		return abi.WorkerReplayerOrFail{Fail: e.failBuffer(rt.id, err.Error())}
	}
	w.log.Info("replayer created", zap.Uint64("worker", wh), zap.Uint64("pusher", ph))
	return abi.WorkerReplayerOrFail{Worker: abi.Worker(wh), Pusher: abi.WorkerReplayPusher(ph)}
}

// WorkerReplayPusherFree closes the pusher.
func (e *Engine) WorkerReplayPusherFree(pusher abi.WorkerReplayPusher) {
	if p, ok := drop[*replayPusher](e, "worker_replay_pusher_free", uint64(pusher), handles.KindReplayPusher); ok {
		p.Drop()
	}
}

// WorkerReplayPush queues one history. Malformed histories are rejected
// immediately.
func (e *Engine) WorkerReplayPush(wk abi.Worker, pusher abi.WorkerReplayPusher, workflowID, history abi.ByteArrayRef) abi.WorkerReplayPushResult {
	p, err := lookup[*replayPusher](e, uint64(pusher), handles.KindReplayPusher)
	if err != nil {
		e.reportMisuse("worker_replay_push", err)
		return abi.WorkerReplayPushResult{Fail: e.staticBuffer(msgStaleHandle)}
	}
	w, err := lookup[*worker](e, uint64(wk), handles.KindWorker)
	if err != nil || w != p.w {
		e.reportMisuse("worker_replay_push", fmt.Errorf("worker %#x does not belong to pusher %#x", uint64(wk), uint64(pusher)))
		return abi.WorkerReplayPushResult{Fail: e.staticBuffer(msgStaleHandle)}
	}

	var h coresdk.History
	if err := coresdk.Unmarshal(history.Data, &h); err != nil {
		return abi.WorkerReplayPushResult{Fail: e.failBuffer(w.rt.id, "malformed history: "+err.Error())}
	}
	if len(h.Jobs) == 0 {
		return abi.WorkerReplayPushResult{Fail: e.failBuffer(w.rt.id, "history has no jobs")}
	}

	act := &coresdk.WorkflowActivation{
		RunID:        ulid.Make().String(),
		WorkflowID:   workflowID.String(),
		WorkflowType: h.WorkflowType,
		TaskQueue:    w.cfg.taskQueue,
		Jobs:         h.Jobs,
		IsReplaying:  true,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.replaysClosed || w.isShutdown() {
		return abi.WorkerReplayPushResult{Fail: e.staticBuffer(msgWorkerShutdown)}
	}
	w.replays = append(w.replays, act)
	w.notifyLocked()
	return abi.WorkerReplayPushResult{}
}

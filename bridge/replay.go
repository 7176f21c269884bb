package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

// Replayer feeds recorded histories to a worker that has no server
// connection. Activations for pushed histories are polled from Worker like
// any other worker's; the poll reports shutdown once Done was called and
// every replay has been completed.
type Replayer struct {
	*Worker

	pusher abi.WorkerReplayPusher
	plive  keepAlive
	once   sync.Once
}

// NewReplayer creates a replaying worker.
func (r *Runtime) NewReplayer(opts WorkerOptions) (*Replayer, error) {
	if err := r.begin(errors.PhaseReplay); err != nil {
		return nil, err
	}
	res := r.core.WorkerReplayerNew(r.handle, opts.native())
	if res.Fail != nil {
		r.end()
		return nil, errors.Construction(errors.PhaseReplay, "replayer", r.takeString(res.Fail))
	}
	return &Replayer{Worker: newWorker(r, res.Worker, opts, r.end), pusher: res.Pusher}, nil
}

// Push queues one serialized history for replay. It fails once Done was
// called or the worker is shutting down.
func (p *Replayer) Push(workflowID string, history []byte) error {
	var (
		res    abi.WorkerReplayPushResult
		pushed bool
	)
	p.plive.use(func() {
		if p.State() != WorkerRunning {
			return
		}
		pushed = p.live.use(func() {
			res = p.rt.core.WorkerReplayPush(p.handle, p.pusher, abi.RefString(workflowID), abi.Ref(history))
		})
	})
	if !pushed {
		return errors.Closed(errors.PhaseReplay, "replay pusher")
	}
	if res.Fail != nil {
		return errors.Call(errors.PhaseReplay, "replay pusher", p.rt.takeString(res.Fail))
	}
	p.log.Debug("history pushed", zap.String("workflow_id", workflowID))
	return nil
}

// Done releases the pusher. No further histories are accepted, and the
// worker's polls drain the queued replays and then report shutdown.
func (p *Replayer) Done() {
	p.once.Do(func() {
		p.plive.seal()
		_ = p.plive.wait(context.Background())
		p.rt.core.WorkerReplayPusherFree(p.pusher)
	})
}

// Close releases the pusher, finalizes the worker and frees it.
func (p *Replayer) Close(ctx context.Context) error {
	p.Done()
	if err := p.FinalizeShutdown(ctx); err != nil {
		return err
	}
	return p.Worker.Close()
}

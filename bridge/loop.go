package bridge

import (
	"context"
	goerrors "errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskHandler turns one task into its serialized completion. It must always
// return a completion; failures are encoded in it.
type TaskHandler func(ctx context.Context, task []byte) []byte

// LoopOptions configures Run. A nil handler skips its queue.
type LoopOptions struct {
	Workflows  TaskHandler
	Activities TaskHandler
	// RetryPoll decides whether to keep polling after a poll failure. The
	// default stops the loop.
	RetryPoll func(err error) bool
}

// Run polls both queues and dispatches every task to its handler until the
// worker shuts down. Cancelling ctx initiates shutdown; Run returns once both
// pollers drained, every completion was submitted and the worker finalized.
func (w *Worker) Run(ctx context.Context, opts LoopOptions) error {
	stop := context.AfterFunc(ctx, w.InitiateShutdown)
	defer stop()

	handlerCtx := context.WithoutCancel(ctx)
	var (
		inflight sync.WaitGroup
		mu       sync.Mutex
		errs     error
	)
	record := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	pollLoop := func(poll func(context.Context) ([]byte, error), handle TaskHandler,
		complete func(context.Context, []byte) error) func() error {
		return func() error {
			for {
				task, err := poll(handlerCtx)
				switch {
				case goerrors.Is(err, ErrPollShutdown):
					return nil
				case err != nil:
					if opts.RetryPoll != nil && opts.RetryPoll(err) {
						w.log.Warn("poll failed, retrying", zap.Error(err))
						continue
					}
					w.InitiateShutdown()
					return err
				}

				inflight.Add(1)
				go func() {
					defer inflight.Done()
					if err := complete(handlerCtx, handle(handlerCtx, task)); err != nil {
						w.log.Error("submit completion", zap.Error(err))
						record(err)
					}
				}()
			}
		}
	}

	var g errgroup.Group
	if opts.Workflows != nil {
		g.Go(pollLoop(w.PollWorkflowActivation, opts.Workflows, w.CompleteWorkflowActivation))
	}
	if opts.Activities != nil {
		g.Go(pollLoop(w.PollActivityTask, opts.Activities, w.CompleteActivityTask))
	}
	if opts.Workflows == nil && opts.Activities == nil {
		w.InitiateShutdown()
	}

	pollErr := g.Wait()
	inflight.Wait()

	// Queues without a handler still have to drain before finalizing.
	w.InitiateShutdown()
	return multierr.Combine(pollErr, errs, w.FinalizeShutdown(handlerCtx))
}

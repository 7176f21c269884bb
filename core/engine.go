package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge"
	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
	"github.com/wippyai/corebridge/core/internal/heap"
)

// Config holds configuration for engine creation.
type Config struct {
	// Logger receives engine-level logs. Runtimes derive their own loggers
	// from their telemetry options. Defaults to Logger().
	Logger *zap.Logger

	// HeapPages bounds native memory in 64KiB pages.
	// 0 means default (1024 pages = 64MB).
	HeapPages uint32
}

// HeapStats is the native heap accounting snapshot.
type HeapStats = heap.Stats

// Stats reports engine health. Misuse counts protocol violations by the
// host; a correct host keeps it at zero.
type Stats struct {
	Heap              HeapStats
	LiveHandles       int
	Misuse            int64
	CallbacksInvoked  int64
	CallbackPanics    int64
	GoroutinesRunning int64
}

// Engine implements abi.Core.
type Engine struct {
	log       *zap.Logger
	heap      *heap.Heap
	handles   *handles.Table
	static    sync.Map // string -> uint32 address of a static block
	wg        sync.WaitGroup
	misuse    atomic.Int64
	callbacks atomic.Int64
	panics    atomic.Int64
	running   atomic.Int64
	closeOnce sync.Once
}

var _ abi.Core = (*Engine)(nil)

// New creates an engine with its own native heap.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	h, err := heap.New(ctx, heap.Config{MaxPages: cfg.HeapPages})
	if err != nil {
		return nil, fmt.Errorf("create native heap: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	return &Engine{
		log:     log.Named("core"),
		heap:    h,
		handles: handles.New(),
	}, nil
}

// Close drops every remaining handle, waits for engine goroutines, and
// releases native memory. Callbacks may still fire while Close waits.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		err = e.handles.Close()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("engine goroutines still running: %w", ctx.Err()))
		}
		err = multierr.Append(err, e.heap.Close(ctx))
	})
	return err
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Heap:              e.heap.Stats(),
		LiveHandles:       e.handles.Len(),
		Misuse:            e.misuse.Load(),
		CallbacksInvoked:  e.callbacks.Load(),
		CallbackPanics:    e.panics.Load(),
		GoroutinesRunning: e.running.Load(),
	}
}

// Memory gives the host read access to owned buffers.
func (e *Engine) Memory() corebridge.Memory {
	return e.heap
}

// reportMisuse counts and logs a protocol violation by the host.
func (e *Engine) reportMisuse(op string, err error) {
	e.misuse.Add(1)
	e.log.Error("host protocol violation", zap.String("op", op), zap.Error(err))
}

// spawn runs fn on an engine goroutine. Engine goroutines stand in for the
// native thread pool: host callbacks are invoked from them.
func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	e.running.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Add(-1)
		fn()
	}()
}

// invoke calls a host callback, counting it and containing panics so that
// one broken callback cannot take the engine down.
func (e *Engine) invoke(op string, fn func()) {
	e.callbacks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.log.Error("host callback panicked", zap.String("op", op), zap.Any("panic", r))
		}
	}()
	fn()
}

func lookup[T any](e *Engine, h uint64, kind handles.Kind) (T, error) {
	return handles.Lookup[T](e.handles, h, kind)
}

// borrow pins a handle for the duration of an asynchronous call.
func borrow[T any](e *Engine, h uint64, kind handles.Kind) (T, func(), error) {
	var zero T
	v, err := e.handles.Borrow(h, kind)
	if err != nil {
		return zero, nil, err
	}
	typed, ok := v.(T)
	if !ok {
		e.handles.Return(h, kind)
		return zero, nil, handles.ErrWrongKind
	}
	var once sync.Once
	return typed, func() { once.Do(func() { e.handles.Return(h, kind) }) }, nil
}

// drop unregisters a handle on a free call. Freeing a stale handle or one
// with calls outstanding is misuse and leaves the resource alone.
func drop[T any](e *Engine, op string, h uint64, kind handles.Kind) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}
	v, err := e.handles.Drop(h, kind)
	if err != nil {
		e.reportMisuse(op, fmt.Errorf("%s %#x: %w", kind, h, err))
		return zero, false
	}
	typed, _ := v.(T)
	return typed, true
}

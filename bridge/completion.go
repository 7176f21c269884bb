package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

// DefaultMaxOutstandingCalls bounds the completion table when
// RuntimeOptions.MaxOutstandingCalls is zero.
const DefaultMaxOutstandingCalls = 4096

// pending is a registered completion awaiting its native callback.
type pending interface {
	deliver(result any)
}

type completionSlot struct {
	p   pending
	gen uint32
}

// completionTable maps user-data tokens to pending completions. A token is
// gen<<32 | index+1: slots are reused, but never under the same token while
// a call is outstanding.
type completionTable struct {
	mu    sync.Mutex
	slots []completionSlot
	free  []uint32
	limit int
	live  int
	idle  chan struct{} // closed while live == 0

	issued     atomic.Int64
	resolved   atomic.Int64
	duplicates atomic.Int64
	abandoned  atomic.Int64
}

func newCompletionTable(limit int) *completionTable {
	if limit <= 0 {
		limit = DefaultMaxOutstandingCalls
	}
	idle := make(chan struct{})
	close(idle)
	return &completionTable{limit: limit, idle: idle}
}

// register reserves a token for p.
func (t *completionTable) register(p pending) (abi.UserData, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.live >= t.limit {
		return 0, errors.Exhausted(errors.PhaseRuntime, "too many outstanding native calls")
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, completionSlot{})
	}
	s := &t.slots[idx]
	s.gen++
	s.p = p

	if t.live == 0 {
		t.idle = make(chan struct{})
	}
	t.live++
	t.issued.Add(1)
	return abi.UserData(uint64(s.gen)<<32 | uint64(idx+1)), nil
}

// take removes the completion registered under token. The first taker wins;
// a stale or unknown token reports false.
func (t *completionTable) take(token abi.UserData) (pending, bool) {
	idx := uint32(token) - 1
	gen := uint32(token >> 32)

	t.mu.Lock()
	defer t.mu.Unlock()

	if uint32(token) == 0 || int(idx) >= len(t.slots) {
		t.duplicates.Add(1)
		return nil, false
	}
	s := &t.slots[idx]
	if s.p == nil || s.gen != gen {
		t.duplicates.Add(1)
		return nil, false
	}
	p := s.p
	s.p = nil
	t.free = append(t.free, idx)

	t.live--
	if t.live == 0 {
		close(t.idle)
	}
	t.resolved.Add(1)
	return p, true
}

func (t *completionTable) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// drain waits until no completion is outstanding.
func (t *completionTable) drain(ctx context.Context) error {
	for {
		t.mu.Lock()
		idle, live := t.idle, t.live
		t.mu.Unlock()
		if live == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// completion is a single-resolution result. The waiter may abandon it when
// its context ends; a later resolution then goes to discard.
type completion[T any] struct {
	ch        chan T
	onResolve func()
	discard   func(T)
	pin       []any
	table     *completionTable

	mu        sync.Mutex
	resolved  bool
	abandoned bool
}

func newCompletion[T any](t *completionTable) *completion[T] {
	return &completion[T]{ch: make(chan T, 1), table: t}
}

// deliver implements pending. It runs on a native goroutine.
func (c *completion[T]) deliver(result any) {
	r, _ := result.(T)

	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	abandoned := c.abandoned
	c.pin = nil
	c.mu.Unlock()

	if c.onResolve != nil {
		c.onResolve()
	}

	if abandoned {
		if c.discard != nil {
			c.discard(r)
		}
		return
	}
	c.ch <- r
}

// wait blocks until the completion resolves or ctx ends.
func (c *completion[T]) wait(ctx context.Context) (T, error) {
	select {
	case r := <-c.ch:
		return r, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return <-c.ch, nil
	}
	c.abandoned = true
	c.mu.Unlock()
	c.table.abandoned.Add(1)

	var zero T
	return zero, ctx.Err()
}

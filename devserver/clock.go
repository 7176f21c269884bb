package devserver

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNotLocked = errors.New("time skipping is not locked")

// Clock is the test service's virtual clock. While time skipping is
// unlocked a Sleep advances the clock instead of waiting.
type Clock struct {
	now    func() time.Time
	offset time.Duration
	locks  int
	mu     sync.Mutex
}

func newClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset)
}

// Lock disables time skipping. Locks nest.
func (c *Clock) Lock() {
	c.mu.Lock()
	c.locks++
	c.mu.Unlock()
}

// Unlock releases one Lock.
func (c *Clock) Unlock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks == 0 {
		return errNotLocked
	}
	c.locks--
	return nil
}

// Skipping reports whether time skipping is active.
func (c *Clock) Skipping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks == 0
}

// Sleep advances virtual time by d, immediately when skipping and in real
// time otherwise.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if c.locks == 0 {
		c.offset += d
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

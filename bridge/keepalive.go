package bridge

import (
	"context"
	"sync"
)

// keepAlive guards a native handle. Calls against the handle hold it open;
// sealing stops new calls and wait blocks until the held ones are released,
// so a handle is never freed under an outstanding call.
type keepAlive struct {
	mu     sync.RWMutex
	calls  sync.WaitGroup
	sealed bool
}

// acquire holds the handle for one asynchronous call. It fails once sealed.
func (k *keepAlive) acquire() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.sealed {
		return false
	}
	k.calls.Add(1)
	return true
}

func (k *keepAlive) release() {
	k.calls.Done()
}

// use runs a synchronous call while the handle cannot be sealed.
func (k *keepAlive) use(fn func()) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.sealed {
		return false
	}
	fn()
	return true
}

// seal stops new calls. It reports whether this call did the sealing.
func (k *keepAlive) seal() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sealed {
		return false
	}
	k.sealed = true
	return true
}

// wait blocks until every held call was released or ctx ends. Only call it
// after seal.
func (k *keepAlive) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		k.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

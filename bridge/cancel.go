package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

// CancellationSource cancels the RPC calls it is attached to. Cancellation
// is one-way and idempotent. An open source keeps its runtime open.
type CancellationSource struct {
	rt        *Runtime
	token     abi.CancellationToken
	held      bool
	live      keepAlive
	cancelled atomic.Bool
	closeOnce sync.Once
}

// NewCancellationSource creates an active source.
func (r *Runtime) NewCancellationSource() (*CancellationSource, error) {
	return r.newCancellationSource(true)
}

// newCancellationSource creates a source. Without hold the caller must
// already keep the runtime open for the source's lifetime.
func (r *Runtime) newCancellationSource(hold bool) (*CancellationSource, error) {
	if hold {
		if err := r.begin(errors.PhaseCancel); err != nil {
			return nil, err
		}
	}

	tok := r.core.CancellationTokenNew()
	if tok == 0 {
		if hold {
			r.end()
		}
		return nil, errors.Construction(errors.PhaseCancel, "cancellation token", "native side returned no token")
	}
	return &CancellationSource{rt: r, token: tok, held: hold}, nil
}

// Cancel signals every call using the source.
func (s *CancellationSource) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.live.use(func() { s.rt.core.CancellationTokenCancel(s.token) })
}

// IsCancelled reports whether Cancel was called.
func (s *CancellationSource) IsCancelled() bool {
	return s.cancelled.Load()
}

// attach holds the token for one call.
func (s *CancellationSource) attach() (abi.CancellationToken, error) {
	if !s.live.acquire() {
		return 0, errors.Closed(errors.PhaseCancel, "cancellation token")
	}
	return s.token, nil
}

func (s *CancellationSource) detach() {
	s.live.release()
}

// Close waits until every call the source is attached to has resolved and
// frees the native token.
func (s *CancellationSource) Close() {
	s.closeOnce.Do(func() {
		s.live.seal()
		_ = s.live.wait(context.Background())
		s.rt.core.CancellationTokenFree(s.token)
		if s.held {
			s.rt.end()
		}
	})
}

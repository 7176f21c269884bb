package core

import (
	"context"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
)

// cancelToken is a cancellation signal shared by any number of calls.
type cancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *cancelToken) Drop() { t.cancel() }

// CancellationTokenNew creates an uncancelled token.
func (e *Engine) CancellationTokenNew() abi.CancellationToken {
	ctx, cancel := context.WithCancel(context.Background())
	h, err := e.handles.Insert(handles.KindCancellationToken, &cancelToken{ctx: ctx, cancel: cancel})
	if err != nil {
		cancel()
		return 0
	}
	return abi.CancellationToken(h)
}

// CancellationTokenCancel signals every call using the token. Repeated
// cancels are no-ops.
func (e *Engine) CancellationTokenCancel(token abi.CancellationToken) {
	t, err := lookup[*cancelToken](e, uint64(token), handles.KindCancellationToken)
	if err != nil {
		e.reportMisuse("cancellation_token_cancel", err)
		return
	}
	t.cancel()
}

// CancellationTokenFree releases a token. Calls that borrowed it keep it
// pinned; freeing it before they resolve is misuse.
func (e *Engine) CancellationTokenFree(token abi.CancellationToken) {
	if t, ok := drop[*cancelToken](e, "cancellation_token_free", uint64(token), handles.KindCancellationToken); ok {
		t.cancel()
	}
}

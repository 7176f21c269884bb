package core

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/devserver"
)

const waitTimeout = 10 * time.Second

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := e.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return e
}

func newTestRuntime(t *testing.T, e *Engine) abi.Runtime {
	t.Helper()
	res := e.RuntimeNew(nil)
	if res.Fail != nil {
		t.Fatalf("RuntimeNew failed: %s", readOwned(t, e, res.Runtime, res.Fail))
	}
	return res.Runtime
}

func startDevServer(t *testing.T, cfg devserver.Config) *devserver.Server {
	t.Helper()
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 200 * time.Millisecond
	}
	s, err := devserver.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("devserver.Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// readOwned copies an owned buffer and frees it unless it is static.
func readOwned(t *testing.T, e *Engine, rt abi.Runtime, b *abi.ByteArray) string {
	t.Helper()
	if b == nil {
		return ""
	}
	data, err := e.Memory().Read(b.Data, b.Size)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !b.DisableFree {
		e.ByteArrayFree(rt, b)
	}
	return string(data)
}

func connect(t *testing.T, e *Engine, rt abi.Runtime, target string) abi.Client {
	t.Helper()
	type result struct {
		c    abi.Client
		fail *abi.ByteArray
	}
	ch := make(chan result, 1)
	e.ClientConnect(rt, &abi.ClientOptions{
		TargetURL:  abi.RefString(target),
		ClientName: abi.RefString("core-test"),
	}, 7, func(ud abi.UserData, c abi.Client, fail *abi.ByteArray) {
		if ud != 7 {
			t.Errorf("user data = %d, want 7", ud)
		}
		ch <- result{c, fail}
	})
	r := await(t, ch)
	if r.fail != nil {
		t.Fatalf("connect failed: %s", readOwned(t, e, rt, r.fail))
	}
	t.Cleanup(func() { e.ClientFree(r.c) })
	return r.c
}

type rpcResult struct {
	success, message, details *abi.ByteArray
	code                      uint32
}

func call(e *Engine, c abi.Client, opts *abi.RPCCallOptions) chan rpcResult {
	ch := make(chan rpcResult, 1)
	e.ClientRPCCall(c, opts, 0, func(_ abi.UserData, success *abi.ByteArray, code uint32, msg, details *abi.ByteArray) {
		ch <- rpcResult{success: success, code: code, message: msg, details: details}
	})
	return ch
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
		panic("unreachable")
	}
}

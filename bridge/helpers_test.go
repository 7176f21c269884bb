package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/corebridge/core"
	"github.com/wippyai/corebridge/devserver"
)

const testTimeout = 10 * time.Second

func newTestCore(t *testing.T) *core.Engine {
	t.Helper()
	e, err := core.New(context.Background(), core.Config{})
	if err != nil {
		t.Fatalf("core.New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := e.Close(ctx); err != nil {
			t.Errorf("engine Close failed: %v", err)
		}
	})
	return e
}

func newTestRuntime(t *testing.T, e *core.Engine, opts RuntimeOptions) *Runtime {
	t.Helper()
	r, err := NewRuntime(e, opts)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
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

func connect(t *testing.T, r *Runtime, target string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := r.Connect(ctx, ClientOptions{TargetHost: target, ClientName: "bridge-test"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// checkStats fails unless every issued completion resolved exactly once.
func checkStats(t *testing.T, r *Runtime) {
	t.Helper()
	st := r.Stats()
	if st.Outstanding != 0 || st.DuplicateResolutions != 0 || st.Issued != st.Resolved {
		t.Fatalf("completion stats = %+v", st)
	}
}

// checkCore fails on any native leak or protocol violation.
func checkCore(t *testing.T, e *core.Engine) {
	t.Helper()
	st := e.Stats()
	if st.Heap.Live != 0 || st.Heap.Violations != 0 || st.Misuse != 0 {
		t.Fatalf("core stats = %+v", st)
	}
}

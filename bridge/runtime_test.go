package bridge

import (
	"context"
	goerrors "errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/devserver"
	"github.com/wippyai/corebridge/errors"
)

func TestNewRuntime_NilCore(t *testing.T) {
	_, err := NewRuntime(nil, RuntimeOptions{})
	var e *errors.Error
	if !goerrors.As(err, &e) || e.Kind != errors.KindInvalidInput {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRuntime_OpenTelemetryRejected(t *testing.T) {
	e := newTestCore(t)
	_, err := NewRuntime(e, RuntimeOptions{OpenTelemetryURL: "http://collector:4317"})
	var be *errors.Error
	if !goerrors.As(err, &be) || be.Kind != errors.KindConstruction {
		t.Fatalf("err = %v, want construction failure", err)
	}
	if !strings.Contains(be.Detail, "OpenTelemetry") {
		t.Fatalf("detail = %q", be.Detail)
	}
	if st := e.Stats(); st.Heap.Live != 0 || st.LiveHandles != 0 || st.Misuse != 0 {
		t.Fatalf("leaked after failed construction: %+v", st)
	}
}

func TestNewRuntime_ForwardsLogs(t *testing.T) {
	e := newTestCore(t)
	obs, logs := observer.New(zapcore.DebugLevel)
	newTestRuntime(t, e, RuntimeOptions{
		Logger:      zap.New(obs),
		LogFilter:   "core=debug",
		ForwardLogs: true,
	})

	entries := logs.FilterLoggerName("native").FilterMessage("runtime created").All()
	if len(entries) != 1 {
		t.Fatalf("forwarded entries = %+v", logs.All())
	}
	if got := entries[0].ContextMap()["target"]; got != "runtime" {
		t.Fatalf("target = %v", got)
	}
}

func TestNewRuntime_Prometheus(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{PrometheusBindAddress: "127.0.0.1:0"})

	addr := r.MetricsAddr()
	if addr == "" {
		t.Fatal("no metrics address")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRuntimeClose_Idempotent(t *testing.T) {
	e := newTestCore(t)
	r, err := NewRuntime(e, RuntimeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := r.NewRandom(1); !goerrors.Is(err, errors.Closed(errors.PhaseRandom, "")) {
		t.Fatalf("NewRandom after Close: %v", err)
	}
	checkCore(t, e)
}

func TestRuntimeClose_Unresolved(t *testing.T) {
	e := newTestCore(t)
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	r, err := NewRuntime(e, RuntimeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c := connect(t, r, s.Target())

	req, _ := coresdk.Marshal(coresdk.PollTaskQueueRequest{Namespace: "default", TaskQueue: "idle"})
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), RPCRequest{
			Service: abi.RPCServiceWorkflow,
			Method:  "PollWorkflowTaskQueue",
			Request: req,
			Timeout: 500 * time.Millisecond,
		})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = r.Close(ctx)
	if !errors.IsFatal(err) {
		t.Fatalf("Close = %v, want fatal unresolved", err)
	}

	select {
	case err := <-done:
		var rpcErr *errors.RPCError
		if !goerrors.As(err, &rpcErr) || rpcErr.Code != errors.CodeDeadlineExceeded {
			t.Fatalf("call = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("call never resolved")
	}
	if st := r.Stats(); st.Outstanding != 0 {
		t.Fatalf("stats = %+v", st)
	}

	// The runtime was left allocated, so a later Close still frees it.
	c.Close()
	if err := r.Close(testContext(t)); err != nil {
		t.Fatalf("Close after the call resolved: %v", err)
	}
	if err := r.Close(testContext(t)); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	checkStats(t, r)
	checkCore(t, e)
}

func TestRuntimeClose_WaitsForDependents(t *testing.T) {
	e := newTestCore(t)
	s := startDevServer(t, devserver.Config{})
	r, err := NewRuntime(e, RuntimeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c := connect(t, r, s.Target())
	g, err := r.NewRandom(7)
	if err != nil {
		t.Fatal(err)
	}
	src, err := r.NewCancellationSource()
	if err != nil {
		t.Fatal(err)
	}

	closeSoon := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		return r.Close(ctx)
	}
	if err := closeSoon(); !errors.IsFatal(err) {
		t.Fatalf("Close with open dependents = %v", err)
	}

	// Open dependents keep working; new ones are refused.
	got, err := c.Call(testContext(t), RPCRequest{Service: abi.RPCServiceWorkflow, Method: "Echo", Request: []byte("still here")})
	if err != nil || string(got) != "still here" {
		t.Fatalf("call = %q, %v", got, err)
	}
	if _, err := g.Int32Range(0, 10, false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.NewRandom(1); !goerrors.Is(err, errors.Closed(errors.PhaseRandom, "")) {
		t.Fatalf("NewRandom on a closing runtime = %v", err)
	}

	c.Close()
	g.Close()
	if err := closeSoon(); !errors.IsFatal(err) {
		t.Fatalf("Close with an open cancellation source = %v", err)
	}
	src.Close()
	if err := r.Close(testContext(t)); err != nil {
		t.Fatal(err)
	}
	checkStats(t, r)
	checkCore(t, e)
}

package core

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/corebridge/abi"
)

func TestEngine_StaticBuffers(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)

	a := e.staticBuffer(msgCancelled)
	b := e.staticBuffer(msgCancelled)
	if a == nil || b == nil {
		t.Fatal("static buffer not allocated")
	}
	if a.Data != b.Data || !a.DisableFree {
		t.Fatalf("static buffers not shared: %+v %+v", a, b)
	}
	if got := readOwned(t, e, rt, a); got != msgCancelled {
		t.Fatalf("got %q", got)
	}

	e.ByteArrayFree(rt, a)
	if got := e.Stats().Misuse; got != 1 {
		t.Fatalf("freeing a static buffer: misuse = %d, want 1", got)
	}
}

func TestEngine_ByteArrayFree(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)

	buf, err := e.buffer(uint64(rt), []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Stats().Heap.Live; got != 1 {
		t.Fatalf("live = %d, want 1", got)
	}
	e.ByteArrayFree(rt, buf)
	if got := e.Stats().Heap.Live; got != 0 {
		t.Fatalf("live after free = %d, want 0", got)
	}

	e.ByteArrayFree(rt, buf)
	if got := e.Stats().Misuse; got != 1 {
		t.Fatalf("double free: misuse = %d, want 1", got)
	}
	e.ByteArrayFree(rt, nil)
	if got := e.Stats().Misuse; got != 1 {
		t.Fatalf("nil free counted as misuse")
	}
}

func TestEngine_InvokeContainsPanics(t *testing.T) {
	e := newTestEngine(t)

	var wg sync.WaitGroup
	wg.Add(1)
	e.spawn(func() {
		defer wg.Done()
		e.invoke("test", func() { panic("boom") })
	})
	wg.Wait()

	s := e.Stats()
	if s.CallbacksInvoked != 1 || s.CallbackPanics != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEngine_StaleHandles(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)

	e.RuntimeFree(rt)
	e.RuntimeFree(rt)
	if got := e.Stats().Misuse; got != 1 {
		t.Fatalf("misuse = %d, want 1", got)
	}
	if addr := e.MetricsAddr(rt); addr != "" {
		t.Fatalf("metrics address of a freed runtime = %q", addr)
	}

	res := e.WorkerNew(abi.Client(rt), &abi.WorkerOptions{})
	if res.Fail == nil || !res.Fail.DisableFree {
		t.Fatalf("WorkerNew on a stale client: %+v", res)
	}
}

func TestRuntimeNew_RejectsOpenTelemetry(t *testing.T) {
	e := newTestEngine(t)

	res := e.RuntimeNew(&abi.RuntimeOptions{Telemetry: &abi.TelemetryOptions{
		Metrics: &abi.MetricsOptions{OpenTelemetry: &abi.OpenTelemetryOptions{URL: abi.RefString("http://collector:4317")}},
	}})
	if res.Runtime == 0 || res.Fail == nil {
		t.Fatalf("expected runtime and failure, got %+v", res)
	}
	if msg := readOwned(t, e, res.Runtime, res.Fail); !strings.Contains(msg, "OpenTelemetry") {
		t.Fatalf("message = %q", msg)
	}
	e.RuntimeFree(res.Runtime)

	if s := e.Stats(); s.Heap.Live != 0 || s.LiveHandles != 0 || s.Misuse != 0 {
		t.Fatalf("leaked: %+v", s)
	}
}

func TestRuntimeNew_ForwardsLogs(t *testing.T) {
	e := newTestEngine(t)

	var (
		mu   sync.Mutex
		logs []string
	)
	res := e.RuntimeNew(&abi.RuntimeOptions{Telemetry: &abi.TelemetryOptions{
		Logging: &abi.LoggingOptions{
			Filter:  abi.RefString("core=debug"),
			Forward: true,
			ForwardCallback: func(l *abi.ForwardedLog) {
				mu.Lock()
				defer mu.Unlock()
				logs = append(logs, l.Target.String()+": "+l.Message.String())
			},
		},
	}})
	if res.Fail != nil {
		t.Fatalf("RuntimeNew failed: %s", readOwned(t, e, res.Runtime, res.Fail))
	}
	defer e.RuntimeFree(res.Runtime)

	mu.Lock()
	defer mu.Unlock()
	if len(logs) != 1 || logs[0] != "runtime: runtime created" {
		t.Fatalf("forwarded logs = %q", logs)
	}
}

func TestRuntimeNew_ForwardWithoutCallback(t *testing.T) {
	e := newTestEngine(t)

	res := e.RuntimeNew(&abi.RuntimeOptions{Telemetry: &abi.TelemetryOptions{
		Logging: &abi.LoggingOptions{Forward: true},
	}})
	if res.Fail == nil {
		t.Fatal("expected failure")
	}
	readOwned(t, e, res.Runtime, res.Fail)
	e.RuntimeFree(res.Runtime)
}

func TestRuntimeNew_Prometheus(t *testing.T) {
	e := newTestEngine(t)

	res := e.RuntimeNew(&abi.RuntimeOptions{Telemetry: &abi.TelemetryOptions{
		Metrics: &abi.MetricsOptions{Prometheus: &abi.PrometheusOptions{BindAddress: abi.RefString("127.0.0.1:0")}},
	}})
	if res.Fail != nil {
		t.Fatalf("RuntimeNew failed: %s", readOwned(t, e, res.Runtime, res.Fail))
	}
	defer e.RuntimeFree(res.Runtime)

	addr := e.MetricsAddr(res.Runtime)
	if addr == "" {
		t.Fatal("no metrics address")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "corebridge_live_buffers") {
		t.Fatalf("metrics missing live buffer gauge:\n%s", body)
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		filter  string
		want    zapcore.Level
		wantErr bool
	}{
		{filter: "", want: zapcore.InfoLevel},
		{filter: "warn", want: zapcore.WarnLevel},
		{filter: "TRACE", want: zapcore.DebugLevel},
		{filter: "core=debug,client=warn", want: zapcore.DebugLevel},
		{filter: "core=error, ,client=warn", want: zapcore.WarnLevel},
		{filter: "core=loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			got, err := parseFilter(tt.filter)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

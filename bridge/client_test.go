package bridge

import (
	"context"
	goerrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/devserver"
	"github.com/wippyai/corebridge/errors"
)

func pollRequest(t *testing.T, queue string) []byte {
	t.Helper()
	b, err := coresdk.Marshal(coresdk.PollTaskQueueRequest{Namespace: "default", TaskQueue: queue})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestClientCall_Echo(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{})
	c := connect(t, r, s.Target())

	got, err := c.Call(testContext(t), RPCRequest{
		Service: abi.RPCServiceHealth,
		Method:  "Echo",
		Request: []byte("hello"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	checkStats(t, r)
	checkCore(t, e)
}

func TestClientCall_ConcurrentNoLeaks(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{})
	c := connect(t, r, s.Target())

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := strings.Repeat("x", i*97)
			got, err := c.Call(context.Background(), RPCRequest{Service: abi.RPCServiceWorkflow, Method: "Echo", Request: []byte(want)})
			if err == nil && string(got) != want {
				err = goerrors.New("echo mismatch")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if st := r.Stats(); st.Issued < 65 {
		t.Fatalf("issued = %d", st.Issued)
	}
	checkStats(t, r)
	checkCore(t, e)
}

func TestConnect_Unreachable(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})

	_, err := r.Connect(testContext(t), ClientOptions{TargetHost: "127.0.0.1:1"})
	var be *errors.Error
	if !goerrors.As(err, &be) || be.Kind != errors.KindConstruction {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasPrefix(be.Detail, "failed client connect") {
		t.Fatalf("detail = %q", be.Detail)
	}
	checkStats(t, r)
	checkCore(t, e)
}

func TestConnect_RequiresTarget(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	if _, err := r.Connect(testContext(t), ClientOptions{}); err == nil {
		t.Fatal("connect without a target succeeded")
	}
}

func TestClientCall_Unimplemented(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{})
	c := connect(t, r, s.Target())

	_, err := c.Call(testContext(t), RPCRequest{Service: abi.RPCServiceOperator, Method: "DeleteNamespace"})
	var rpcErr *errors.RPCError
	if !goerrors.As(err, &rpcErr) || rpcErr.Code != errors.CodeUnimplemented {
		t.Fatalf("err = %v", err)
	}
	details, derr := devserver.DecodeDetails(rpcErr.Details)
	if derr != nil {
		t.Fatal(derr)
	}
	if details["method"] != "DeleteNamespace" {
		t.Fatalf("details = %v", details)
	}
	checkCore(t, e)
}

func TestClientUpdateMetadata(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{})
	c, err := r.Connect(testContext(t), ClientOptions{
		TargetHost: s.Target(),
		Metadata:   map[string]string{"authorization": "a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	echo := func(extra map[string]string) map[string]string {
		t.Helper()
		b, err := c.Call(testContext(t), RPCRequest{Service: abi.RPCServiceHealth, Method: "EchoMetadata", Metadata: extra})
		if err != nil {
			t.Fatal(err)
		}
		var md map[string]string
		if err := coresdk.Unmarshal(b, &md); err != nil {
			t.Fatal(err)
		}
		return md
	}

	if diff := cmp.Diff(map[string]string{"authorization": "a"}, echo(nil)); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if err := c.UpdateMetadata(map[string]string{"tenant": "b"}); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"tenant": "b", "trace": "c"}
	if diff := cmp.Diff(want, echo(map[string]string{"trace": "c"})); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestClientCall_ContextCancel(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	c := connect(t, r, s.Target())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Call(ctx, RPCRequest{Service: abi.RPCServiceWorkflow, Method: "PollWorkflowTaskQueue", Request: pollRequest(t, "idle")})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
	var rpcErr *errors.RPCError
	if !goerrors.As(err, &rpcErr) || rpcErr.Code != errors.CodeCanceled || rpcErr.Message != "Cancelled" {
		t.Fatalf("err = %v", err)
	}
	if !errors.IsCancelled(err) {
		t.Fatal("IsCancelled = false")
	}
	checkStats(t, r)
	checkCore(t, e)
}

func TestClientCall_CancellationSource(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	c := connect(t, r, s.Target())

	src, err := r.NewCancellationSource()
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	// Two calls with a long timeout share the source; one Cancel ends both.
	start := time.Now()
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := c.Call(context.Background(), RPCRequest{
				Service: abi.RPCServiceWorkflow,
				Method:  "PollWorkflowTaskQueue",
				Request: pollRequest(t, "idle"),
				Timeout: 30 * time.Second,
				Cancel:  src,
			})
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	src.Cancel()
	src.Cancel()
	if !src.IsCancelled() {
		t.Fatal("IsCancelled = false")
	}

	for range 2 {
		select {
		case err := <-errs:
			if !errors.IsCancelled(err) {
				t.Fatalf("err = %v", err)
			}
		case <-time.After(testTimeout):
			t.Fatal("cancelled call never resolved")
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancelled calls resolved after %v", elapsed)
	}

	// A source cancelled before the call still cancels it.
	_, err = c.Call(testContext(t), RPCRequest{
		Service: abi.RPCServiceWorkflow,
		Method:  "PollWorkflowTaskQueue",
		Request: pollRequest(t, "idle"),
		Cancel:  src,
	})
	if !errors.IsCancelled(err) {
		t.Fatalf("err = %v", err)
	}
	checkStats(t, r)
}

func TestClientCall_CancelAfterResolution(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{})
	c := connect(t, r, s.Target())

	src, err := r.NewCancellationSource()
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Call(testContext(t), RPCRequest{Service: abi.RPCServiceHealth, Method: "Echo", Request: []byte("x"), Cancel: src})
	if err != nil || string(got) != "x" {
		t.Fatalf("call = %q, %v", got, err)
	}
	src.Cancel()
	src.Close()
	checkStats(t, r)
	checkCore(t, e)
}

func TestClientCall_Timeout(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	c := connect(t, r, s.Target())

	_, err := c.Call(context.Background(), RPCRequest{
		Service: abi.RPCServiceWorkflow,
		Method:  "PollWorkflowTaskQueue",
		Request: pollRequest(t, "idle"),
		Timeout: 100 * time.Millisecond,
	})
	var rpcErr *errors.RPCError
	if !goerrors.As(err, &rpcErr) || rpcErr.Code != errors.CodeDeadlineExceeded {
		t.Fatalf("err = %v", err)
	}
}

func TestClientClose_WaitsForCalls(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	c := connect(t, r, s.Target())

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), RPCRequest{
			Service: abi.RPCServiceWorkflow,
			Method:  "PollWorkflowTaskQueue",
			Request: pollRequest(t, "idle"),
			Timeout: 200 * time.Millisecond,
		})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	c.Close()
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("Close returned after %v with a call outstanding", elapsed)
	}
	if err := <-done; !goerrors.Is(err, &errors.RPCError{Code: errors.CodeDeadlineExceeded}) {
		t.Fatalf("outstanding call = %v", err)
	}
	if _, err := c.Call(context.Background(), RPCRequest{Service: abi.RPCServiceHealth, Method: "Echo"}); !goerrors.Is(err, errors.Closed(errors.PhaseRPC, "")) {
		t.Fatalf("call after Close = %v", err)
	}
	checkCore(t, e)
}

func TestTimeoutMillis(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want uint32
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Microsecond, 1},
		{1500 * time.Millisecond, 1500},
		{2000 * time.Hour, ^uint32(0)},
	}
	for _, tt := range tests {
		if got := timeoutMillis(tt.in); got != tt.want {
			t.Errorf("timeoutMillis(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestClientClose_DrainStress(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	s := startDevServer(t, devserver.Config{})
	c := connect(t, r, s.Target())

	var (
		wg     sync.WaitGroup
		closed = errors.Closed(errors.PhaseRPC, "")
	)
	failures := make(chan error, 32)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := c.Call(context.Background(), RPCRequest{Service: abi.RPCServiceHealth, Method: "Echo", Request: []byte("ping")})
				if goerrors.Is(err, closed) {
					return
				}
				if err != nil {
					failures <- err
					return
				}
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	c.Close()
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Fatalf("call failed during close: %v", err)
	}

	if err := r.Close(testContext(t)); err != nil {
		t.Fatal(err)
	}
	checkStats(t, r)
	checkCore(t, e)
}

package core

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/devserver"
	"github.com/wippyai/corebridge/errors"
)

func TestClientRPCCall_Echo(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)
	s := startDevServer(t, devserver.Config{})
	c := connect(t, e, rt, s.Target())

	r := await(t, call(e, c, &abi.RPCCallOptions{
		Service:       abi.RPCServiceHealth,
		Rpc:           abi.RefString("Echo"),
		Req:           abi.RefString("hello"),
		TimeoutMillis: 5000,
	}))
	if r.success == nil || r.code != 0 || r.message != nil {
		t.Fatalf("unexpected result: %+v", r)
	}
	if got := readOwned(t, e, rt, r.success); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if s := e.Stats(); s.Heap.Live != 0 || s.Misuse != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestClientConnect_Unreachable(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)

	ch := make(chan *abi.ByteArray, 1)
	e.ClientConnect(rt, &abi.ClientOptions{TargetURL: abi.RefString("127.0.0.1:1")}, 0,
		func(_ abi.UserData, c abi.Client, fail *abi.ByteArray) {
			if c != 0 {
				t.Errorf("got client %d with failure", c)
			}
			ch <- fail
		})
	fail := await(t, ch)
	if fail == nil {
		t.Fatal("expected failure")
	}
	if msg := readOwned(t, e, rt, fail); !strings.HasPrefix(msg, "failed client connect") {
		t.Fatalf("message = %q", msg)
	}
}

func TestClientRPCCall_Unimplemented(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)
	s := startDevServer(t, devserver.Config{})
	c := connect(t, e, rt, s.Target())

	r := await(t, call(e, c, &abi.RPCCallOptions{
		Service: abi.RPCServiceOperator,
		Rpc:     abi.RefString("DeleteNamespace"),
	}))
	if r.success != nil || errors.Code(r.code) != errors.CodeUnimplemented {
		t.Fatalf("unexpected result: %+v", r)
	}
	if msg := readOwned(t, e, rt, r.message); msg == "" {
		t.Fatal("empty failure message")
	}
	details := readOwned(t, e, rt, r.details)
	if _, err := devserver.DecodeDetails([]byte(details)); err != nil {
		t.Fatalf("details are not a struct: %v", err)
	}
}

func TestClientRPCCall_Metadata(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)
	s := startDevServer(t, devserver.Config{})
	c := connect(t, e, rt, s.Target())

	echo := func(extra map[string]string) map[string]string {
		t.Helper()
		r := await(t, call(e, c, &abi.RPCCallOptions{
			Service:  abi.RPCServiceHealth,
			Rpc:      abi.RefString("EchoMetadata"),
			Metadata: abi.RefString(abi.EncodeMetadata(extra)),
		}))
		if r.success == nil {
			t.Fatalf("call failed: %s", readOwned(t, e, rt, r.message))
		}
		var md map[string]string
		if err := coresdk.Unmarshal([]byte(readOwned(t, e, rt, r.success)), &md); err != nil {
			t.Fatal(err)
		}
		return md
	}

	e.ClientUpdateMetadata(c, abi.RefString(abi.EncodeMetadata(map[string]string{"authorization": "a"})))
	if diff := cmp.Diff(map[string]string{"authorization": "a"}, echo(nil)); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	e.ClientUpdateMetadata(c, abi.RefString(abi.EncodeMetadata(map[string]string{"tenant": "b"})))
	want := map[string]string{"tenant": "b", "trace": "c"}
	if diff := cmp.Diff(want, echo(map[string]string{"trace": "c"})); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestClientRPCCall_Cancel(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	c := connect(t, e, rt, s.Target())

	req, _ := coresdk.Marshal(coresdk.PollTaskQueueRequest{Namespace: "default", TaskQueue: "idle"})
	tok := e.CancellationTokenNew()
	ch := call(e, c, &abi.RPCCallOptions{
		Service:           abi.RPCServiceWorkflow,
		Rpc:               abi.RefString("PollWorkflowTaskQueue"),
		Req:               abi.Ref(req),
		CancellationToken: tok,
	})

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	e.CancellationTokenCancel(tok)
	e.CancellationTokenCancel(tok)

	r := await(t, ch)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
	if errors.Code(r.code) != errors.CodeCanceled || r.message == nil || !r.message.DisableFree {
		t.Fatalf("unexpected result: %+v", r)
	}
	if msg := readOwned(t, e, rt, r.message); msg != "Cancelled" {
		t.Fatalf("message = %q", msg)
	}
	e.CancellationTokenFree(tok)
	if got := e.Stats().Misuse; got != 0 {
		t.Fatalf("misuse = %d", got)
	}
}

func TestClientRPCCall_Timeout(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	c := connect(t, e, rt, s.Target())

	req, _ := coresdk.Marshal(coresdk.PollTaskQueueRequest{Namespace: "default", TaskQueue: "idle"})
	r := await(t, call(e, c, &abi.RPCCallOptions{
		Service:       abi.RPCServiceWorkflow,
		Rpc:           abi.RefString("PollWorkflowTaskQueue"),
		Req:           abi.Ref(req),
		TimeoutMillis: 100,
	}))
	if errors.Code(r.code) != errors.CodeDeadlineExceeded {
		t.Fatalf("code = %v", errors.Code(r.code))
	}
	readOwned(t, e, rt, r.message)
}

func TestClientFree_WithCallOutstanding(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)
	s := startDevServer(t, devserver.Config{PollTimeout: 30 * time.Second})
	c := connect(t, e, rt, s.Target())

	req, _ := coresdk.Marshal(coresdk.PollTaskQueueRequest{Namespace: "default", TaskQueue: "idle"})
	ch := call(e, c, &abi.RPCCallOptions{
		Service:       abi.RPCServiceWorkflow,
		Rpc:           abi.RefString("PollWorkflowTaskQueue"),
		Req:           abi.Ref(req),
		TimeoutMillis: 300,
	})

	e.ClientFree(c)
	if got := e.Stats().Misuse; got != 1 {
		t.Fatalf("misuse = %d, want 1", got)
	}
	r := await(t, ch)
	readOwned(t, e, rt, r.message)
}

func TestClientRPCCall_RetriesUnavailable(t *testing.T) {
	e := newTestEngine(t)
	rt := newTestRuntime(t, e)
	s := startDevServer(t, devserver.Config{})
	c := connect(t, e, rt, s.Target())

	cl, err := lookup[*client](e, uint64(c), handles.KindClient)
	if err != nil {
		t.Fatal(err)
	}
	cl.transport.base = "http://127.0.0.1:1"
	cl.retry = retryPolicy{initial: 10 * time.Millisecond, maxInterval: 20 * time.Millisecond, multiplier: 2, maxRetries: 3, maxElapsed: time.Second}

	start := time.Now()
	r := await(t, call(e, c, &abi.RPCCallOptions{
		Service: abi.RPCServiceHealth,
		Rpc:     abi.RefString("Check"),
		Retry:   true,
	}))
	if errors.Code(r.code) != errors.CodeUnavailable {
		t.Fatalf("code = %v", errors.Code(r.code))
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("call did not back off between attempts")
	}
	readOwned(t, e, rt, r.message)
}

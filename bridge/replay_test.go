package bridge

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/errors"
)

func TestReplayer(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	ctx := testContext(t)

	rp, err := r.NewReplayer(WorkerOptions{Namespace: "default", TaskQueue: "replay"})
	if err != nil {
		t.Fatal(err)
	}

	history := coresdk.History{WorkflowType: "W", Jobs: []coresdk.ActivationJob{{StartWorkflow: &coresdk.StartWorkflow{WorkflowType: "W"}}}}
	if err := rp.Push("wf-1", marshal(t, history)); err != nil {
		t.Fatal(err)
	}
	if err := rp.Push("wf-2", marshal(t, coresdk.History{WorkflowType: "W"})); err == nil {
		t.Fatal("history without jobs accepted")
	}

	b, err := rp.PollWorkflowActivation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	act := unmarshal[coresdk.WorkflowActivation](t, b)
	if act.WorkflowID != "wf-1" || !act.IsReplaying {
		t.Fatalf("unexpected activation: %+v", act)
	}
	if err := rp.CompleteWorkflowActivation(ctx, marshal(t, coresdk.WorkflowActivationCompletion{RunID: act.RunID})); err != nil {
		t.Fatal(err)
	}

	rp.Done()
	if err := rp.Push("wf-3", marshal(t, history)); err == nil {
		t.Fatal("push after Done succeeded")
	}
	if _, err := rp.PollWorkflowActivation(ctx); !goerrors.Is(err, ErrPollShutdown) {
		t.Fatalf("poll after Done = %v", err)
	}
	if err := rp.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := rp.State(); got != WorkerFreed {
		t.Fatalf("state = %v", got)
	}
	checkStats(t, r)
	checkCore(t, e)
}

func TestReplayer_PushAfterShutdown(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})

	rp, err := r.NewReplayer(WorkerOptions{Namespace: "default", TaskQueue: "replay"})
	if err != nil {
		t.Fatal(err)
	}
	rp.InitiateShutdown()

	history := coresdk.History{WorkflowType: "W", Jobs: []coresdk.ActivationJob{{StartWorkflow: &coresdk.StartWorkflow{WorkflowType: "W"}}}}
	if err := rp.Push("wf-1", marshal(t, history)); !goerrors.Is(err, errors.Closed(errors.PhaseReplay, "")) {
		t.Fatalf("push after shutdown = %v", err)
	}
	if err := rp.Close(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if err := rp.Push("wf-2", marshal(t, history)); !goerrors.Is(err, errors.Closed(errors.PhaseReplay, "")) {
		t.Fatalf("push after Close = %v", err)
	}
	checkStats(t, r)
	checkCore(t, e)
}

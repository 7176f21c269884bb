package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/bridge"
	"github.com/wippyai/corebridge/coresdk"
)

type startCmd struct {
	settings
	workflowType string
	input        string
	wait         time.Duration
}

func (*startCmd) Name() string     { return "start" }
func (*startCmd) Synopsis() string { return "starts a workflow execution" }
func (*startCmd) Usage() string {
	return `bridgectl start [flags...] <workflow-id>

With -wait, polls the execution until it finishes and prints its result.

flags:
`
}

func (c *startCmd) SetFlags(f *flag.FlagSet) {
	c.connFlags(f)
	f.StringVar(&c.taskQueue, "task-queue", c.taskQueue, "task queue (env BRIDGECTL_TASK_QUEUE)")
	f.StringVar(&c.workflowType, "type", "Echo", "workflow type")
	f.StringVar(&c.input, "input", "", "workflow input")
	f.DurationVar(&c.wait, "wait", 0, "wait this long for the execution to finish")
}

func (c *startCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	s, err := openSession(ctx, c.settings)
	if err != nil {
		return failf("%v", err)
	}
	defer s.Close()
	client, err := s.connect(ctx, c.target)
	if err != nil {
		return failf("%v", err)
	}
	defer client.Close()

	req, err := coresdk.Marshal(coresdk.StartWorkflowExecutionRequest{
		Namespace:    c.namespace,
		WorkflowID:   f.Arg(0),
		WorkflowType: c.workflowType,
		TaskQueue:    c.taskQueue,
		Input:        []byte(c.input),
	})
	if err != nil {
		return failf("encode request: %v", err)
	}
	out, err := client.Call(ctx, bridge.RPCRequest{Service: abi.RPCServiceWorkflow, Method: "StartWorkflowExecution", Request: req, Retry: true})
	if err != nil {
		printRPCError(err)
		return subcommands.ExitFailure
	}
	var started coresdk.StartWorkflowExecutionResponse
	if err := coresdk.Unmarshal(out, &started); err != nil {
		return failf("decode response: %v", err)
	}
	fmt.Printf("started %s run %s\n", f.Arg(0), started.RunID)
	if c.wait <= 0 {
		return subcommands.ExitSuccess
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()
	info, err := awaitExecution(waitCtx, client, c.namespace, f.Arg(0))
	if err != nil {
		return failf("%v", err)
	}
	switch info.Status {
	case coresdk.StatusCompleted:
		fmt.Printf("completed: %s\n", info.Result)
		return subcommands.ExitSuccess
	default:
		msg := ""
		if info.Failure != nil {
			msg = info.Failure.Message
		}
		return failf("workflow %s: %s", info.Status, msg)
	}
}

func awaitExecution(ctx context.Context, client *bridge.Client, namespace, id string) (*coresdk.DescribeWorkflowExecutionResponse, error) {
	req, err := coresdk.Marshal(coresdk.DescribeWorkflowExecutionRequest{Namespace: namespace, WorkflowID: id})
	if err != nil {
		return nil, err
	}
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		out, err := client.Call(ctx, bridge.RPCRequest{Service: abi.RPCServiceWorkflow, Method: "DescribeWorkflowExecution", Request: req})
		if err != nil {
			return nil, err
		}
		var info coresdk.DescribeWorkflowExecutionResponse
		if err := coresdk.Unmarshal(out, &info); err != nil {
			return nil, err
		}
		if info.Status != coresdk.StatusRunning {
			return &info, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("workflow %s still running: %w", id, ctx.Err())
		case <-tick.C:
		}
	}
}

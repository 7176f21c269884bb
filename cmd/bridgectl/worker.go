package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/bridge"
	"github.com/wippyai/corebridge/coresdk"
)

type workerCmd struct {
	settings
	maxActivities int
	rate          float64
	grace         time.Duration
}

func (*workerCmd) Name() string     { return "worker" }
func (*workerCmd) Synopsis() string { return "runs the demo worker until interrupted" }
func (*workerCmd) Usage() string {
	return `bridgectl worker [flags...]

Serves every workflow on the task queue by running one activity of the same
type with the workflow input and completing with its result. Activities echo
their input upper-cased.

flags:
`
}

func (c *workerCmd) SetFlags(f *flag.FlagSet) {
	c.connFlags(f)
	f.StringVar(&c.taskQueue, "task-queue", c.taskQueue, "task queue (env BRIDGECTL_TASK_QUEUE)")
	f.IntVar(&c.maxActivities, "max-activities", 0, "concurrent activity limit; 0 uses the default")
	f.Float64Var(&c.rate, "rate", 0, "activities per second; 0 is unlimited")
	f.DurationVar(&c.grace, "grace", 5*time.Second, "graceful shutdown period for running activities")
}

func (c *workerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
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

	w, err := client.NewWorker(bridge.WorkerOptions{
		Namespace:                c.namespace,
		TaskQueue:                c.taskQueue,
		Identity:                 "bridgectl-worker",
		MaxOutstandingActivities: c.maxActivities,
		MaxActivitiesPerSecond:   c.rate,
		GracefulShutdownPeriod:   c.grace,
	})
	if err != nil {
		return failf("%v", err)
	}
	defer w.Close()

	fmt.Printf("worker polling %s/%s, press ctrl+c to stop\n", c.namespace, c.taskQueue)
	err = w.Run(ctx, bridge.LoopOptions{
		Workflows:  demoWorkflow(s.log),
		Activities: demoActivity(s.log, w),
		RetryPoll: func(err error) bool {
			s.log.Warn("poll failed", zap.Error(err))
			return ctx.Err() == nil
		},
	})
	if err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}

func encodeOrFail(log *zap.Logger, v any) []byte {
	b, err := coresdk.Marshal(v)
	if err != nil {
		log.Error("encode completion", zap.Error(err))
	}
	return b
}

// demoWorkflow runs one activity named after the workflow type.
func demoWorkflow(log *zap.Logger) bridge.TaskHandler {
	var (
		mu    sync.Mutex
		types = map[string]string{}
	)
	return func(_ context.Context, task []byte) []byte {
		var act coresdk.WorkflowActivation
		if err := coresdk.Unmarshal(task, &act); err != nil {
			log.Error("decode activation", zap.Error(err))
			return nil
		}
		out := coresdk.WorkflowActivationCompletion{RunID: act.RunID}
		mu.Lock()
		defer mu.Unlock()
		if act.IsEviction() {
			delete(types, act.RunID)
			return encodeOrFail(log, out)
		}
		for _, job := range act.Jobs {
			switch {
			case job.StartWorkflow != nil:
				types[act.RunID] = job.StartWorkflow.WorkflowType
				out.Commands = append(out.Commands, coresdk.Command{ScheduleActivity: &coresdk.ScheduleActivity{
					ActivityID:   "1",
					ActivityType: job.StartWorkflow.WorkflowType,
					Input:        job.StartWorkflow.Input,
				}})
			case job.ResolveActivity != nil && job.ResolveActivity.Failure != nil:
				out.Commands = append(out.Commands, coresdk.Command{FailWorkflow: job.ResolveActivity.Failure})
			case job.ResolveActivity != nil:
				out.Commands = append(out.Commands, coresdk.Command{CompleteWorkflow: &coresdk.CompleteWorkflow{Result: job.ResolveActivity.Result}})
			}
		}
		log.Debug("activation handled", zap.String("run_id", act.RunID), zap.String("type", types[act.RunID]), zap.Int("commands", len(out.Commands)))
		return encodeOrFail(log, out)
	}
}

func demoActivity(log *zap.Logger, w *bridge.Worker) bridge.TaskHandler {
	return func(_ context.Context, b []byte) []byte {
		var task coresdk.ActivityTask
		if err := coresdk.Unmarshal(b, &task); err != nil {
			log.Error("decode activity task", zap.Error(err))
			return nil
		}
		if task.Cancel != nil {
			return encodeOrFail(log, coresdk.ActivityTaskCompletion{
				TaskToken: task.TaskToken,
				Failure:   &coresdk.Failure{Message: task.Cancel.Reason, Type: "cancelled"},
			})
		}
		hb, _ := coresdk.Marshal(coresdk.ActivityHeartbeat{TaskToken: task.TaskToken, Details: []byte("started")})
		if err := w.RecordActivityHeartbeat(hb); err != nil {
			log.Warn("heartbeat", zap.Error(err))
		}
		return encodeOrFail(log, coresdk.ActivityTaskCompletion{
			TaskToken: task.TaskToken,
			Result:    bytes.ToUpper(task.Start.Input),
		})
	}
}

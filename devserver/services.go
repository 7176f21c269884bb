package devserver

import (
	"context"
	"time"

	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/errors"
)

func (s *Server) registerMethods() {
	s.methods = make(map[string]rpcHandler)

	s.register("health", "Check", s.healthCheck)
	s.register("health", "Echo", echo)
	s.register("health", "EchoMetadata", echoMetadata)

	s.register("workflow", "GetSystemInfo", s.getSystemInfo)
	s.register("workflow", "DescribeNamespace", s.describeNamespace)
	s.register("workflow", "StartWorkflowExecution", s.startWorkflowExecution)
	s.register("workflow", "DescribeWorkflowExecution", s.describeWorkflowExecution)
	s.register("workflow", "PollWorkflowTaskQueue", s.pollWorkflowTaskQueue)
	s.register("workflow", "RespondWorkflowTaskCompleted", s.respondWorkflowTaskCompleted)
	s.register("workflow", "PollActivityTaskQueue", s.pollActivityTaskQueue)
	s.register("workflow", "RespondActivityTaskCompleted", s.respondActivityTaskCompleted)
	s.register("workflow", "RecordActivityTaskHeartbeat", s.recordActivityTaskHeartbeat)
	s.register("workflow", "Echo", echo)

	s.register("operator", "AddSearchAttributes", s.addSearchAttributes)
	s.register("operator", "ListSearchAttributes", s.listSearchAttributes)
	s.register("operator", "Echo", echo)

	if s.cfg.TestService {
		s.register("test", "GetCurrentTime", s.getCurrentTime)
		s.register("test", "LockTimeSkipping", s.lockTimeSkipping)
		s.register("test", "UnlockTimeSkipping", s.unlockTimeSkipping)
		s.register("test", "Sleep", s.sleep)
		s.register("test", "Echo", echo)
	}
}

func (s *Server) healthCheck(context.Context, *call) ([]byte, *Failure) {
	return encode(coresdk.HealthCheckResponse{Status: "SERVING"})
}

func echoMetadata(_ context.Context, c *call) ([]byte, *Failure) {
	return encode(c.Metadata)
}

func (s *Server) checkNamespace(ns string) *Failure {
	if ns != s.cfg.Namespace {
		return failuref(errors.CodeNotFound, "namespace %q not found", ns).
			withDetails(map[string]any{"namespace": ns})
	}
	return nil
}

func (s *Server) addSearchAttributes(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.AddSearchAttributesRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	for name, typ := range req.Attributes {
		if name == "" || typ == "" {
			return nil, failuref(errors.CodeInvalidArgument, "search attribute name and type are required")
		}
	}
	if err := s.store.AddSearchAttributes(ctx, req.Namespace, req.Attributes); err != nil {
		return nil, failuref(errors.CodeInternal, "%v", err)
	}
	return encode(coresdk.Empty{})
}

func (s *Server) listSearchAttributes(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.DescribeNamespaceRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if req.Namespace == "" {
		req.Namespace = s.cfg.Namespace
	}
	if f := s.checkNamespace(req.Namespace); f != nil {
		return nil, f
	}
	attrs, err := s.store.ListSearchAttributes(ctx, req.Namespace)
	if err != nil {
		return nil, failuref(errors.CodeInternal, "%v", err)
	}
	return encode(coresdk.ListSearchAttributesResponse{Attributes: attrs})
}

func (s *Server) getCurrentTime(context.Context, *call) ([]byte, *Failure) {
	return encode(coresdk.GetCurrentTimeResponse{TimeMs: s.clock.Now().UnixMilli()})
}

func (s *Server) lockTimeSkipping(context.Context, *call) ([]byte, *Failure) {
	s.clock.Lock()
	return encode(coresdk.Empty{})
}

func (s *Server) unlockTimeSkipping(context.Context, *call) ([]byte, *Failure) {
	if err := s.clock.Unlock(); err != nil {
		return nil, failuref(errors.CodeFailedPrecondition, "%v", err)
	}
	return encode(coresdk.Empty{})
}

func (s *Server) sleep(ctx context.Context, c *call) ([]byte, *Failure) {
	var req coresdk.SleepRequest
	if f := decode(c, &req); f != nil {
		return nil, f
	}
	if req.DurationMs < 0 {
		return nil, failuref(errors.CodeInvalidArgument, "negative sleep duration")
	}
	if err := s.clock.Sleep(ctx, time.Duration(req.DurationMs)*time.Millisecond); err != nil {
		return nil, failuref(errors.CodeCanceled, "sleep interrupted: %v", err)
	}
	return encode(coresdk.Empty{})
}

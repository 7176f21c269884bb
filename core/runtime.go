package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
)

var errOpenTelemetry = errors.New("OpenTelemetry export is not supported by this runtime")

// runtime owns telemetry and is the owner of every buffer handed out on its
// behalf.
type runtime struct {
	e        *Engine
	log      *zap.Logger
	metrics  *runtimeMetrics
	promHTTP *http.Server
	promAddr string
	id       uint64
	stopOnce sync.Once
}

// RuntimeNew creates a runtime. On failure the runtime handle is still
// returned so the failure buffer can be freed through it.
func (e *Engine) RuntimeNew(options *abi.RuntimeOptions) abi.RuntimeOrFail {
	rt := &runtime{e: e, log: e.log.Named("runtime")}
	id, err := e.handles.Insert(handles.KindRuntime, rt)
	if err != nil {
		return abi.RuntimeOrFail{}
	}
	rt.id = id
	rt.metrics = newRuntimeMetrics(func() float64 { return float64(e.heap.LiveFor(id)) })

	if err := rt.configure(options); err != nil {
		rt.log.Warn("runtime construction failed", zap.Error(err))
		return abi.RuntimeOrFail{Runtime: abi.Runtime(id), Fail: e.failBuffer(id, err.Error())}
	}
	rt.log.Debug("runtime created", zap.Uint64("handle", id))
	return abi.RuntimeOrFail{Runtime: abi.Runtime(id)}
}

func (rt *runtime) configure(options *abi.RuntimeOptions) error {
	if options == nil || options.Telemetry == nil {
		return nil
	}
	tel := options.Telemetry

	if tel.Tracing != nil && tel.Tracing.OpenTelemetry.URL.Len() > 0 {
		return errOpenTelemetry
	}
	if tel.Metrics != nil && tel.Metrics.OpenTelemetry != nil {
		return errOpenTelemetry
	}

	if tel.Logging != nil {
		level, err := parseFilter(tel.Logging.Filter.String())
		if err != nil {
			return err
		}
		if tel.Logging.Forward {
			if tel.Logging.ForwardCallback == nil {
				return errors.New("log forwarding enabled without a callback")
			}
			rt.log = zap.New(newForwardCore(level, tel.Logging.ForwardCallback)).Named("runtime")
		} else {
			rt.log = rt.log.WithOptions(levelFilter(level))
		}
	}

	if tel.Metrics != nil && tel.Metrics.Prometheus != nil {
		if err := rt.servePrometheus(tel.Metrics.Prometheus.BindAddress.String()); err != nil {
			return err
		}
	}
	return nil
}

func (rt *runtime) servePrometheus(addr string) error {
	if addr == "" {
		return errors.New("prometheus bind address is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind prometheus endpoint: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.metrics.registry, promhttp.HandlerOpts{}))
	rt.promHTTP = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	rt.promAddr = ln.Addr().String()

	srv := rt.promHTTP
	rt.e.spawn(func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Error("prometheus endpoint", zap.Error(err))
		}
	})
	rt.log.Info("serving metrics", zap.String("addr", rt.promAddr))
	return nil
}

// Drop implements handles.Dropper.
func (rt *runtime) Drop() {
	rt.stop()
}

func (rt *runtime) stop() {
	rt.stopOnce.Do(func() {
		if rt.promHTTP != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rt.promHTTP.Shutdown(ctx)
		}
		if n := rt.e.heap.LiveFor(rt.id); n > 0 {
			rt.log.Warn("runtime freed with live buffers", zap.Int("buffers", n))
		}
	})
}

// RuntimeFree releases a runtime.
func (e *Engine) RuntimeFree(h abi.Runtime) {
	if rt, ok := drop[*runtime](e, "runtime_free", uint64(h), handles.KindRuntime); ok {
		rt.stop()
	}
}

// MetricsAddr returns the address the runtime's Prometheus endpoint is bound
// to, or "" when it serves none.
func (e *Engine) MetricsAddr(h abi.Runtime) string {
	rt, err := lookup[*runtime](e, uint64(h), handles.KindRuntime)
	if err != nil {
		return ""
	}
	return rt.promAddr
}

func (e *Engine) runtimeOf(h abi.Runtime) (*runtime, error) {
	return lookup[*runtime](e, uint64(h), handles.KindRuntime)
}

package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/errors"
)

// RuntimeOptions configures a runtime. Zero values select defaults.
type RuntimeOptions struct {
	// Logger receives bridge logs and, with ForwardLogs, native logs.
	// Defaults to Logger().
	Logger *zap.Logger

	// LogFilter is the native log filter, e.g. "info" or "core=debug".
	LogFilter string
	// ForwardLogs delivers native log records to Logger.
	ForwardLogs bool

	// PrometheusBindAddress makes the native runtime serve /metrics.
	PrometheusBindAddress string
	// OpenTelemetryURL requests OTLP metric export from the native runtime.
	OpenTelemetryURL string

	// MaxOutstandingCalls bounds concurrently outstanding asynchronous
	// native calls. 0 means DefaultMaxOutstandingCalls.
	MaxOutstandingCalls int
}

// Stats reports the completion accounting of a runtime. On a healthy
// runtime Issued == Resolved + Outstanding and DuplicateResolutions is zero.
type Stats struct {
	Issued               int64
	Resolved             int64
	Outstanding          int64
	DuplicateResolutions int64
	Abandoned            int64
}

// Runtime owns a native runtime handle and the completion table every
// asynchronous call on it goes through.
type Runtime struct {
	core   abi.Core
	handle abi.Runtime
	log    *zap.Logger
	calls  *completionTable
	// live is held by every outstanding call and by every dependent
	// handle (clients, servers, generators, cancellation sources,
	// replayers) until it is closed.
	live keepAlive

	closeMu sync.Mutex
	closed  bool
}

// NewRuntime creates a native runtime.
func NewRuntime(core abi.Core, opts RuntimeOptions) (*Runtime, error) {
	if core == nil {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "native core is required")
	}
	log := opts.Logger
	if log == nil {
		log = Logger()
	}
	r := &Runtime{
		core:  core,
		log:   log.Named("bridge"),
		calls: newCompletionTable(opts.MaxOutstandingCalls),
	}

	res := core.RuntimeNew(r.nativeOptions(opts, log))
	if res.Fail != nil {
		r.handle = res.Runtime
		msg := string(r.take(res.Fail))
		if res.Runtime != 0 {
			core.RuntimeFree(res.Runtime)
		}
		return nil, errors.Construction(errors.PhaseRuntime, "runtime", msg)
	}
	if res.Runtime == 0 {
		return nil, errors.Construction(errors.PhaseRuntime, "runtime", "native side returned no runtime")
	}
	r.handle = res.Runtime
	return r, nil
}

func (r *Runtime) nativeOptions(opts RuntimeOptions, log *zap.Logger) *abi.RuntimeOptions {
	tel := &abi.TelemetryOptions{
		Logging: &abi.LoggingOptions{
			Filter:  abi.RefString(opts.LogFilter),
			Forward: opts.ForwardLogs,
		},
	}
	if opts.ForwardLogs {
		native := log.Named("native")
		tel.Logging.ForwardCallback = func(l *abi.ForwardedLog) { forwardLog(native, l) }
	}
	if opts.PrometheusBindAddress != "" || opts.OpenTelemetryURL != "" {
		tel.Metrics = &abi.MetricsOptions{}
		if opts.PrometheusBindAddress != "" {
			tel.Metrics.Prometheus = &abi.PrometheusOptions{BindAddress: abi.RefString(opts.PrometheusBindAddress)}
		}
		if opts.OpenTelemetryURL != "" {
			tel.Metrics.OpenTelemetry = &abi.OpenTelemetryOptions{URL: abi.RefString(opts.OpenTelemetryURL)}
		}
	}
	return &abi.RuntimeOptions{Telemetry: tel}
}

// forwardLog writes a native record to log. The record's buffers are only
// valid during this call.
func forwardLog(log *zap.Logger, l *abi.ForwardedLog) {
	level := zapcore.InfoLevel
	switch l.Level {
	case abi.LogLevelTrace, abi.LogLevelDebug:
		level = zapcore.DebugLevel
	case abi.LogLevelWarn:
		level = zapcore.WarnLevel
	case abi.LogLevelError:
		level = zapcore.ErrorLevel
	}
	ce := log.Check(level, l.Message.String())
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("target", l.Target.String()),
		zap.Time("native_time", time.UnixMilli(int64(l.TimestampMillis))),
	}
	if l.Fields.Len() > 0 {
		var kv map[string]any
		if err := coresdk.Unmarshal(l.Fields.Data, &kv); err == nil {
			for k, v := range kv {
				fields = append(fields, zap.Any(k, v))
			}
		}
	}
	ce.Write(fields...)
}

// take copies an owned buffer into Go memory and frees it. Static buffers
// are only copied.
func (r *Runtime) take(b *abi.ByteArray) []byte {
	if b == nil {
		return nil
	}
	data, err := r.core.Memory().Read(b.Data, b.Size)
	if err != nil {
		r.log.Error("read native buffer", zap.Uint32("addr", b.Data), zap.Uint32("size", b.Size), zap.Error(err))
		data = []byte{}
	}
	if !b.DisableFree {
		r.core.ByteArrayFree(r.handle, b)
	}
	return data
}

// takeString is take for failure messages.
func (r *Runtime) takeString(b *abi.ByteArray) string {
	return string(r.take(b))
}

// Stats returns completion counters.
func (r *Runtime) Stats() Stats {
	resolved := r.calls.resolved.Load()
	return Stats{
		Issued:               r.calls.issued.Load(),
		Resolved:             resolved,
		Outstanding:          int64(r.calls.outstanding()),
		DuplicateResolutions: r.calls.duplicates.Load(),
		Abandoned:            r.calls.abandoned.Load(),
	}
}

// MetricsAddr returns the address of the native Prometheus endpoint, if the
// core exposes one.
func (r *Runtime) MetricsAddr() string {
	if m, ok := r.core.(interface{ MetricsAddr(abi.Runtime) string }); ok {
		return m.MetricsAddr(r.handle)
	}
	return ""
}

// Close waits until every dependent handle is closed and every outstanding
// native call has resolved, then frees the runtime. No new work is accepted
// once Close was called. If ctx ends first, the runtime is left allocated,
// a fatal KindUnresolved error is returned and Close may be retried.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}

	r.live.seal()
	if err := r.live.wait(ctx); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindUnresolved, err, "dependent handles or native calls still open")
	}
	if err := r.calls.drain(ctx); err != nil {
		err = errors.Unresolved(errors.PhaseRuntime, int64(r.calls.outstanding()), err)
		r.log.Error("runtime left allocated", zap.Error(err))
		return err
	}
	r.core.RuntimeFree(r.handle)
	r.closed = true
	return nil
}

// begin holds the runtime open for one operation.
func (r *Runtime) begin(phase errors.Phase) error {
	if !r.live.acquire() {
		return errors.Closed(phase, "runtime")
	}
	return nil
}

func (r *Runtime) end() {
	r.live.release()
}

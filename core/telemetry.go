package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/corebridge/abi"
)

// parseFilter reads a log filter such as "info" or
// "core=debug,client=warn" and returns the most verbose level it names.
func parseFilter(filter string) (zapcore.Level, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return zapcore.InfoLevel, nil
	}

	lowest := zapcore.FatalLevel
	for _, directive := range strings.Split(filter, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		if i := strings.LastIndexByte(directive, '='); i >= 0 {
			directive = directive[i+1:]
		}
		lvl, err := parseLevel(directive)
		if err != nil {
			return 0, fmt.Errorf("invalid log filter %q: %w", filter, err)
		}
		if lvl < lowest {
			lowest = lvl
		}
	}
	return lowest, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(s)
	if s == "trace" {
		return zapcore.DebugLevel, nil
	}
	return zapcore.ParseLevel(s)
}

func forwardedLevel(l zapcore.Level) abi.LogLevel {
	switch {
	case l <= zapcore.DebugLevel:
		return abi.LogLevelDebug
	case l == zapcore.InfoLevel:
		return abi.LogLevelInfo
	case l == zapcore.WarnLevel:
		return abi.LogLevelWarn
	default:
		return abi.LogLevelError
	}
}

// forwardCore is a zapcore.Core that hands every entry to the host's
// forwarding callback. The record's buffers are borrowed for the duration of
// the callback only.
type forwardCore struct {
	zapcore.LevelEnabler
	callback abi.ForwardedLogCallback
	fields   []zapcore.Field
}

func newForwardCore(level zapcore.LevelEnabler, cb abi.ForwardedLogCallback) *forwardCore {
	return &forwardCore{LevelEnabler: level, callback: cb}
}

func (c *forwardCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &forwardCore{LevelEnabler: c.LevelEnabler, callback: c.callback}
	clone.fields = append(append(clone.fields, c.fields...), fields...)
	return clone
}

func (c *forwardCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *forwardCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	encoded, err := sonic.ConfigStd.Marshal(enc.Fields)
	if err != nil {
		encoded = []byte("{}")
	}

	c.callback(&abi.ForwardedLog{
		Target:          abi.RefString(ent.LoggerName),
		Message:         abi.RefString(ent.Message),
		Fields:          abi.Ref(encoded),
		TimestampMillis: uint64(ent.Time.UnixMilli()),
		Level:           forwardedLevel(ent.Level),
	})
	return nil
}

func (c *forwardCore) Sync() error { return nil }

// runtimeMetrics is a runtime's private Prometheus registry.
type runtimeMetrics struct {
	registry   *prometheus.Registry
	rpcCalls   *prometheus.CounterVec
	rpcSeconds *prometheus.HistogramVec
	polls      *prometheus.CounterVec
	heartbeats *prometheus.CounterVec
}

func newRuntimeMetrics(liveBuffers func() float64) *runtimeMetrics {
	m := &runtimeMetrics{
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corebridge_rpc_calls_total",
				Help: "Remote calls by service, method and status code.",
			},
			[]string{"service", "method", "code"},
		),
		rpcSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corebridge_rpc_call_duration_seconds",
				Help:    "Remote call latency including retries.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corebridge_worker_polls_total",
				Help: "Worker poll results by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corebridge_activity_heartbeats_total",
				Help: "Activity heartbeats by outcome.",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(m.rpcCalls, m.rpcSeconds, m.polls, m.heartbeats,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "corebridge_live_buffers",
			Help: "Owned buffers handed to the host and not yet freed.",
		}, liveBuffers))
	return m
}

func (m *runtimeMetrics) observeRPC(service, method, code string, start time.Time) {
	m.rpcCalls.WithLabelValues(service, method, code).Inc()
	m.rpcSeconds.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
}

// levelFilter wraps a logger so it drops entries below level. A level below
// the wrapped core's own level is left to the core.
func levelFilter(level zapcore.Level) zap.Option {
	return zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		if ic, err := zapcore.NewIncreaseLevelCore(c, level); err == nil {
			return ic
		}
		return c
	})
}

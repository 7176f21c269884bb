package abi

// Option records passed to construction calls. They are plain data; every
// ByteArrayRef inside them is borrowed for the duration of the call only.

// LogLevel of a forwarded native log record.
type LogLevel uint8

const (
	LogLevelTrace LogLevel = iota + 1
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ForwardedLog is a native log record handed to the host. Every ByteArrayRef
// in it is borrowed from the native side and valid only during the callback.
type ForwardedLog struct {
	Target          ByteArrayRef
	Message         ByteArrayRef
	Fields          ByteArrayRef // JSON object
	TimestampMillis uint64
	Level           LogLevel
}

// ForwardedLogCallback receives native log records when forwarding is enabled.
// It runs on a native goroutine.
type ForwardedLogCallback func(log *ForwardedLog)

type OpenTelemetryOptions struct {
	URL                     ByteArrayRef
	Headers                 ByteArrayRef
	MetricPeriodicityMillis uint32
}

type TracingOptions struct {
	Filter        ByteArrayRef
	OpenTelemetry OpenTelemetryOptions
}

type LoggingOptions struct {
	Filter          ByteArrayRef
	ForwardCallback ForwardedLogCallback
	Forward         bool
}

type PrometheusOptions struct {
	BindAddress ByteArrayRef
}

type MetricsOptions struct {
	OpenTelemetry *OpenTelemetryOptions
	Prometheus    *PrometheusOptions
}

type TelemetryOptions struct {
	Tracing *TracingOptions
	Logging *LoggingOptions
	Metrics *MetricsOptions
}

type RuntimeOptions struct {
	Telemetry *TelemetryOptions
}

type ClientTLSOptions struct {
	ServerRootCACert ByteArrayRef
	Domain           ByteArrayRef
	ClientCert       ByteArrayRef
	ClientPrivateKey ByteArrayRef
}

type ClientRetryOptions struct {
	InitialIntervalMillis uint64
	RandomizationFactor   float64
	Multiplier            float64
	MaxIntervalMillis     uint64
	MaxElapsedTimeMillis  uint64
	MaxRetries            uint64
}

type ClientOptions struct {
	TargetURL     ByteArrayRef
	ClientName    ByteArrayRef
	ClientVersion ByteArrayRef
	Metadata      ByteArrayRef
	Identity      ByteArrayRef
	TLSOptions    *ClientTLSOptions
	RetryOptions  *ClientRetryOptions
}

// RPCCallOptions describes one remote call. Rpc and Req must stay valid until
// the call's callback fires.
type RPCCallOptions struct {
	Rpc               ByteArrayRef
	Req               ByteArrayRef
	Metadata          ByteArrayRef
	CancellationToken CancellationToken
	TimeoutMillis     uint32
	Service           RPCService
	Retry             bool
}

type WorkerOptions struct {
	Namespace                               ByteArrayRef
	TaskQueue                               ByteArrayRef
	BuildID                                 ByteArrayRef
	IdentityOverride                        ByteArrayRef
	MaxCachedWorkflows                      uint32
	MaxOutstandingWorkflowTasks             uint32
	MaxOutstandingActivities                uint32
	MaxOutstandingLocalActivities           uint32
	StickyQueueScheduleToStartTimeoutMillis uint64
	MaxHeartbeatThrottleIntervalMillis      uint64
	DefaultHeartbeatThrottleIntervalMillis  uint64
	MaxActivitiesPerSecond                  float64
	MaxTaskQueueActivitiesPerSecond         float64
	GracefulShutdownPeriodMillis            uint64
	NoRemoteActivities                      bool
}

type TestServerOptions struct {
	ExistingPath    ByteArrayRef
	SDKName         ByteArrayRef
	SDKVersion      ByteArrayRef
	DownloadVersion ByteArrayRef
	DownloadDestDir ByteArrayRef
	ExtraArgs       ByteArrayRef // newline delimited
	Port            uint16
}

type DevServerOptions struct {
	TestServer       *TestServerOptions
	Namespace        ByteArrayRef
	IP               ByteArrayRef
	DatabaseFilename ByteArrayRef
	LogFormat        ByteArrayRef
	LogLevel         ByteArrayRef
	UI               bool
}

// Results of synchronous construction calls. Exactly one of the handle and
// Fail is set, except RuntimeOrFail which always carries a runtime so a
// failure buffer can be freed through it.

type RuntimeOrFail struct {
	Fail    *ByteArray
	Runtime Runtime
}

type WorkerOrFail struct {
	Fail   *ByteArray
	Worker Worker
}

type WorkerReplayerOrFail struct {
	Fail   *ByteArray
	Worker Worker
	Pusher WorkerReplayPusher
}

type WorkerReplayPushResult struct {
	Fail *ByteArray
}

// Command bridgectl drives the bridge from the command line: it starts
// ephemeral servers, issues raw RPC calls, starts workflows and runs a demo
// worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/subcommands"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/corebridge/bridge"
	"github.com/wippyai/corebridge/core"
)

// settings are the defaults every subcommand starts from. Flags override
// them.
type settings struct {
	target    string
	logLevel  string
	namespace string
	taskQueue string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadSettings() settings {
	return settings{
		target:    getenv("BRIDGECTL_TARGET", "127.0.0.1:7233"),
		logLevel:  getenv("BRIDGECTL_LOG_LEVEL", "warn"),
		namespace: getenv("BRIDGECTL_NAMESPACE", "default"),
		taskQueue: getenv("BRIDGECTL_TASK_QUEUE", "bridgectl"),
	}
}

func (s *settings) connFlags(f *flag.FlagSet) {
	f.StringVar(&s.target, "target", s.target, "server host:port (env BRIDGECTL_TARGET)")
	f.StringVar(&s.namespace, "namespace", s.namespace, "namespace (env BRIDGECTL_NAMESPACE)")
	s.logFlags(f)
}

func (s *settings) logFlags(f *flag.FlagSet) {
	f.StringVar(&s.logLevel, "log-level", s.logLevel, "log level: debug, info, warn, error (env BRIDGECTL_LOG_LEVEL)")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// session is an in-process core with one bridge runtime on top.
type session struct {
	log  *zap.Logger
	core *core.Engine
	rt   *bridge.Runtime
}

func openSession(ctx context.Context, s settings) (*session, error) {
	log, err := newLogger(s.logLevel)
	if err != nil {
		return nil, err
	}
	eng, err := core.New(ctx, core.Config{Logger: log.Named("core")})
	if err != nil {
		return nil, fmt.Errorf("start core: %w", err)
	}
	rt, err := bridge.NewRuntime(eng, bridge.RuntimeOptions{
		Logger:      log,
		LogFilter:   s.logLevel,
		ForwardLogs: true,
	})
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}
	return &session{log: log, core: eng, rt: rt}, nil
}

func (s *session) connect(ctx context.Context, target string) (*bridge.Client, error) {
	return s.rt.Connect(ctx, bridge.ClientOptions{
		TargetHost:    target,
		ClientName:    "bridgectl",
		ClientVersion: version,
	})
}

func (s *session) Close() {
	ctx := context.Background()
	if err := s.rt.Close(ctx); err != nil {
		s.log.Warn("runtime close", zap.Error(err))
	}
	if err := s.core.Close(ctx); err != nil {
		s.log.Warn("core close", zap.Error(err))
	}
	_ = s.log.Sync()
}

const version = "0.1.0"

func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

func main() {
	cfg := loadSettings()

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&devServerCmd{settings: cfg}, "servers")
	subcommands.Register(&rpcCmd{settings: cfg}, "client")
	subcommands.Register(&startCmd{settings: cfg}, "client")
	subcommands.Register(&workerCmd{settings: cfg}, "client")
	subcommands.Register(&tuiCmd{settings: cfg}, "client")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(int(subcommands.Execute(ctx)))
}

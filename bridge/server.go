package bridge

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

// TestServerOptions configures a test server, which also serves the
// time-skipping test service. ExistingPath and the download fields select
// a server executable; an in-process core accepts and ignores them.
type TestServerOptions struct {
	Port            int
	ExtraArgs       []string
	ExistingPath    string
	SDKName         string
	SDKVersion      string
	DownloadVersion string
	DownloadDestDir string
}

func (o *TestServerOptions) native() *abi.TestServerOptions {
	return &abi.TestServerOptions{
		ExistingPath:    abi.RefString(o.ExistingPath),
		SDKName:         abi.RefString(o.SDKName),
		SDKVersion:      abi.RefString(o.SDKVersion),
		DownloadVersion: abi.RefString(o.DownloadVersion),
		DownloadDestDir: abi.RefString(o.DownloadDestDir),
		ExtraArgs:       abi.RefString(strings.Join(o.ExtraArgs, "\n")),
		Port:            uint16(o.Port),
	}
}

// DevServerOptions configures a development server.
type DevServerOptions struct {
	TestServerOptions

	Namespace string
	IP        string
	// DatabaseFilename persists state; empty keeps it in memory.
	DatabaseFilename string
	LogFormat        string
	LogLevel         string
	UI               bool
}

// EphemeralServer is a short-lived local server. It keeps its runtime open
// until closed.
type EphemeralServer struct {
	rt     *Runtime
	handle abi.EphemeralServer
	target string
	live   keepAlive

	mu       sync.Mutex
	shutdown bool
	freed    bool
}

// StartDevServer starts a development server and returns once it accepts
// connections.
func (r *Runtime) StartDevServer(ctx context.Context, opts DevServerOptions) (*EphemeralServer, error) {
	native := &abi.DevServerOptions{
		TestServer:       opts.TestServerOptions.native(),
		Namespace:        abi.RefString(opts.Namespace),
		IP:               abi.RefString(opts.IP),
		DatabaseFilename: abi.RefString(opts.DatabaseFilename),
		LogFormat:        abi.RefString(opts.LogFormat),
		LogLevel:         abi.RefString(opts.LogLevel),
		UI:               opts.UI,
	}
	return r.startServer(ctx, native, func(ud abi.UserData) {
		r.core.EphemeralServerStartDevServer(r.handle, native, ud, r.onServerStart)
	})
}

// StartTestServer starts a test server.
func (r *Runtime) StartTestServer(ctx context.Context, opts TestServerOptions) (*EphemeralServer, error) {
	native := opts.native()
	return r.startServer(ctx, native, func(ud abi.UserData) {
		r.core.EphemeralServerStartTestServer(r.handle, native, ud, r.onServerStart)
	})
}

func (r *Runtime) startServer(ctx context.Context, pin any, start func(abi.UserData)) (*EphemeralServer, error) {
	if err := r.begin(errors.PhaseServer); err != nil {
		return nil, err
	}

	// The runtime hold taken by begin passes to the server on success.
	c := newCompletion[serverResult](r.calls)
	c.pin = []any{pin}
	c.discard = func(res serverResult) {
		if res.server != 0 {
			r.log.Warn("abandoning server started after its caller gave up", zap.String("target", res.target))
			r.core.EphemeralServerFree(res.server)
		}
		r.end()
	}
	ud, err := r.calls.register(c)
	if err != nil {
		r.end()
		return nil, err
	}
	start(ud)

	res, err := c.wait(ctx)
	if err != nil {
		return nil, errors.Cancelled(errors.PhaseServer, err)
	}
	if res.failed {
		r.end()
		return nil, errors.Construction(errors.PhaseServer, "ephemeral server", res.fail)
	}
	r.log.Info("ephemeral server started", zap.String("target", res.target))
	return &EphemeralServer{rt: r, handle: res.server, target: res.target}, nil
}

// Target is the server's "host:port".
func (s *EphemeralServer) Target() string {
	return s.target
}

// Shutdown stops the server.
func (s *EphemeralServer) Shutdown(ctx context.Context) error {
	if !s.live.acquire() {
		return errors.Closed(errors.PhaseServer, "ephemeral server")
	}

	c := newCompletion[callResult](s.rt.calls)
	c.onResolve = s.live.release
	ud, err := s.rt.calls.register(c)
	if err != nil {
		s.live.release()
		return err
	}
	s.rt.core.EphemeralServerShutdown(s.handle, ud, s.rt.onServerShutdown)

	res, err := c.wait(ctx)
	switch {
	case err != nil:
		return errors.Cancelled(errors.PhaseServer, err)
	case res.failed:
		return errors.Call(errors.PhaseServer, "ephemeral server", res.fail)
	}
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return nil
}

// Close frees the server. A server that was not shut down is abandoned and
// stopped by the native side.
func (s *EphemeralServer) Close() {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return
	}
	s.freed = true
	clean := s.shutdown
	s.mu.Unlock()

	s.live.seal()
	_ = s.live.wait(context.Background())
	if !clean {
		s.rt.log.Debug("abandoning ephemeral server", zap.String("target", s.target))
	}
	s.rt.core.EphemeralServerFree(s.handle)
	s.rt.end()
}

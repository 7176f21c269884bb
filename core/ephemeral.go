package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
	"github.com/wippyai/corebridge/devserver"
)

const serverShutdownTimeout = 10 * time.Second

// ephemeralServer is an in-process server started for local development or
// tests.
type ephemeralServer struct {
	rt       *runtime
	srv      *devserver.Server
	log      *zap.Logger
	shutOnce sync.Once
	shutErr  error
}

func (s *ephemeralServer) shutdown() error {
	s.shutOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		s.shutErr = s.srv.Shutdown(ctx)
		s.log.Info("ephemeral server stopped", zap.String("target", s.srv.Target()), zap.Error(s.shutErr))
	})
	return s.shutErr
}

// Drop implements handles.Dropper. A server abandoned without shutdown is
// stopped in the background.
func (s *ephemeralServer) Drop() {
	s.rt.e.spawn(func() { _ = s.shutdown() })
}

// serverConfig is a copy of the borrowed server options.
type serverConfig struct {
	dev          devserver.Config
	logLevel     string
	logFormat    string
	existingPath string
	sdk          string
	download     string
}

func copyTestServerOptions(o *abi.TestServerOptions, cfg *serverConfig) {
	if o == nil {
		return
	}
	cfg.dev.Port = int(o.Port)
	if args := strings.TrimSpace(o.ExtraArgs.String()); args != "" {
		cfg.dev.ExtraArgs = strings.Split(args, "\n")
	}
	cfg.existingPath = o.ExistingPath.String()
	if name := o.SDKName.String(); name != "" {
		cfg.sdk = name + "/" + o.SDKVersion.String()
	}
	if v := o.DownloadVersion.String(); v != "" {
		cfg.download = v + " -> " + o.DownloadDestDir.String()
	}
}

func copyDevServerOptions(o *abi.DevServerOptions) serverConfig {
	var cfg serverConfig
	if o == nil {
		return cfg
	}
	copyTestServerOptions(o.TestServer, &cfg)
	cfg.dev.Namespace = o.Namespace.String()
	cfg.dev.IP = o.IP.String()
	cfg.dev.DatabaseFilename = o.DatabaseFilename.String()
	cfg.dev.UI = o.UI
	cfg.logLevel = o.LogLevel.String()
	cfg.logFormat = o.LogFormat.String()
	return cfg
}

// EphemeralServerStartDevServer starts a development server asynchronously.
func (e *Engine) EphemeralServerStartDevServer(rh abi.Runtime, options *abi.DevServerOptions, userData abi.UserData, callback abi.EphemeralServerStartCallback) {
	e.startServer("ephemeral_server_start_dev_server", rh, copyDevServerOptions(options), userData, callback)
}

// EphemeralServerStartTestServer starts a test server, which also serves
// the time-skipping test service.
func (e *Engine) EphemeralServerStartTestServer(rh abi.Runtime, options *abi.TestServerOptions, userData abi.UserData, callback abi.EphemeralServerStartCallback) {
	var cfg serverConfig
	copyTestServerOptions(options, &cfg)
	cfg.dev.TestService = true
	e.startServer("ephemeral_server_start_test_server", rh, cfg, userData, callback)
}

func (e *Engine) startServer(op string, rh abi.Runtime, cfg serverConfig, userData abi.UserData, callback abi.EphemeralServerStartCallback) {
	rt, err := e.runtimeOf(rh)
	if err != nil {
		e.reportMisuse(op, err)
		e.spawn(func() {
			e.invoke(op, func() { callback(userData, 0, nil, e.staticBuffer(msgStaleHandle)) })
		})
		return
	}

	e.spawn(func() {
		fail := func(msg string) {
			f := e.failBuffer(rt.id, msg)
			e.invoke(op, func() { callback(userData, 0, nil, f) })
		}

		log := rt.log.Named("devserver")
		if cfg.logLevel != "" {
			level, err := parseLevel(cfg.logLevel)
			if err != nil {
				fail("invalid server log level: " + err.Error())
				return
			}
			log = log.WithOptions(levelFilter(level))
		}
		if cfg.existingPath != "" || cfg.download != "" {
			log.Info("server runs in-process; executable options ignored",
				zap.String("existing_path", cfg.existingPath),
				zap.String("download", cfg.download))
		}
		cfg.dev.Logger = log

		srv, err := devserver.Start(context.Background(), cfg.dev)
		if err != nil {
			fail("failed starting server: " + err.Error())
			return
		}
		s := &ephemeralServer{rt: rt, srv: srv, log: log}
		h, err := e.handles.Insert(handles.KindEphemeralServer, s)
		if err != nil {
			_ = s.shutdown()
			fail(err.Error())
			return
		}
		target, err := e.buffer(rt.id, []byte(srv.Target()))
		if err != nil {
			// The handle is live; hand it over without a target rather than
			// leaking a running server.
			log.Error("allocate target buffer", zap.Error(err))
		}
		log.Info("ephemeral server started",
			zap.String("target", srv.Target()),
			zap.String("sdk", cfg.sdk),
			zap.String("log_format", cfg.logFormat),
			zap.Bool("test_service", cfg.dev.TestService))
		e.invoke(op, func() { callback(userData, abi.EphemeralServer(h), target, nil) })
	})
}

// EphemeralServerShutdown stops a server asynchronously. Shutting down twice
// reports the first result again.
func (e *Engine) EphemeralServerShutdown(server abi.EphemeralServer, userData abi.UserData, callback abi.EphemeralServerShutdownCallback) {
	s, release, err := borrow[*ephemeralServer](e, uint64(server), handles.KindEphemeralServer)
	if err != nil {
		e.reportMisuse("ephemeral_server_shutdown", err)
		e.spawn(func() {
			e.invoke("ephemeral_server_shutdown", func() { callback(userData, e.staticBuffer(msgStaleHandle)) })
		})
		return
	}
	e.spawn(func() {
		err := s.shutdown()
		release()
		if err != nil {
			fail := e.failBuffer(s.rt.id, "failed shutting down server: "+err.Error())
			e.invoke("ephemeral_server_shutdown", func() { callback(userData, fail) })
			return
		}
		e.invoke("ephemeral_server_shutdown", func() { callback(userData, nil) })
	})
}

// EphemeralServerFree releases a server handle.
func (e *Engine) EphemeralServerFree(server abi.EphemeralServer) {
	if s, ok := drop[*ephemeralServer](e, "ephemeral_server_free", uint64(server), handles.KindEphemeralServer); ok {
		s.Drop()
	}
}

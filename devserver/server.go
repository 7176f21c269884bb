package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/coresdk"
	bridgeerrors "github.com/wippyai/corebridge/errors"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxRequestBytes   = 4 << 20
)

// call is one decoded RPC request.
type call struct {
	Metadata map[string]string
	Body     []byte
}

type rpcHandler func(ctx context.Context, c *call) ([]byte, *Failure)

// Server is a running development server.
type Server struct {
	cfg      Config
	log      *zap.Logger
	store    *Store
	queues   *Queues
	clock    *Clock
	metrics  *metrics
	router   *chi.Mux
	http     *http.Server
	listener net.Listener
	methods  map[string]rpcHandler
	served   chan struct{}
	mu       sync.Mutex
	stopped  bool
}

// Start opens the store, binds the listener and begins serving. The server
// runs until Shutdown.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger.With(zap.String("namespace", cfg.Namespace))
	if len(cfg.ExtraArgs) > 0 {
		log.Info("ignoring extra args", zap.Strings("args", cfg.ExtraArgs))
	}

	store, err := OpenStore(cfg.DatabaseFilename)
	if err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.addr())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.addr(), err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		queues:   NewQueues(log),
		clock:    newClock(),
		metrics:  newMetrics(),
		router:   chi.NewRouter(),
		listener: ln,
		served:   make(chan struct{}),
	}
	s.queues.onDispatch = s.metrics.dispatched
	s.registerMethods()
	s.routes()

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		defer close(s.served)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve", zap.Error(err))
		}
	}()

	s.log.Info("server listening", zap.String("addr", s.Target()), zap.Bool("test_service", cfg.TestService))
	return s, nil
}

// Target returns the host:port clients connect to.
func (s *Server) Target() string {
	return s.listener.Addr().String()
}

// Namespace returns the namespace the server accepts.
func (s *Server) Namespace() string {
	return s.cfg.Namespace
}

// Handler returns the HTTP handler, for serving through another listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown stops accepting requests, waits for in-flight requests up to ctx,
// then releases the queues and the store. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	// Close queues first so long polls return and Shutdown does not wait on them.
	err := s.queues.Close()
	err = multierr.Append(err, s.http.Shutdown(ctx))
	<-s.served
	err = multierr.Append(err, s.store.Close())
	s.log.Info("server stopped", zap.Error(err))
	return err
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", s.metrics.handler())
	if s.cfg.UI {
		s.router.Get("/ui", s.handleUI)
	}
	s.router.Post("/rpc/{service}/{method}", s.handleRPC)
}

func (s *Server) register(service, method string, h rpcHandler) {
	s.methods[service+"/"+method] = h
}

func metadataOf(h http.Header) map[string]string {
	md := make(map[string]string)
	for k, v := range h {
		if len(v) == 0 || !strings.HasPrefix(k, MetadataHeaderPrefix) {
			continue
		}
		md[strings.ToLower(strings.TrimPrefix(k, MetadataHeaderPrefix))] = v[0]
	}
	return md
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	service, method := chi.URLParam(r, "service"), chi.URLParam(r, "method")
	h, ok := s.methods[service+"/"+method]
	labelService, labelMethod := knownMethod(r, ok)
	if !ok {
		f := failuref(bridgeerrors.CodeUnimplemented, "unknown method %s/%s", service, method)
		s.metrics.observe(labelService, labelMethod, f.Code.String(), start)
		writeFailure(w, f.withDetails(map[string]any{"service": service, "method": method}))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		f := failuref(bridgeerrors.CodeInvalidArgument, "read request: %v", err)
		s.metrics.observe(labelService, labelMethod, f.Code.String(), start)
		writeFailure(w, f)
		return
	}

	resp, f := h(r.Context(), &call{Metadata: metadataOf(r.Header), Body: body})
	if f != nil {
		s.log.Debug("rpc failed",
			zap.String("service", service),
			zap.String("method", method),
			zap.Stringer("code", f.Code),
			zap.String("message", f.Message))
		s.metrics.observe(labelService, labelMethod, f.Code.String(), start)
		writeFailure(w, f)
		return
	}

	s.metrics.observe(labelService, labelMethod, bridgeerrors.CodeOK.String(), start)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := coresdk.Encode(w, coresdk.HealthCheckResponse{Status: "ok"}); err != nil {
		s.log.Error("encode healthz response", zap.Error(err))
	}
}

type uiStatus struct {
	Namespace   string         `json:"namespace"`
	Version     string         `json:"version"`
	Executions  map[string]int `json:"executions"`
	TestService bool           `json:"test_service"`
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountExecutions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = coresdk.Encode(w, uiStatus{
		Namespace:   s.cfg.Namespace,
		Version:     Version,
		Executions:  counts,
		TestService: s.cfg.TestService,
	})
}

// decode unmarshals a request body, mapping errors to InvalidArgument.
func decode(c *call, v any) *Failure {
	if len(c.Body) == 0 {
		return nil
	}
	if err := coresdk.Unmarshal(c.Body, v); err != nil {
		return failuref(bridgeerrors.CodeInvalidArgument, "malformed request: %v", err)
	}
	return nil
}

// encode marshals a response, mapping errors to Internal.
func encode(v any) ([]byte, *Failure) {
	b, err := coresdk.Marshal(v)
	if err != nil {
		return nil, failuref(bridgeerrors.CodeInternal, "encode response: %v", err)
	}
	return b, nil
}

func echo(_ context.Context, c *call) ([]byte, *Failure) {
	return c.Body, nil
}

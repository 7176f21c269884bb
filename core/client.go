package core

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
	"github.com/wippyai/corebridge/errors"
)

const connectTimeout = 10 * time.Second

// client is a connection to one server. Calls snapshot the metadata when
// they start; UpdateMetadata replaces it for later calls.
type client struct {
	rt        *runtime
	log       *zap.Logger
	transport *transport
	metadata  map[string]string
	identity  string
	retry     retryPolicy
	mu        sync.RWMutex
}

func (c *client) Drop() {
	c.transport.http.CloseIdleConnections()
}

func (c *client) snapshot(extra map[string]string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	md := make(map[string]string, len(c.metadata)+len(extra))
	for k, v := range c.metadata {
		md[k] = v
	}
	for k, v := range extra {
		md[k] = v
	}
	return md
}

// clientConfig is a copy of the borrowed connect options.
type clientConfig struct {
	target, name, version, identity string
	metadata                        map[string]string
	rootCA, domain, cert, key       []byte
	retry                           retryPolicy
}

func copyClientOptions(o *abi.ClientOptions) clientConfig {
	cfg := clientConfig{retry: defaultRetryPolicy()}
	if o == nil {
		return cfg
	}
	cfg.target = o.TargetURL.String()
	cfg.name = o.ClientName.String()
	cfg.version = o.ClientVersion.String()
	cfg.identity = o.Identity.String()
	cfg.metadata = abi.DecodeMetadata(o.Metadata.Data)
	if t := o.TLSOptions; t != nil {
		cfg.rootCA = t.ServerRootCACert.Copy()
		cfg.domain = t.Domain.Copy()
		cfg.cert = t.ClientCert.Copy()
		cfg.key = t.ClientPrivateKey.Copy()
	}
	if r := o.RetryOptions; r != nil {
		cfg.retry = retryPolicy{
			initial:       time.Duration(r.InitialIntervalMillis) * time.Millisecond,
			maxInterval:   time.Duration(r.MaxIntervalMillis) * time.Millisecond,
			maxElapsed:    time.Duration(r.MaxElapsedTimeMillis) * time.Millisecond,
			randomization: r.RandomizationFactor,
			multiplier:    r.Multiplier,
			maxRetries:    uint(r.MaxRetries),
		}
	}
	return cfg
}

// ClientConnect connects asynchronously and checks the server answers.
func (e *Engine) ClientConnect(rh abi.Runtime, options *abi.ClientOptions, userData abi.UserData, callback abi.ClientConnectCallback) {
	cfg := copyClientOptions(options)

	rt, err := e.runtimeOf(rh)
	if err != nil {
		e.reportMisuse("client_connect", err)
		e.spawn(func() {
			e.invoke("client_connect", func() { callback(userData, 0, e.staticBuffer(msgStaleHandle)) })
		})
		return
	}

	tlsEnabled := options != nil && options.TLSOptions != nil
	e.spawn(func() {
		c, err := e.connect(rt, cfg, tlsEnabled)
		if err != nil {
			rt.log.Warn("client connect failed", zap.String("target", cfg.target), zap.Error(err))
			fail := e.failBuffer(rt.id, "failed client connect: "+err.Error())
			e.invoke("client_connect", func() { callback(userData, 0, fail) })
			return
		}
		h, err := e.handles.Insert(handles.KindClient, c)
		if err != nil {
			fail := e.failBuffer(rt.id, err.Error())
			e.invoke("client_connect", func() { callback(userData, 0, fail) })
			return
		}
		c.log.Debug("client connected", zap.Uint64("handle", h))
		e.invoke("client_connect", func() { callback(userData, abi.Client(h), nil) })
	})
}

func (e *Engine) connect(rt *runtime, cfg clientConfig, secure bool) (*client, error) {
	base, err := baseURL(cfg.target, secure)
	if err != nil {
		return nil, err
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if secure {
		tlsCfg, err := newTLSConfig(cfg.rootCA, cfg.domain, cfg.cert, cfg.key)
		if err != nil {
			return nil, err
		}
		httpTransport.TLSClientConfig = tlsCfg
	}

	headers := map[string]string{}
	if cfg.name != "" {
		headers["X-Client-Name"] = cfg.name
	}
	if cfg.version != "" {
		headers["X-Client-Version"] = cfg.version
	}
	if cfg.identity != "" {
		headers["X-Identity"] = cfg.identity
	}

	c := &client{
		rt:  rt,
		log: rt.log.Named("client").With(zap.String("target", base)),
		transport: &transport{
			http:    &http.Client{Transport: httpTransport},
			base:    base,
			headers: headers,
		},
		metadata: cfg.metadata,
		identity: cfg.identity,
		retry:    cfg.retry,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if _, f := c.transport.call(ctx, "workflow", "GetSystemInfo", nil, c.snapshot(nil), 0, false, c.retry); f != nil {
		c.Drop()
		return nil, f
	}
	return c, nil
}

// ClientFree releases a client. Freeing a client with calls in flight is
// misuse and is refused.
func (e *Engine) ClientFree(cl abi.Client) {
	if c, ok := drop[*client](e, "client_free", uint64(cl), handles.KindClient); ok {
		c.Drop()
	}
}

// ClientUpdateMetadata replaces the client's metadata for subsequent calls.
func (e *Engine) ClientUpdateMetadata(cl abi.Client, metadata abi.ByteArrayRef) {
	c, err := lookup[*client](e, uint64(cl), handles.KindClient)
	if err != nil {
		e.reportMisuse("client_update_metadata", err)
		return
	}
	md := abi.DecodeMetadata(metadata.Data)
	c.mu.Lock()
	c.metadata = md
	c.mu.Unlock()
}

// ClientRPCCall performs one remote call asynchronously.
func (e *Engine) ClientRPCCall(cl abi.Client, options *abi.RPCCallOptions, userData abi.UserData, callback abi.ClientRPCCallCallback) {
	fail := func(code errors.Code, msg *abi.ByteArray) {
		e.spawn(func() {
			e.invoke("client_rpc_call", func() { callback(userData, nil, uint32(code), msg, nil) })
		})
	}
	if options == nil {
		e.reportMisuse("client_rpc_call", errors.InvalidInput(errors.PhaseRPC, "nil call options"))
		fail(errors.CodeInvalidArgument, e.staticBuffer(msgStaleHandle))
		return
	}

	c, release, err := borrow[*client](e, uint64(cl), handles.KindClient)
	if err != nil {
		e.reportMisuse("client_rpc_call", err)
		fail(errors.CodeFailedPrecondition, e.staticBuffer(msgStaleHandle))
		return
	}

	cancelCtx := context.Background()
	releaseToken := func() {}
	if tok := options.CancellationToken; tok != 0 {
		t, rel, err := borrow[*cancelToken](e, uint64(tok), handles.KindCancellationToken)
		if err != nil {
			release()
			e.reportMisuse("client_rpc_call", err)
			fail(errors.CodeInvalidArgument, e.failBuffer(c.rt.id, "cancellation token is stale"))
			return
		}
		cancelCtx, releaseToken = t.ctx, rel
	}

	service := options.Service
	method := options.Rpc.String()
	body := options.Req.Copy()
	md := c.snapshot(abi.DecodeMetadata(options.Metadata.Data))
	timeout := time.Duration(options.TimeoutMillis) * time.Millisecond
	retry := options.Retry

	e.spawn(func() {
		start := time.Now()
		var (
			out []byte
			f   *callFailure
		)
		if service < abi.RPCServiceWorkflow || service > abi.RPCServiceHealth {
			f = failure(errors.CodeInvalidArgument, "unknown service %d", service)
		} else {
			out, f = c.transport.call(cancelCtx, service.String(), method, body, md, timeout, retry, c.retry)
		}

		code := errors.CodeOK
		if f != nil {
			code = f.code
		}
		c.rt.metrics.observeRPC(service.String(), method, code.String(), start)

		// Unpin before the callback so the host may free right after it.
		releaseToken()
		release()

		if f == nil {
			success, err := e.buffer(c.rt.id, out)
			if err != nil {
				c.log.Error("allocate response buffer", zap.Error(err))
				msg := e.staticBuffer(msgHeapExhausted)
				e.invoke("client_rpc_call", func() { callback(userData, nil, uint32(errors.CodeResourceExhausted), msg, nil) })
				return
			}
			e.invoke("client_rpc_call", func() { callback(userData, success, 0, nil, nil) })
			return
		}

		var msg, details *abi.ByteArray
		if f.code == errors.CodeCanceled && f.message == msgCancelled {
			msg = e.staticBuffer(msgCancelled)
		} else {
			msg = e.failBuffer(c.rt.id, f.message)
		}
		if len(f.details) > 0 {
			details = e.failBuffer(c.rt.id, string(f.details))
		}
		c.log.Debug("rpc failed",
			zap.Stringer("service", service),
			zap.String("method", method),
			zap.Stringer("code", f.code),
			zap.String("message", f.message))
		e.invoke("client_rpc_call", func() { callback(userData, nil, uint32(f.code), msg, details) })
	})
}

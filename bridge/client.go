package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

const tracerName = "github.com/wippyai/corebridge/bridge"

// ClientOptions configures a connection.
type ClientOptions struct {
	// TargetHost is "host:port" or a full URL.
	TargetHost    string
	ClientName    string
	ClientVersion string
	Identity      string
	// Metadata is sent with every call until replaced by UpdateMetadata.
	Metadata map[string]string
	// TLS enables TLS when set.
	TLS *TLSOptions
	// Retry overrides the native retry policy for calls made with Retry.
	Retry *RetryOptions
}

// TLSOptions holds PEM encoded material.
type TLSOptions struct {
	ServerRootCACert []byte
	Domain           string
	ClientCert       []byte
	ClientPrivateKey []byte
}

// RetryOptions configures exponential backoff for retryable calls.
type RetryOptions struct {
	InitialInterval     time.Duration
	RandomizationFactor float64
	Multiplier          float64
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	MaxRetries          int
}

// Client is a connection to one server. It is safe for concurrent use. An
// open client keeps its runtime open.
type Client struct {
	rt     *Runtime
	handle abi.Client
	target string
	live   keepAlive
	once   sync.Once
}

// Connect connects to a server. If ctx ends first, the connection that
// eventually completes is closed.
func (r *Runtime) Connect(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.TargetHost == "" {
		return nil, errors.InvalidInput(errors.PhaseConnect, "target host is required")
	}
	if err := r.begin(errors.PhaseConnect); err != nil {
		return nil, err
	}

	native := &abi.ClientOptions{
		TargetURL:     abi.RefString(opts.TargetHost),
		ClientName:    abi.RefString(opts.ClientName),
		ClientVersion: abi.RefString(opts.ClientVersion),
		Identity:      abi.RefString(opts.Identity),
		Metadata:      abi.RefString(abi.EncodeMetadata(opts.Metadata)),
	}
	if t := opts.TLS; t != nil {
		native.TLSOptions = &abi.ClientTLSOptions{
			ServerRootCACert: abi.Ref(t.ServerRootCACert),
			Domain:           abi.RefString(t.Domain),
			ClientCert:       abi.Ref(t.ClientCert),
			ClientPrivateKey: abi.Ref(t.ClientPrivateKey),
		}
	}
	if p := opts.Retry; p != nil {
		native.RetryOptions = &abi.ClientRetryOptions{
			InitialIntervalMillis: uint64(p.InitialInterval.Milliseconds()),
			RandomizationFactor:   p.RandomizationFactor,
			Multiplier:            p.Multiplier,
			MaxIntervalMillis:     uint64(p.MaxInterval.Milliseconds()),
			MaxElapsedTimeMillis:  uint64(p.MaxElapsedTime.Milliseconds()),
			MaxRetries:            uint64(p.MaxRetries),
		}
	}

	// The runtime hold taken by begin passes to the client on success.
	c := newCompletion[connectResult](r.calls)
	c.discard = func(res connectResult) {
		if res.client != 0 {
			r.log.Warn("closing connection completed after its caller gave up", zap.String("target", opts.TargetHost))
			r.core.ClientFree(res.client)
		}
		r.end()
	}
	c.pin = []any{native}

	ud, err := r.calls.register(c)
	if err != nil {
		r.end()
		return nil, err
	}
	r.core.ClientConnect(r.handle, native, ud, r.onClientConnect)

	res, err := c.wait(ctx)
	if err != nil {
		return nil, errors.Cancelled(errors.PhaseConnect, err)
	}
	if res.failed {
		r.end()
		return nil, errors.Construction(errors.PhaseConnect, "client", res.fail)
	}
	r.log.Debug("client connected", zap.String("target", opts.TargetHost))
	return &Client{rt: r, handle: res.client, target: opts.TargetHost}, nil
}

// RPCRequest is one remote call.
type RPCRequest struct {
	Service abi.RPCService
	Method  string
	Request []byte
	// Retry lets the native side retry transient failures.
	Retry bool
	// Timeout of zero means none.
	Timeout time.Duration
	// Metadata is merged over the client metadata for this call only.
	Metadata map[string]string
	// Cancel attaches an explicit cancellation source. Without one, a
	// cancellable ctx gets a source of its own.
	Cancel *CancellationSource
}

// Call performs one remote call. A server or transport failure is returned
// as *errors.RPCError.
func (c *Client) Call(ctx context.Context, req RPCRequest) (_ []byte, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rpc "+req.Service.String()+"/"+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.service", req.Service.String()),
			attribute.String("rpc.method", req.Method),
			attribute.String("server.address", c.target),
		))
	defer func() {
		if err != nil {
			if rpcErr, ok := err.(*errors.RPCError); ok {
				span.SetAttributes(attribute.String("rpc.status_code", rpcErr.Code.String()))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req.Method == "" {
		return nil, errors.InvalidInput(errors.PhaseRPC, "method is required")
	}
	if !c.live.acquire() {
		return nil, errors.Closed(errors.PhaseRPC, "client")
	}

	src := req.Cancel
	waitCtx := ctx
	if src == nil && ctx.Done() != nil {
		own, err := c.rt.newCancellationSource(false)
		if err != nil {
			c.live.release()
			return nil, err
		}
		defer own.Close()
		stop := context.AfterFunc(ctx, own.Cancel)
		defer stop()
		// The call is cancelled natively, so wait for its answer.
		src, waitCtx = own, context.WithoutCancel(ctx)
	}

	var token abi.CancellationToken
	if src != nil {
		t, err := src.attach()
		if err != nil {
			c.live.release()
			return nil, err
		}
		token = t
	}

	opts := &abi.RPCCallOptions{
		Service:           req.Service,
		Rpc:               abi.RefString(req.Method),
		Req:               abi.Ref(req.Request),
		Metadata:          abi.RefString(abi.EncodeMetadata(req.Metadata)),
		Retry:             req.Retry,
		TimeoutMillis:     timeoutMillis(req.Timeout),
		CancellationToken: token,
	}

	done := newCompletion[rpcResult](c.rt.calls)
	done.onResolve = func() {
		if src != nil {
			src.detach()
		}
		c.live.release()
	}
	done.pin = []any{opts, req.Request}

	ud, err := c.rt.calls.register(done)
	if err != nil {
		done.onResolve()
		return nil, err
	}
	c.rt.core.ClientRPCCall(c.handle, opts, ud, c.rt.onRPCCall)

	res, err := done.wait(waitCtx)
	if err != nil {
		return nil, errors.Cancelled(errors.PhaseRPC, err)
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.data, nil
}

func timeoutMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

// UpdateMetadata replaces the client metadata. Calls already in flight keep
// the metadata they started with.
func (c *Client) UpdateMetadata(md map[string]string) error {
	blob := abi.EncodeMetadata(md)
	if !c.live.use(func() { c.rt.core.ClientUpdateMetadata(c.handle, abi.RefString(blob)) }) {
		return errors.Closed(errors.PhaseRPC, "client")
	}
	return nil
}

// Target returns the host the client connected to.
func (c *Client) Target() string {
	return c.target
}

// Close waits for outstanding calls and for every worker created from the
// client to be closed, then frees the client.
func (c *Client) Close() {
	c.once.Do(func() {
		c.live.seal()
		_ = c.live.wait(context.Background())
		c.rt.core.ClientFree(c.handle)
		c.rt.end()
	})
}

func (c *Client) String() string {
	return fmt.Sprintf("client(%s)", c.target)
}

package core

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wippyai/corebridge/coresdk"
	"github.com/wippyai/corebridge/devserver"
	"github.com/wippyai/corebridge/errors"
)

const maxResponseBytes = 16 << 20

// callFailure is the failure triple of one remote call.
type callFailure struct {
	message string
	details []byte
	code    errors.Code
}

func (f *callFailure) Error() string {
	return f.code.String() + ": " + f.message
}

func failure(code errors.Code, format string, args ...any) *callFailure {
	return &callFailure{code: code, message: fmt.Sprintf(format, args...)}
}

// retryable reports whether a failure is worth retrying when the caller
// asked for retries.
func retryable(code errors.Code) bool {
	switch code {
	case errors.CodeUnavailable, errors.CodeResourceExhausted, errors.CodeAborted:
		return true
	}
	return false
}

// retryPolicy is a client's exponential backoff configuration.
type retryPolicy struct {
	initial       time.Duration
	maxInterval   time.Duration
	maxElapsed    time.Duration
	randomization float64
	multiplier    float64
	maxRetries    uint
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		initial:       100 * time.Millisecond,
		maxInterval:   5 * time.Second,
		maxElapsed:    10 * time.Second,
		randomization: 0.2,
		multiplier:    1.5,
		maxRetries:    10,
	}
}

func (p retryPolicy) options() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.maxInterval
	b.RandomizationFactor = p.randomization
	b.Multiplier = p.multiplier
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxRetries + 1),
		backoff.WithMaxElapsedTime(p.maxElapsed),
	}
}

// transport speaks the server's HTTP RPC protocol.
type transport struct {
	http    *http.Client
	base    string
	headers map[string]string
}

func newTLSConfig(rootCA, domain, cert, key []byte) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: string(domain)}
	if len(rootCA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(rootCA) {
			return nil, goerrors.New("server root CA certificate is not valid PEM")
		}
		cfg.RootCAs = pool
	}
	if len(cert) > 0 || len(key) > 0 {
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// baseURL normalises a target such as "127.0.0.1:7233" into a URL.
func baseURL(target string, secure bool) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", goerrors.New("target host is required")
	}
	if strings.Contains(target, "://") {
		return strings.TrimRight(target, "/"), nil
	}
	if secure {
		return "https://" + target, nil
	}
	return "http://" + target, nil
}

func (t *transport) roundTrip(ctx context.Context, service, method string, body []byte, md map[string]string) ([]byte, *callFailure, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+devserver.RPCPath(service, method), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	for k, v := range md {
		req.Header.Set(devserver.MetadataHeaderPrefix+k, v)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return out, nil, nil
	}

	var f devserver.Failure
	if err := coresdk.Unmarshal(out, &f); err != nil || f.Code == errors.CodeOK {
		return nil, failure(errors.CodeUnknown, "unexpected HTTP status %d", resp.StatusCode), nil
	}
	return nil, &callFailure{code: f.Code, message: f.Message, details: f.Details}, nil
}

// call performs one remote call. cancelCtx carries the caller's cancellation
// token; timeout of zero means none.
func (t *transport) call(cancelCtx context.Context, service, method string, body []byte, md map[string]string,
	timeout time.Duration, retry bool, policy retryPolicy) ([]byte, *callFailure) {

	ctx := cancelCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(cancelCtx, timeout)
		defer cancel()
	}

	classify := func(err error) *callFailure {
		var f *callFailure
		switch {
		case goerrors.As(err, &f):
			return f
		case cancelCtx.Err() != nil:
			return failure(errors.CodeCanceled, msgCancelled)
		case goerrors.Is(ctx.Err(), context.DeadlineExceeded):
			return failure(errors.CodeDeadlineExceeded, "Deadline exceeded")
		default:
			return failure(errors.CodeUnavailable, "%v", err)
		}
	}

	op := func() ([]byte, error) {
		out, f, err := t.roundTrip(ctx, service, method, body, md)
		if err == nil && f == nil {
			return out, nil
		}
		if f == nil {
			f = classify(err)
		}
		if !retry || !retryable(f.code) {
			return nil, backoff.Permanent(f)
		}
		return nil, f
	}

	var (
		out []byte
		err error
	)
	if retry {
		out, err = backoff.Retry(ctx, op, policy.options()...)
	} else {
		out, err = op()
	}
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

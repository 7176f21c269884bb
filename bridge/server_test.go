package bridge

import (
	"strings"
	"testing"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/coresdk"
)

func TestStartDevServer(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	ctx := testContext(t)

	srv, err := r.StartDevServer(ctx, DevServerOptions{
		TestServerOptions: TestServerOptions{ExtraArgs: []string{"--dynamic-config-value", "foo=1"}},
		Namespace:         "dev",
		LogLevel:          "warn",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(srv.Target(), "127.0.0.1:") {
		t.Fatalf("target = %q", srv.Target())
	}

	c := connect(t, r, srv.Target())
	if _, err := c.Call(ctx, RPCRequest{
		Service: abi.RPCServiceWorkflow,
		Method:  "DescribeNamespace",
		Request: marshal(t, coresdk.DescribeNamespaceRequest{Namespace: "dev"}),
	}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	srv.Close()
	if err := srv.Shutdown(ctx); err == nil {
		t.Fatal("Shutdown after Close succeeded")
	}
	checkStats(t, r)
	checkCore(t, e)
}

func TestStartTestServer_CloseWithoutShutdown(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})
	ctx := testContext(t)

	srv, err := r.StartTestServer(ctx, TestServerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c := connect(t, r, srv.Target())
	b, err := c.Call(ctx, RPCRequest{Service: abi.RPCServiceTest, Method: "GetCurrentTime"})
	if err != nil {
		t.Fatal(err)
	}
	if now := unmarshal[coresdk.GetCurrentTimeResponse](t, b); now.TimeMs == 0 {
		t.Fatalf("time = %+v", now)
	}
	c.Close()
	srv.Close()
	checkCore(t, e)
}

func TestStartDevServer_InvalidIP(t *testing.T) {
	e := newTestCore(t)
	r := newTestRuntime(t, e, RuntimeOptions{})

	_, err := r.StartDevServer(testContext(t), DevServerOptions{IP: "not-an-ip"})
	if err == nil || !strings.Contains(err.Error(), "failed starting server") {
		t.Fatalf("err = %v", err)
	}
	checkStats(t, r)
	checkCore(t, e)
}

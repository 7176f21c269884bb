package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/wippyai/corebridge/bridge"
)

type devServerCmd struct {
	settings
	ip     string
	port   int
	dbFile string
	ui     bool
	test   bool
	extra  string
}

func (*devServerCmd) Name() string     { return "dev-server" }
func (*devServerCmd) Synopsis() string { return "runs an ephemeral server until interrupted" }
func (*devServerCmd) Usage() string {
	return `bridgectl dev-server [flags...]

Starts a development (or, with -test, a test) server and prints its target.

flags:
`
}

func (c *devServerCmd) SetFlags(f *flag.FlagSet) {
	c.logFlags(f)
	f.StringVar(&c.namespace, "namespace", c.namespace, "namespace served (env BRIDGECTL_NAMESPACE)")
	f.StringVar(&c.ip, "ip", "127.0.0.1", "address to bind")
	f.IntVar(&c.port, "port", 0, "port to bind; 0 picks a free one")
	f.StringVar(&c.dbFile, "db", "", "sqlite file for persistent state; empty keeps it in memory")
	f.BoolVar(&c.ui, "ui", false, "serve the /ui status page")
	f.BoolVar(&c.test, "test", false, "start a test server with the time-skipping service")
	f.StringVar(&c.extra, "extra-args", "", "comma separated extra server arguments")
}

func (c *devServerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	s, err := openSession(ctx, c.settings)
	if err != nil {
		return failf("%v", err)
	}
	defer s.Close()

	var extra []string
	if c.extra != "" {
		extra = strings.Split(c.extra, ",")
	}
	opts := bridge.TestServerOptions{Port: c.port, ExtraArgs: extra, SDKName: "bridgectl", SDKVersion: version}

	var srv *bridge.EphemeralServer
	if c.test {
		srv, err = s.rt.StartTestServer(ctx, opts)
	} else {
		srv, err = s.rt.StartDevServer(ctx, bridge.DevServerOptions{
			TestServerOptions: opts,
			Namespace:         c.namespace,
			IP:                c.ip,
			DatabaseFilename:  c.dbFile,
			LogLevel:          c.logLevel,
			UI:                c.ui,
		})
	}
	if err != nil {
		return failf("%v", err)
	}
	defer srv.Close()

	fmt.Printf("server listening on %s (namespace %q)\n", srv.Target(), c.namespace)
	fmt.Println("press ctrl+c to stop")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return failf("shutdown: %v", err)
	}
	return subcommands.ExitSuccess
}

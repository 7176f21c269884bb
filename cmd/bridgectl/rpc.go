package main

import (
	"context"
	goerrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/bridge"
	"github.com/wippyai/corebridge/devserver"
	"github.com/wippyai/corebridge/errors"
)

type metadataFlag map[string]string

func (m metadataFlag) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m metadataFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("metadata %q is not key=value", s)
	}
	m[k] = v
	return nil
}

type rpcCmd struct {
	settings
	service  string
	data     string
	timeout  time.Duration
	retry    bool
	metadata metadataFlag
}

func (*rpcCmd) Name() string     { return "rpc" }
func (*rpcCmd) Synopsis() string { return "performs one raw RPC call" }
func (*rpcCmd) Usage() string {
	return `bridgectl rpc [flags...] <method>

The request body is -data, or stdin when -data is "-".

flags:
`
}

func (c *rpcCmd) SetFlags(f *flag.FlagSet) {
	c.connFlags(f)
	c.metadata = metadataFlag{}
	f.StringVar(&c.service, "service", "workflow", "service: workflow, operator, test, health")
	f.StringVar(&c.data, "data", "", "request body")
	f.DurationVar(&c.timeout, "timeout", 10*time.Second, "call timeout")
	f.BoolVar(&c.retry, "retry", false, "retry transient failures")
	f.Var(c.metadata, "md", "call metadata key=value; repeatable")
}

func (c *rpcCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	service, ok := abi.ParseRPCService(c.service)
	if !ok {
		return failf("unknown service %q", c.service)
	}
	body := []byte(c.data)
	if c.data == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return failf("read stdin: %v", err)
		}
		body = b
	}

	s, err := openSession(ctx, c.settings)
	if err != nil {
		return failf("%v", err)
	}
	defer s.Close()
	client, err := s.connect(ctx, c.target)
	if err != nil {
		return failf("%v", err)
	}
	defer client.Close()

	out, err := client.Call(ctx, bridge.RPCRequest{
		Service:  service,
		Method:   f.Arg(0),
		Request:  body,
		Retry:    c.retry,
		Timeout:  c.timeout,
		Metadata: c.metadata,
	})
	if err != nil {
		printRPCError(err)
		return subcommands.ExitFailure
	}
	os.Stdout.Write(out)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		fmt.Println()
	}
	return subcommands.ExitSuccess
}

func printRPCError(err error) {
	var rpcErr *errors.RPCError
	if !goerrors.As(err, &rpcErr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s: %s\n", rpcErr.Code, rpcErr.Message)
	if details, derr := devserver.DecodeDetails(rpcErr.Details); derr == nil && len(details) > 0 {
		for k, v := range details {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", k, v)
		}
	}
}

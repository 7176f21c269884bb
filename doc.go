// Package corebridge connects a Go host to a native workflow-orchestration
// engine that performs all protocol, scheduling and durability work.
//
// The host never talks to the network itself. Every unit of work (client RPC
// calls, workflow activation and activity task polling, ephemeral server
// lifecycle, randomness) is delegated to opaque native handles, and results
// come back through callbacks invoked on threads the native side owns.
//
// # Architecture Overview
//
//	corebridge/          Root package with the native Memory and Allocator interfaces
//	├── abi/             Flat function table, handle types, borrowed/owned buffers
//	├── bridge/          Host-side bridge: handles, completions, client, worker loop
//	├── core/            In-process native engine implementing abi.Core
//	├── coresdk/         Activation/completion wire schema spoken by core
//	├── devserver/       Ephemeral orchestration server started by core
//	├── errors/          Structured error types
//	└── cmd/bridgectl/   Command line and interactive front end
//
// # Quick Start
//
//	eng, err := core.New(ctx, core.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	rt, err := bridge.NewRuntime(eng, bridge.RuntimeOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	client, err := rt.Connect(ctx, bridge.ClientOptions{TargetHost: "127.0.0.1:7233"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Call(ctx, bridge.RPCRequest{
//	    Service: abi.RPCServiceWorkflow,
//	    Method:  "GetSystemInfo",
//	    Timeout: 5 * time.Second,
//	})
//
// # Ownership
//
// Buffers passed into the native side are borrowed (abi.ByteArrayRef) and are
// only valid for the duration of the call. Buffers returned by the native side
// (abi.ByteArray) are owned by the host from the moment the callback fires and
// are released exactly once through the Runtime that produced them. The bridge
// copies them into Go memory at that point, so owned buffers never reach
// application code.
//
// # Thread Safety
//
// Runtime, Client and Worker are safe for concurrent use. Closing a handle
// waits until every call issued against it has resolved.
package corebridge

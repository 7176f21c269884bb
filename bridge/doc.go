// Package bridge is the host side of the native interop boundary.
//
// It turns the flat callback-based abi.Core table into blocking Go calls:
//
//	rt, err := bridge.NewRuntime(eng, bridge.RuntimeOptions{})
//	client, err := rt.Connect(ctx, bridge.ClientOptions{TargetHost: target})
//	resp, err := client.Call(ctx, bridge.RPCRequest{...})
//
// # Completions
//
// Every asynchronous native call is registered in the runtime's completion
// table before it is issued. The user-data token passed to the native side
// indexes that table; the callback takes the entry out exactly once and
// resolves it, from whatever goroutine the native side chose. A waiter whose
// context ends abandons its completion. The entry stays registered until the
// native side answers, and anything the late answer carries (a connected
// client, a started server, a polled task) is released or kept rather than
// leaked.
//
// # Buffers
//
// Owned buffers returned by the native side are copied into Go memory and
// freed inside the callback. Application code only sees []byte values.
//
// # Handles
//
// Runtime, Client, Worker and the other wrappers are safe for concurrent use.
// Closing one waits until every call issued against it has resolved; a call
// issued after Close fails with a KindClosed error.
//
// A handle keeps its parent open: clients, servers, generators, cancellation
// sources and replayers hold the runtime, and workers hold their client.
// Closing a parent therefore also waits for its children to be closed.
package bridge

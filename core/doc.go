// Package core is the native engine behind the bridge: an implementation of
// abi.Core that owns its goroutines, its handle table and its heap.
//
// Everything a host sees crosses the abi surface. Handles are opaque
// generation-checked integers, results are owned buffers allocated in a
// wazero linear memory that the host must copy out and free through the
// runtime, and asynchronous calls report back by invoking the host's
// callback exactly once on an engine goroutine.
//
// Behind that surface the engine does the real work: remote calls over HTTP
// with exponential backoff, long-polling workers with bounded concurrency
// and heartbeat throttling, replay workers, in-process ephemeral servers,
// seeded randomness, and per-runtime telemetry (zap logging, log forwarding
// to the host, Prometheus metrics).
//
// Misuse that a real native library would turn into memory corruption
// (double frees, frees through the wrong runtime, freeing a handle with
// calls outstanding, stale handles) is detected and counted in Stats
// instead.
package core

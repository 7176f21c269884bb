// Package errors provides structured error types for the bridge.
//
// Errors are categorized by Phase (which bridge operation failed) and Kind
// (construction failure, call failure, cancellation, misuse, fatal). The
// Error type carries the handle it concerns, a detail message and a cause
// chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhasePoll, errors.KindCall).
//		Handle("worker").
//		Detail("poll failed: %s", msg).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Construction(errors.PhaseConnect, "client", msg)
//	err := errors.Closed(errors.PhaseRPC, "client")
//
// Remote call failures are reported as *RPCError, which carries the status
// code, message and opaque details of the failed call.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors

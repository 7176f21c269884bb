package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates which bridge operation produced the error
type Phase string

const (
	PhaseRuntime   Phase = "runtime"   // runtime construction and teardown
	PhaseConnect   Phase = "connect"   // client connect
	PhaseRPC       Phase = "rpc"       // client rpc call
	PhaseWorker    Phase = "worker"    // worker construction
	PhasePoll      Phase = "poll"      // activation / activity task polls
	PhaseComplete  Phase = "complete"  // activation / activity task completions
	PhaseHeartbeat Phase = "heartbeat" // activity heartbeats
	PhaseShutdown  Phase = "shutdown"  // worker and server shutdown
	PhaseServer    Phase = "server"    // ephemeral server lifecycle
	PhaseReplay    Phase = "replay"    // replay worker
	PhaseRandom    Phase = "random"    // random handles
	PhaseCancel    Phase = "cancel"    // cancellation tokens
)

// Kind categorizes the error
type Kind string

const (
	KindConstruction Kind = "construction"
	KindCall         Kind = "call"
	KindCancelled    Kind = "cancelled"
	KindMisuse       Kind = "misuse"
	KindClosed       Kind = "closed"
	KindExhausted    Kind = "exhausted"
	KindUnresolved   Kind = "unresolved"
	KindFatal        Kind = "fatal"
	KindInvalidInput Kind = "invalid_input"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Handle string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Handle != "" {
		b.WriteString(" on ")
		b.WriteString(e.Handle)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Handle sets the name of the handle the error concerns
func (b *Builder) Handle(name string) *Builder {
	b.err.Handle = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Construction creates an error for a handle-creation call that returned a
// failure instead of a handle.
func Construction(phase Phase, handle, msg string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindConstruction,
		Handle: handle,
		Detail: msg,
	}
}

// Call creates an error for a poll/complete/heartbeat failure reported by the
// native side.
func Call(phase Phase, handle, msg string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCall,
		Handle: handle,
		Detail: msg,
	}
}

// Closed creates an error for a call issued against a handle that was freed
// or is being freed.
func Closed(phase Phase, handle string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Handle: handle,
		Detail: "handle is closed",
	}
}

// Misuse creates an error for a lifecycle transition issued out of order.
func Misuse(phase Phase, handle, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMisuse,
		Handle: handle,
		Detail: detail,
	}
}

// Exhausted creates a fatal resource exhaustion error.
func Exhausted(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindExhausted,
		Detail: detail,
	}
}

// Unresolved creates a fatal error for completions that never resolved.
func Unresolved(phase Phase, outstanding int64, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnresolved,
		Detail: fmt.Sprintf("%d native calls never resolved", outstanding),
		Cause:  cause,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Cancelled creates an error for a call aborted by its context or token.
func Cancelled(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCancelled,
		Detail: "call cancelled",
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// IsFatal reports whether err is unrecoverable for the runtime that produced it.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindExhausted, KindUnresolved, KindFatal:
		return true
	}
	return false
}

// IsCancelled reports whether err is a cancellation-flavored failure, either
// a bridge-side cancellation or an RPC that the native side aborted because
// its token was cancelled.
func IsCancelled(err error) bool {
	var rpc *RPCError
	if errors.As(err, &rpc) {
		return rpc.Code == CodeCanceled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindCancelled
	}
	return false
}

package abi

// Handle is an opaque reference to a native resource. Handle 0 is null.
type Handle uint64

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool { return h == 0 }

// Opaque handle types. Each is created and freed by its own pair of calls.
type (
	Runtime            Handle
	Client             Handle
	Worker             Handle
	WorkerReplayPusher Handle
	EphemeralServer    Handle
	Random             Handle
	CancellationToken  Handle
)

// UserData is the opaque token the host passes with an asynchronous call and
// receives back in the callback.
type UserData uint64

// RPCService selects the remote service a client call is routed to.
type RPCService uint8

const (
	RPCServiceWorkflow RPCService = iota + 1
	RPCServiceOperator
	RPCServiceTest
	RPCServiceHealth
)

func (s RPCService) String() string {
	switch s {
	case RPCServiceWorkflow:
		return "workflow"
	case RPCServiceOperator:
		return "operator"
	case RPCServiceTest:
		return "test"
	case RPCServiceHealth:
		return "health"
	default:
		return "unknown"
	}
}

// ParseRPCService maps a service name to its selector.
func ParseRPCService(name string) (RPCService, bool) {
	for s := RPCServiceWorkflow; s <= RPCServiceHealth; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

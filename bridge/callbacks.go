package bridge

import (
	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

// Results delivered by the static callbacks. Owned buffers are already
// copied and freed; failed reports whether the native side sent a failure
// buffer.

type connectResult struct {
	client abi.Client
	fail   string
	failed bool
}

type rpcResult struct {
	data []byte
	err  *errors.RPCError
}

type pollResult struct {
	data     []byte
	fail     string
	failed   bool
	shutdown bool
}

type callResult struct {
	fail   string
	failed bool
}

type serverResult struct {
	server abi.EphemeralServer
	target string
	fail   string
	failed bool
}

// resolve hands result to the completion registered under userData. An
// unknown token means the native side answered twice or with a token it
// was never given; the result is dropped after its buffers were freed.
func (r *Runtime) resolve(op string, userData abi.UserData, result any) {
	p, ok := r.calls.take(userData)
	if !ok {
		r.log.Error("callback for unknown completion", zap.String("op", op), zap.Uint64("user_data", uint64(userData)))
		return
	}
	p.deliver(result)
}

func (r *Runtime) onClientConnect(userData abi.UserData, success abi.Client, fail *abi.ByteArray) {
	res := connectResult{client: success}
	if fail != nil {
		res.fail, res.failed = r.takeString(fail), true
	}
	r.resolve("client_connect", userData, res)
}

func (r *Runtime) onRPCCall(userData abi.UserData, success *abi.ByteArray, statusCode uint32, failureMessage, failureDetails *abi.ByteArray) {
	var res rpcResult
	if success != nil {
		res.data = r.take(success)
	}
	if statusCode != 0 || failureMessage != nil {
		res.err = &errors.RPCError{
			Code:    errors.Code(statusCode),
			Message: r.takeString(failureMessage),
			Details: r.take(failureDetails),
		}
	} else if failureDetails != nil {
		r.take(failureDetails)
	}
	r.resolve("client_rpc_call", userData, res)
}

func (r *Runtime) onPoll(userData abi.UserData, success, fail *abi.ByteArray) {
	var res pollResult
	switch {
	case fail != nil:
		res.fail, res.failed = r.takeString(fail), true
		r.take(success)
	case success != nil:
		res.data = r.take(success)
	default:
		res.shutdown = true
	}
	r.resolve("worker_poll", userData, res)
}

func (r *Runtime) onWorker(userData abi.UserData, fail *abi.ByteArray) {
	var res callResult
	if fail != nil {
		res.fail, res.failed = r.takeString(fail), true
	}
	r.resolve("worker_call", userData, res)
}

func (r *Runtime) onServerStart(userData abi.UserData, success abi.EphemeralServer, successTarget, fail *abi.ByteArray) {
	res := serverResult{server: success, target: string(r.take(successTarget))}
	if fail != nil {
		res.fail, res.failed = r.takeString(fail), true
	}
	r.resolve("ephemeral_server_start", userData, res)
}

func (r *Runtime) onServerShutdown(userData abi.UserData, fail *abi.ByteArray) {
	var res callResult
	if fail != nil {
		res.fail, res.failed = r.takeString(fail), true
	}
	r.resolve("ephemeral_server_shutdown", userData, res)
}

package core

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
)

// Messages handed out as static buffers. They are allocated once per engine
// and marked DisableFree.
const (
	msgCancelled      = "Cancelled"
	msgHeapExhausted  = "native heap exhausted"
	msgWorkerShutdown = "Worker shutting down"
	msgStaleHandle    = "handle is stale or was freed"
)

// buffer copies data into a new owned buffer belonging to runtime owner.
func (e *Engine) buffer(owner uint64, data []byte) (*abi.ByteArray, error) {
	ptr, capacity, err := e.heap.Put(owner, data)
	if err != nil {
		return nil, err
	}
	return &abi.ByteArray{Data: ptr, Size: uint32(len(data)), Cap: capacity}, nil
}

// staticBuffer returns the engine-lifetime buffer holding msg.
func (e *Engine) staticBuffer(msg string) *abi.ByteArray {
	if v, ok := e.static.Load(msg); ok {
		return &abi.ByteArray{Data: v.(uint32), Size: uint32(len(msg)), Cap: uint32(len(msg)), DisableFree: true}
	}
	ptr, err := e.heap.PutStatic([]byte(msg))
	if err != nil {
		// Nothing left to report through; an absent buffer is still a
		// well-formed result.
		e.log.Error("allocate static buffer", zap.Error(err))
		return nil
	}
	actual, _ := e.static.LoadOrStore(msg, ptr)
	return &abi.ByteArray{Data: actual.(uint32), Size: uint32(len(msg)), Cap: uint32(len(msg)), DisableFree: true}
}

// failBuffer returns an owned buffer with msg, falling back to a static
// exhaustion message when the heap is full.
func (e *Engine) failBuffer(owner uint64, msg string) *abi.ByteArray {
	b, err := e.buffer(owner, []byte(msg))
	if err != nil {
		e.log.Error("allocate failure buffer", zap.Error(err), zap.String("message", msg))
		return e.staticBuffer(msgHeapExhausted)
	}
	return b
}

// ByteArrayFree releases an owned buffer through the runtime that owns it.
func (e *Engine) ByteArrayFree(rh abi.Runtime, bytes *abi.ByteArray) {
	if bytes == nil {
		return
	}
	if _, err := e.handles.Get(uint64(rh), handles.KindRuntime); err != nil {
		e.reportMisuse("byte_array_free", fmt.Errorf("runtime %#x: %w", uint64(rh), err))
		return
	}
	if err := e.heap.Release(uint64(rh), bytes.Data); err != nil {
		e.reportMisuse("byte_array_free", err)
	}
}

// Package heap is the native address space: a wazero linear memory carved
// into size-class blocks. Every block records the runtime that owns it so
// frees can be checked, and every misuse (double free, foreign free, free of
// a static block) is counted instead of corrupting memory.
package heap

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var (
	ErrExhausted  = errors.New("native heap exhausted")
	ErrDoubleFree = errors.New("free of unknown or already freed block")
	ErrForeign    = errors.New("free through a runtime that does not own the block")
	ErrStatic     = errors.New("free of a static block")
	ErrClosed     = errors.New("native heap closed")
)

const (
	pageSize = 65536
	// Address 0 is null; the first block starts above it.
	baseAddr     = 16
	minClass     = 16
	defaultPages = 1024
)

// memoryModule is a minimal core module whose only content is one exported
// linear memory with a minimum of one page:
//
//	(module (memory (export "memory") 1))
var memoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

// Config controls the heap size.
type Config struct {
	// MaxPages bounds the linear memory in 64KiB pages.
	// 0 means default (1024 pages = 64MB).
	MaxPages uint32
}

// Stats is a snapshot of heap accounting.
type Stats struct {
	Live       int64 // blocks currently allocated, static blocks excluded
	LiveBytes  int64
	Allocs     int64
	Frees      int64
	Static     int64
	Violations int64
}

type block struct {
	owner  uint64
	class  uint32
	size   uint32
	static bool
}

// Heap is safe for concurrent use.
type Heap struct {
	runtime wazero.Runtime
	mem     api.Memory
	blocks  map[uint32]block
	free    map[uint32][]uint32
	stats   Stats
	mu      sync.Mutex
	top     uint32
	closed  bool
}

// New instantiates the backing linear memory.
func New(ctx context.Context, cfg Config) (*Heap, error) {
	pages := cfg.MaxPages
	if pages == 0 {
		pages = defaultPages
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithMemoryLimitPages(pages))
	mod, err := rt.InstantiateWithConfig(ctx, memoryModule, wazero.NewModuleConfig().WithName("native-heap"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate heap memory: %w", err)
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		_ = rt.Close(ctx)
		return nil, errors.New("heap module exports no memory")
	}

	return &Heap{
		runtime: rt,
		mem:     mem,
		blocks:  make(map[uint32]block),
		free:    make(map[uint32][]uint32),
		top:     baseAddr,
	}, nil
}

// Close releases the linear memory. Outstanding blocks become unreadable.
func (h *Heap) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

func classFor(size uint32) uint32 {
	if size <= minClass {
		return minClass
	}
	return 1 << (32 - bits.LeadingZeros32(size-1))
}

// allocLocked must be called with the lock held.
func (h *Heap) allocLocked(size uint32) (uint32, uint32, error) {
	if h.closed {
		return 0, 0, ErrClosed
	}
	class := classFor(size)
	if list := h.free[class]; len(list) > 0 {
		ptr := list[len(list)-1]
		h.free[class] = list[:len(list)-1]
		return ptr, class, nil
	}

	ptr := h.top
	end := uint64(ptr) + uint64(class)
	if end > uint64(h.mem.Size()) {
		need := (end - uint64(h.mem.Size()) + pageSize - 1) / pageSize
		if _, ok := h.mem.Grow(uint32(need)); !ok {
			return 0, 0, fmt.Errorf("%w: need %d bytes", ErrExhausted, class)
		}
	}
	h.top = uint32(end)
	return ptr, class, nil
}

// Put copies data into a fresh block owned by owner and returns its address
// and capacity. Empty data still gets a block so the result is non-null.
func (h *Heap) Put(owner uint64, data []byte) (ptr, capacity uint32, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ptr, class, err := h.allocLocked(uint32(len(data)))
	if err != nil {
		return 0, 0, err
	}
	if len(data) > 0 && !h.mem.Write(ptr, data) {
		h.free[class] = append(h.free[class], ptr)
		return 0, 0, fmt.Errorf("heap write out of bounds: offset=%d, length=%d", ptr, len(data))
	}
	h.blocks[ptr] = block{owner: owner, class: class, size: uint32(len(data))}
	h.stats.Allocs++
	h.stats.Live++
	h.stats.LiveBytes += int64(class)
	return ptr, class, nil
}

// PutStatic copies data into a block that is never freed. Static blocks back
// values the native side hands out with DisableFree set.
func (h *Heap) PutStatic(data []byte) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ptr, class, err := h.allocLocked(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if len(data) > 0 && !h.mem.Write(ptr, data) {
		return 0, fmt.Errorf("heap write out of bounds: offset=%d, length=%d", ptr, len(data))
	}
	h.blocks[ptr] = block{class: class, size: uint32(len(data)), static: true}
	h.stats.Static++
	return ptr, nil
}

// Release frees a block on behalf of owner. Misuse is counted and reported
// but never touches memory.
func (h *Heap) Release(owner uint64, ptr uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[ptr]
	switch {
	case !ok:
		h.stats.Violations++
		return fmt.Errorf("%w: address %d", ErrDoubleFree, ptr)
	case b.static:
		h.stats.Violations++
		return fmt.Errorf("%w: address %d", ErrStatic, ptr)
	case b.owner != owner:
		h.stats.Violations++
		return fmt.Errorf("%w: address %d", ErrForeign, ptr)
	}

	delete(h.blocks, ptr)
	h.free[b.class] = append(h.free[b.class], ptr)
	h.stats.Frees++
	h.stats.Live--
	h.stats.LiveBytes -= int64(b.class)
	return nil
}

// LiveFor returns the number of live blocks owned by owner.
func (h *Heap) LiveFor(owner uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, b := range h.blocks {
		if !b.static && b.owner == owner {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the accounting counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Read copies length bytes out of native memory.
func (h *Heap) Read(offset uint32, length uint32) ([]byte, error) {
	if offset == 0 {
		return nil, errors.New("read through null address")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	view, ok := h.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("memory read out of bounds: offset=%d, length=%d", offset, length)
	}
	return append([]byte{}, view...), nil
}

// Package handles is the native side's registry of opaque handles.
//
// A handle packs a slot index and a generation: gen<<32 | index+1. Freed
// slots are reused, but with a new generation, so a stale handle never
// resolves to the resource that replaced it.
package handles

import (
	"errors"
	"sync"
)

var (
	ErrClosed            = errors.New("handle table closed")
	ErrStale             = errors.New("stale or unknown handle")
	ErrWrongKind         = errors.New("handle refers to a different kind of resource")
	ErrOutstandingBorrow = errors.New("cannot drop handle with outstanding borrows")
)

// Kind tags the resource type a handle was issued for.
type Kind uint8

const (
	KindRuntime Kind = iota + 1
	KindClient
	KindWorker
	KindReplayPusher
	KindEphemeralServer
	KindRandom
	KindCancellationToken
)

func (k Kind) String() string {
	switch k {
	case KindRuntime:
		return "runtime"
	case KindClient:
		return "client"
	case KindWorker:
		return "worker"
	case KindReplayPusher:
		return "replay_pusher"
	case KindEphemeralServer:
		return "ephemeral_server"
	case KindRandom:
		return "random"
	case KindCancellationToken:
		return "cancellation_token"
	default:
		return "unknown"
	}
}

// Dropper is optionally implemented by values that need cleanup when the
// table is closed with them still registered.
type Dropper interface {
	Drop()
}

// EventType identifies a lifecycle notification.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

// Event is a lifecycle notification delivered to observers.
type Event struct {
	Value  any
	Handle uint64
	Kind   Kind
	Type   EventType
}

// Observer receives lifecycle notifications. It is called with the table
// lock released.
type Observer interface {
	OnHandleEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnHandleEvent(e Event) { f(e) }

type entry struct {
	value   any
	gen     uint32
	borrows uint32
	kind    Kind
	valid   bool
}

// Table is a goroutine-safe handle registry.
type Table struct {
	entries   []entry
	freeList  []uint32
	observers []Observer
	mu        sync.RWMutex
	closed    bool
}

// New creates an empty table.
func New() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
	}
}

func pack(idx, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx+1)
}

func unpack(h uint64) (idx, gen uint32, ok bool) {
	lo := uint32(h)
	if lo == 0 {
		return 0, 0, false
	}
	return lo - 1, uint32(h >> 32), true
}

// Subscribe adds an observer.
func (t *Table) Subscribe(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

func (t *Table) notify(e Event) {
	t.mu.RLock()
	obs := t.observers
	t.mu.RUnlock()
	for _, o := range obs {
		o.OnHandleEvent(e)
	}
}

// Insert registers value and returns its handle.
func (t *Table) Insert(kind Kind, value any) (uint64, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}

	var idx uint32
	if n := len(t.freeList); n > 0 {
		idx = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		t.entries = append(t.entries, entry{})
		idx = uint32(len(t.entries) - 1)
	}

	e := &t.entries[idx]
	e.gen++
	e.value = value
	e.kind = kind
	e.borrows = 0
	e.valid = true
	h := pack(idx, e.gen)
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h, Kind: kind, Value: value})
	return h, nil
}

// lookup must be called with the lock held.
func (t *Table) lookup(h uint64, kind Kind) (*entry, error) {
	idx, gen, ok := unpack(h)
	if !ok || int(idx) >= len(t.entries) {
		return nil, ErrStale
	}
	e := &t.entries[idx]
	if !e.valid || e.gen != gen {
		return nil, ErrStale
	}
	if e.kind != kind {
		return nil, ErrWrongKind
	}
	return e, nil
}

// Get returns the value registered under h.
func (t *Table) Get(h uint64, kind Kind) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, err := t.lookup(h, kind)
	if err != nil {
		return nil, err
	}
	return e.value, nil
}

// Borrow returns the value and pins it until Return is called. A pinned
// handle cannot be dropped.
func (t *Table) Borrow(h uint64, kind Kind) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.lookup(h, kind)
	if err != nil {
		return nil, err
	}
	e.borrows++
	return e.value, nil
}

// Return releases a pin taken by Borrow.
func (t *Table) Return(h uint64, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, err := t.lookup(h, kind); err == nil && e.borrows > 0 {
		e.borrows--
	}
}

// Drop unregisters h and returns its value.
func (t *Table) Drop(h uint64, kind Kind) (any, error) {
	t.mu.Lock()
	e, err := t.lookup(h, kind)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if e.borrows > 0 {
		t.mu.Unlock()
		return nil, ErrOutstandingBorrow
	}

	value := e.value
	e.value = nil
	e.valid = false
	idx, _, _ := unpack(h)
	t.freeList = append(t.freeList, idx)
	t.mu.Unlock()

	t.notify(Event{Type: EventDropped, Handle: h, Kind: kind, Value: value})
	return value, nil
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if e.valid {
			n++
		}
	}
	return n
}

// Count returns the number of live handles of one kind.
func (t *Table) Count(kind Kind) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if e.valid && e.kind == kind {
			n++
		}
	}
	return n
}

// Each iterates over live handles until fn returns false.
func (t *Table) Each(fn func(h uint64, kind Kind, value any) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, e := range t.entries {
		if e.valid {
			if !fn(pack(uint32(i), e.gen), e.kind, e.value) {
				break
			}
		}
	}
}

// Close drops every remaining value, calling Drop on those that implement
// Dropper, and refuses further inserts.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var droppers []Dropper
	for i := range t.entries {
		e := &t.entries[i]
		if e.valid {
			if d, ok := e.value.(Dropper); ok {
				droppers = append(droppers, d)
			}
			e.valid = false
			e.value = nil
		}
	}
	t.entries = nil
	t.freeList = nil
	t.mu.Unlock()

	for _, d := range droppers {
		d.Drop()
	}
	return nil
}

// Lookup is a typed Get.
func Lookup[T any](t *Table, h uint64, kind Kind) (T, error) {
	var zero T
	v, err := t.Get(h, kind)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, ErrWrongKind
	}
	return typed, nil
}

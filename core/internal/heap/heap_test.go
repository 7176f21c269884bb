package heap

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wippyai/corebridge"
)

var _ corebridge.Memory = (*Heap)(nil)

func newHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	h, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHeap_PutReadRelease(t *testing.T) {
	h := newHeap(t, Config{})

	ptr, capacity, err := h.Put(7, []byte("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ptr == 0 || capacity < 5 {
		t.Fatalf("Unexpected block ptr=%d cap=%d", ptr, capacity)
	}

	got, err := h.Read(ptr, 5)
	if err != nil || string(got) != "hello" {
		t.Fatalf("Read = %q, %v", got, err)
	}

	if h.LiveFor(7) != 1 {
		t.Fatalf("Expected 1 live block for owner, got %d", h.LiveFor(7))
	}
	if err := h.Release(7, ptr); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	st := h.Stats()
	if st.Live != 0 || st.Allocs != 1 || st.Frees != 1 || st.Violations != 0 {
		t.Fatalf("Unexpected stats %+v", st)
	}
}

func TestHeap_ReadIsACopy(t *testing.T) {
	h := newHeap(t, Config{})
	ptr, _, _ := h.Put(1, []byte("abc"))

	got, _ := h.Read(ptr, 3)
	got[0] = 'x'
	again, _ := h.Read(ptr, 3)
	if string(again) != "abc" {
		t.Fatalf("Read returned a live view: %q", again)
	}
}

func TestHeap_Violations(t *testing.T) {
	h := newHeap(t, Config{})

	ptr, _, _ := h.Put(1, []byte("x"))
	if err := h.Release(2, ptr); !errors.Is(err, ErrForeign) {
		t.Fatalf("Expected ErrForeign, got %v", err)
	}
	if err := h.Release(1, ptr); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(1, ptr); !errors.Is(err, ErrDoubleFree) {
		t.Fatalf("Expected ErrDoubleFree, got %v", err)
	}

	sptr, err := h.PutStatic([]byte("static"))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Release(0, sptr); !errors.Is(err, ErrStatic) {
		t.Fatalf("Expected ErrStatic, got %v", err)
	}

	st := h.Stats()
	if st.Violations != 3 || st.Static != 1 || st.Live != 0 {
		t.Fatalf("Unexpected stats %+v", st)
	}
}

func TestHeap_ReusesFreedBlocks(t *testing.T) {
	h := newHeap(t, Config{})

	p1, _, _ := h.Put(1, make([]byte, 100))
	_ = h.Release(1, p1)
	p2, _, _ := h.Put(1, make([]byte, 120))
	if p1 != p2 {
		t.Fatalf("Expected same size class to reuse %d, got %d", p1, p2)
	}
}

func TestHeap_GrowsAndExhausts(t *testing.T) {
	h := newHeap(t, Config{MaxPages: 2})

	big := bytes.Repeat([]byte{1}, 40000)
	if _, _, err := h.Put(1, big); err != nil {
		t.Fatalf("first block should fit after growth: %v", err)
	}
	if _, _, err := h.Put(1, big); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Expected ErrExhausted, got %v", err)
	}
}

func TestHeap_EmptyBlockIsNonNull(t *testing.T) {
	h := newHeap(t, Config{})
	ptr, _, err := h.Put(1, nil)
	if err != nil || ptr == 0 {
		t.Fatalf("Put(nil) = %d, %v", ptr, err)
	}
}

func TestHeap_Concurrent(t *testing.T) {
	h := newHeap(t, Config{})
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner uint64) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				ptr, _, err := h.Put(owner, []byte("payload"))
				if err != nil {
					t.Error(err)
					return
				}
				if got, _ := h.Read(ptr, 7); string(got) != "payload" {
					t.Errorf("corrupted read %q", got)
					return
				}
				if err := h.Release(owner, ptr); err != nil {
					t.Error(err)
					return
				}
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	st := h.Stats()
	if st.Live != 0 || st.Violations != 0 || st.Allocs != 4000 {
		t.Fatalf("Unexpected stats %+v", st)
	}
}

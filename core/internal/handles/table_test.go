package handles

import (
	"errors"
	"sync"
	"testing"
)

func TestTable_Basic(t *testing.T) {
	tbl := New()

	h, err := tbl.Insert(KindClient, "client")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-null handle")
	}

	v, err := tbl.Get(h, KindClient)
	if err != nil || v != "client" {
		t.Fatalf("Get = %v, %v", v, err)
	}

	if _, err := tbl.Get(h, KindWorker); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("Expected ErrWrongKind, got %v", err)
	}

	v, err = tbl.Drop(h, KindClient)
	if err != nil || v != "client" {
		t.Fatalf("Drop = %v, %v", v, err)
	}

	if _, err := tbl.Get(h, KindClient); !errors.Is(err, ErrStale) {
		t.Fatalf("Expected ErrStale after drop, got %v", err)
	}
	if _, err := tbl.Drop(h, KindClient); !errors.Is(err, ErrStale) {
		t.Fatalf("Expected double drop to fail with ErrStale, got %v", err)
	}
}

func TestTable_GenerationPreventsStaleReuse(t *testing.T) {
	tbl := New()

	h1, _ := tbl.Insert(KindRandom, 1)
	if _, err := tbl.Drop(h1, KindRandom); err != nil {
		t.Fatal(err)
	}
	h2, _ := tbl.Insert(KindRandom, 2)

	if uint32(h1) != uint32(h2) {
		t.Fatalf("Expected slot reuse, got %x and %x", h1, h2)
	}
	if h1 == h2 {
		t.Fatal("Expected a new generation on reuse")
	}
	if _, err := tbl.Get(h1, KindRandom); !errors.Is(err, ErrStale) {
		t.Fatalf("Stale handle resolved: %v", err)
	}
	if v, _ := tbl.Get(h2, KindRandom); v != 2 {
		t.Fatalf("Expected 2, got %v", v)
	}
}

func TestTable_BorrowBlocksDrop(t *testing.T) {
	tbl := New()
	h, _ := tbl.Insert(KindWorker, "w")

	if _, err := tbl.Borrow(h, KindWorker); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Drop(h, KindWorker); !errors.Is(err, ErrOutstandingBorrow) {
		t.Fatalf("Expected ErrOutstandingBorrow, got %v", err)
	}

	tbl.Return(h, KindWorker)
	if _, err := tbl.Drop(h, KindWorker); err != nil {
		t.Fatalf("Drop after return failed: %v", err)
	}
}

func TestTable_Observer(t *testing.T) {
	tbl := New()
	var events []EventType
	tbl.Subscribe(ObserverFunc(func(e Event) { events = append(events, e.Type) }))

	h, _ := tbl.Insert(KindRuntime, nil)
	_, _ = tbl.Drop(h, KindRuntime)

	if len(events) != 2 || events[0] != EventCreated || events[1] != EventDropped {
		t.Fatalf("Unexpected events %v", events)
	}
}

type dropCounter struct{ n *int }

func (d dropCounter) Drop() { *d.n++ }

func TestTable_Close(t *testing.T) {
	tbl := New()
	n := 0
	_, _ = tbl.Insert(KindClient, dropCounter{&n})
	_, _ = tbl.Insert(KindClient, dropCounter{&n})
	_, _ = tbl.Insert(KindRandom, "plain")

	if tbl.Count(KindClient) != 2 || tbl.Len() != 3 {
		t.Fatalf("Count/Len mismatch: %d %d", tbl.Count(KindClient), tbl.Len())
	}

	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 drops, got %d", n)
	}
	if _, err := tbl.Insert(KindClient, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
}

func TestLookup(t *testing.T) {
	tbl := New()
	h, _ := tbl.Insert(KindClient, "s")

	s, err := Lookup[string](tbl, h, KindClient)
	if err != nil || s != "s" {
		t.Fatalf("Lookup = %q, %v", s, err)
	}
	if _, err := Lookup[int](tbl, h, KindClient); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("Expected ErrWrongKind for type mismatch, got %v", err)
	}
}

func TestTable_Concurrent(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h, err := tbl.Insert(KindCancellationToken, j)
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := tbl.Drop(h, KindCancellationToken); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if tbl.Len() != 0 {
		t.Fatalf("Expected empty table, got %d", tbl.Len())
	}
}

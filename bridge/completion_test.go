package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

func TestCompletionTable_TokenReuse(t *testing.T) {
	tbl := newCompletionTable(4)
	c := newCompletion[int](tbl)

	first, err := tbl.register(c)
	if err != nil {
		t.Fatal(err)
	}
	if first == 0 {
		t.Fatal("token 0 issued")
	}
	if _, ok := tbl.take(first); !ok {
		t.Fatal("take of a live token failed")
	}

	second, err := tbl.register(newCompletion[int](tbl))
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatalf("slot reused under the same token %d", first)
	}
	if uint32(second) != uint32(first) {
		t.Fatalf("slot not reused: %x then %x", first, second)
	}

	// The first token is stale even though its slot is live again.
	if _, ok := tbl.take(first); ok {
		t.Fatal("stale token resolved a newer completion")
	}
	if _, ok := tbl.take(0); ok {
		t.Fatal("token 0 resolved")
	}
	if got := tbl.duplicates.Load(); got != 2 {
		t.Fatalf("duplicates = %d, want 2", got)
	}
	if got := tbl.outstanding(); got != 1 {
		t.Fatalf("outstanding = %d, want 1", got)
	}
}

func TestCompletionTable_Exhausted(t *testing.T) {
	tbl := newCompletionTable(2)
	for range 2 {
		if _, err := tbl.register(newCompletion[int](tbl)); err != nil {
			t.Fatal(err)
		}
	}
	_, err := tbl.register(newCompletion[int](tbl))
	if err == nil {
		t.Fatal("register beyond the limit succeeded")
	}
	if !errors.IsFatal(err) {
		t.Fatalf("err = %v, want fatal exhaustion", err)
	}
}

func TestCompletionTable_Drain(t *testing.T) {
	tbl := newCompletionTable(0)
	if err := tbl.drain(context.Background()); err != nil {
		t.Fatalf("drain of an empty table: %v", err)
	}

	tok, _ := tbl.register(newCompletion[int](tbl))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tbl.drain(ctx); err == nil {
		t.Fatal("drain returned with a completion outstanding")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		if p, ok := tbl.take(tok); ok {
			p.deliver(1)
		}
	}()
	if err := tbl.drain(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCompletion_DeliverOnce(t *testing.T) {
	tbl := newCompletionTable(0)
	c := newCompletion[string](tbl)
	resolves := 0
	c.onResolve = func() { resolves++ }

	c.deliver("a")
	c.deliver("b")

	got, err := c.wait(context.Background())
	if err != nil || got != "a" {
		t.Fatalf("wait = %q, %v", got, err)
	}
	if resolves != 1 {
		t.Fatalf("onResolve ran %d times, want 1", resolves)
	}
}

func TestCompletion_AbandonedGoesToDiscard(t *testing.T) {
	tbl := newCompletionTable(0)
	c := newCompletion[string](tbl)
	discarded := make(chan string, 1)
	c.discard = func(s string) { discarded <- s }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.wait(ctx); err == nil {
		t.Fatal("wait on a cancelled context succeeded")
	}
	c.deliver("late")

	select {
	case got := <-discarded:
		if got != "late" {
			t.Fatalf("discarded %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("late result not discarded")
	}
	if got := tbl.abandoned.Load(); got != 1 {
		t.Fatalf("abandoned = %d", got)
	}
}

func TestCompletionTable_ConcurrentExactlyOnce(t *testing.T) {
	const n = 500
	tbl := newCompletionTable(n)
	tokens := make(chan uint64, n)
	waits := make([]*completion[int], n)

	for i := range n {
		c := newCompletion[int](tbl)
		waits[i] = c
		tok, err := tbl.register(c)
		if err != nil {
			t.Fatal(err)
		}
		tokens <- uint64(tok)
	}
	close(tokens)

	var wg sync.WaitGroup
	all := make([]uint64, 0, n)
	for tok := range tokens {
		all = append(all, tok)
	}
	// Every token is resolved twice from racing goroutines.
	for range 2 {
		for _, tok := range all {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if p, ok := tbl.take(abi.UserData(tok)); ok {
					p.deliver(1)
				}
			}()
		}
	}
	wg.Wait()

	for i, c := range waits {
		if v, err := c.wait(context.Background()); err != nil || v != 1 {
			t.Fatalf("completion %d = %d, %v", i, v, err)
		}
	}
	if tbl.resolved.Load() != n || tbl.duplicates.Load() != n || tbl.outstanding() != 0 {
		t.Fatalf("resolved=%d duplicates=%d outstanding=%d", tbl.resolved.Load(), tbl.duplicates.Load(), tbl.outstanding())
	}
}

func TestKeepAlive_SealWaitsForCalls(t *testing.T) {
	var k keepAlive
	if !k.acquire() {
		t.Fatal("acquire on an open handle failed")
	}
	if !k.seal() || k.seal() {
		t.Fatal("seal should succeed exactly once")
	}
	if k.acquire() || k.use(func() {}) {
		t.Fatal("sealed handle accepted a call")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := k.wait(ctx); err == nil {
		t.Fatal("wait returned with a call held")
	}
	k.release()
	if err := k.wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

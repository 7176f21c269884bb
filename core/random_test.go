package core

import (
	"bytes"
	"testing"
)

func TestRandom_Deterministic(t *testing.T) {
	e := newTestEngine(t)

	a, b := e.RandomNew(42), e.RandomNew(42)
	defer e.RandomFree(a)
	defer e.RandomFree(b)

	for i := 0; i < 100; i++ {
		x := e.RandomInt32Range(a, -10, 10, false)
		y := e.RandomInt32Range(b, -10, 10, false)
		if x != y {
			t.Fatalf("step %d: %d != %d", i, x, y)
		}
		if x < -10 || x >= 10 {
			t.Fatalf("step %d: %d out of range", i, x)
		}
	}

	bufA, bufB := make([]byte, 13), make([]byte, 13)
	e.RandomFillBytes(a, bufA)
	e.RandomFillBytes(b, bufB)
	if !bytes.Equal(bufA, bufB) {
		t.Fatalf("fill mismatch: %x != %x", bufA, bufB)
	}
}

func TestRandom_Ranges(t *testing.T) {
	e := newTestEngine(t)
	r := e.RandomNew(7)
	defer e.RandomFree(r)

	if got := e.RandomInt32Range(r, 5, 5, false); got != 5 {
		t.Fatalf("empty range = %d", got)
	}
	if got := e.RandomInt32Range(r, 5, 5, true); got != 5 {
		t.Fatalf("single value range = %d", got)
	}
	seenMax := false
	for i := 0; i < 200; i++ {
		v := e.RandomInt32Range(r, 0, 3, true)
		if v < 0 || v > 3 {
			t.Fatalf("%d out of range", v)
		}
		seenMax = seenMax || v == 3
	}
	if !seenMax {
		t.Fatal("inclusive maximum never produced")
	}
	for i := 0; i < 200; i++ {
		if v := e.RandomDoubleRange(r, 1.5, 2.5, false); v < 1.5 || v >= 2.5 {
			t.Fatalf("%v out of range", v)
		}
	}
	if got := e.RandomDoubleRange(r, 3, 1, false); got != 3 {
		t.Fatalf("inverted range = %v", got)
	}
}

func TestRandom_Stale(t *testing.T) {
	e := newTestEngine(t)
	r := e.RandomNew(1)
	e.RandomFree(r)

	if got := e.RandomInt32Range(r, 4, 9, false); got != 4 {
		t.Fatalf("stale handle = %d, want lower bound", got)
	}
	if got := e.Stats().Misuse; got != 1 {
		t.Fatalf("misuse = %d, want 1", got)
	}
}

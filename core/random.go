package core

import (
	"math/rand/v2"
	"sync"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/core/internal/handles"
)

// random is a seeded deterministic generator. Equal seeds yield equal
// sequences.
type random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *random) Drop() {}

// RandomNew creates a generator seeded with seed.
func (e *Engine) RandomNew(seed uint64) abi.Random {
	h, err := e.handles.Insert(handles.KindRandom, &random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))})
	if err != nil {
		return 0
	}
	return abi.Random(h)
}

func (e *Engine) RandomFree(r abi.Random) {
	drop[*random](e, "random_free", uint64(r), handles.KindRandom)
}

// RandomInt32Range returns a value in [lo, hi), or [lo, hi] when
// maxInclusive is set. An empty range yields lo.
func (e *Engine) RandomInt32Range(r abi.Random, lo, hi int32, maxInclusive bool) int32 {
	rnd, err := lookup[*random](e, uint64(r), handles.KindRandom)
	if err != nil {
		e.reportMisuse("random_int32_range", err)
		return lo
	}
	span := int64(hi) - int64(lo)
	if maxInclusive {
		span++
	}
	if span <= 0 {
		return lo
	}
	rnd.mu.Lock()
	defer rnd.mu.Unlock()
	return int32(int64(lo) + rnd.rng.Int64N(span))
}

// RandomDoubleRange returns a value in [lo, hi), or [lo, hi] when
// maxInclusive is set.
func (e *Engine) RandomDoubleRange(r abi.Random, lo, hi float64, maxInclusive bool) float64 {
	rnd, err := lookup[*random](e, uint64(r), handles.KindRandom)
	if err != nil {
		e.reportMisuse("random_double_range", err)
		return lo
	}
	if hi <= lo {
		return lo
	}
	rnd.mu.Lock()
	defer rnd.mu.Unlock()
	var f float64
	if maxInclusive {
		// Uint64 over the full range so both ends are reachable.
		f = float64(rnd.rng.Uint64()>>11) / float64(1<<53-1)
	} else {
		f = rnd.rng.Float64()
	}
	return lo + f*(hi-lo)
}

// RandomFillBytes fills the host buffer with random bytes.
func (e *Engine) RandomFillBytes(r abi.Random, bytes []byte) {
	rnd, err := lookup[*random](e, uint64(r), handles.KindRandom)
	if err != nil {
		e.reportMisuse("random_fill_bytes", err)
		return
	}
	rnd.mu.Lock()
	defer rnd.mu.Unlock()
	for i := 0; i < len(bytes); i += 8 {
		v := rnd.rng.Uint64()
		for j := 0; j < 8 && i+j < len(bytes); j++ {
			bytes[i+j] = byte(v >> (8 * j))
		}
	}
}

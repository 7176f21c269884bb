package bridge

import (
	"sync"

	"github.com/wippyai/corebridge/abi"
	"github.com/wippyai/corebridge/errors"
)

// Random is a seeded deterministic generator owned by the native side. An
// open generator keeps its runtime open.
type Random struct {
	rt     *Runtime
	handle abi.Random
	live   keepAlive
	once   sync.Once
}

// NewRandom creates a generator. Equal seeds produce equal sequences.
func (r *Runtime) NewRandom(seed uint64) (*Random, error) {
	if err := r.begin(errors.PhaseRandom); err != nil {
		return nil, err
	}

	h := r.core.RandomNew(seed)
	if h == 0 {
		r.end()
		return nil, errors.Construction(errors.PhaseRandom, "random", "native side returned no generator")
	}
	return &Random{rt: r, handle: h}, nil
}

// Int32Range returns a value in [lo, hi), or [lo, hi] when inclusive.
func (g *Random) Int32Range(lo, hi int32, inclusive bool) (int32, error) {
	var v int32
	if !g.live.use(func() { v = g.rt.core.RandomInt32Range(g.handle, lo, hi, inclusive) }) {
		return 0, errors.Closed(errors.PhaseRandom, "random")
	}
	return v, nil
}

// Float64Range returns a value in [lo, hi), or [lo, hi] when inclusive.
func (g *Random) Float64Range(lo, hi float64, inclusive bool) (float64, error) {
	var v float64
	if !g.live.use(func() { v = g.rt.core.RandomDoubleRange(g.handle, lo, hi, inclusive) }) {
		return 0, errors.Closed(errors.PhaseRandom, "random")
	}
	return v, nil
}

// FillBytes fills b with random bytes.
func (g *Random) FillBytes(b []byte) error {
	if !g.live.use(func() { g.rt.core.RandomFillBytes(g.handle, b) }) {
		return errors.Closed(errors.PhaseRandom, "random")
	}
	return nil
}

// Close frees the generator. Later draws fail with a closed error.
func (g *Random) Close() {
	g.once.Do(func() {
		g.live.seal()
		g.rt.core.RandomFree(g.handle)
		g.rt.end()
	})
}

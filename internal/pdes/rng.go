package pdes

// RNGStream is a reversible pseudo-random source: every forward draw can
// be undone by a matching reverse call, which is what lets a rolled-back
// LP replay its reverse handlers without redrawing randomness it already
// consumed. It is seeded per-LP by XOR-ing a simulation-wide base seed
// with the LP's global id multiplied by 0x9E3779B97F4A7C15, so two runs
// with the same base seed and the
// same event order reproduce bit-identical streams regardless of how many
// PEs the run is spread across.
type RNGStream struct {
	state  uint64
	history []uint64 // prior state pushed before each draw, popped on reverse
}

// NewRNGStream builds a stream seeded from baseSeed and the owning LP id.
func NewRNGStream(baseSeed uint64, lp LPID) *RNGStream {
	seed := baseSeed ^ (uint64(lp) * 0x9E3779B97F4A7C15)
	if seed == 0 {
		seed = 0xD1B54A32D192ED03
	}
	return &RNGStream{state: seed}
}

// splitmix64 step, chosen for being a cheap, well-distributed generator
// that is trivially reversible (the state transition is a bijection).
func (r *RNGStream) next() uint64 {
	r.history = append(r.history, r.state)
	r.state += 0x9E3779B97F4A7C15
	z := r.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)
	return z
}

// Unif draws a uniform float64 in [0, 1).
func (r *RNGStream) Unif() float64 {
	v := r.next()
	return float64(v>>11) / float64(1<<53)
}

// Integer draws a uniform integer in the closed interval [lo, hi].
func (r *RNGStream) Integer(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	v := r.next()
	span := uint64(hi-lo) + 1
	return lo + int(v%span)
}

// ReverseUnif undoes the most recent Unif or Integer draw, restoring the
// stream to the state it had before that draw. Called from a reverse
// handler in the same order the forward handler drew values, innermost
// first (LIFO), matching the processed-event stack's unwind order.
func (r *RNGStream) ReverseUnif() {
	n := len(r.history)
	if n == 0 {
		return
	}
	r.state = r.history[n-1]
	r.history = r.history[:n-1]
}

// Depth reports how many forward draws are currently unreversed, useful
// for asserting a reverse handler undid exactly as many draws as its
// forward counterpart made.
func (r *RNGStream) Depth() int { return len(r.history) }

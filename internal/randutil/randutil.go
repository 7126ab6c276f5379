// Package randutil provides the single seeded PRNG shared by the generator,
// the telemetry simulator, and id allocation. All randomness in the control
// plane flows through one RNG so a fixed seed reproduces a full trace,
// including UUIDs.
package randutil

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// RNG is a mutex-guarded rand.Rand. Safe for concurrent use.
type RNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

// New returns an RNG seeded with seed. Seed 0 is a valid fixed seed; callers
// wanting non-deterministic behavior pass a time-derived seed themselves.
func New(seed int64) *RNG {
	return &RNG{r: rand.New(rand.NewSource(seed))}
}

func (g *RNG) Float64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Float64()
}

// Intn returns a uniform int in [0, n).
func (g *RNG) Intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Intn(n)
}

// IntBetween returns a uniform int in [lo, hi] inclusive.
func (g *RNG) IntBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return lo + g.r.Intn(hi-lo+1)
}

// FloatBetween returns a uniform float in [lo, hi).
func (g *RNG) FloatBetween(lo, hi float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return lo + g.r.Float64()*(hi-lo)
}

// Gauss returns a normally distributed value with the given mean and stddev.
func (g *RNG) Gauss(mean, stddev float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return mean + g.r.NormFloat64()*stddev
}

// Read implements io.Reader so uuid generation can draw from this RNG.
func (g *RNG) Read(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Read(p)
}

// UUID allocates a v4 UUID from this RNG. Deterministic under a fixed seed.
func (g *RNG) UUID() string {
	id, err := uuid.NewRandomFromReader(g)
	if err != nil {
		// rand.Rand.Read never errors; keep the fallback total anyway.
		return uuid.New().String()
	}
	return id.String()
}

// WeightedChoice picks a key proportionally to its weight. Iteration order is
// fixed by the keys slice so the draw is reproducible.
func (g *RNG) WeightedChoice(keys []string, weights map[string]float64) string {
	if len(keys) == 0 {
		return ""
	}
	var total float64
	for _, k := range keys {
		total += weights[k]
	}
	if total <= 0 {
		return keys[len(keys)-1]
	}
	r := g.FloatBetween(0, total)
	var cum float64
	for _, k := range keys {
		cum += weights[k]
		if r <= cum {
			return k
		}
	}
	return keys[len(keys)-1]
}

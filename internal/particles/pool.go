// Package particles keeps the bounded set of in-flight visual tokens, one per
// ingested trade.
package particles

import (
	"math"
	"math/rand"

	"github.com/NpappaG/orderflow-component/internal/model"
)

const (
	// DefaultCapacity is the hard cap on live particles.
	DefaultCapacity = 400

	// MinLifetimeMs and MaxLifetimeMs bound the randomized travel time.
	MinLifetimeMs = 1400
	MaxLifetimeMs = 2200

	// MinRadius is the smallest particle radius in logical pixels.
	MinRadius = 2.0

	// RadiusScale multiplies ln(volume+1).
	RadiusScale = 1.2
)

// Particle is a single trade token travelling along its side's branch.
type Particle struct {
	ID         string
	Side       model.Side
	Volume     float64
	BirthTime  int64
	LifetimeMs int64
	Radius     float64

	// Lane is a lateral offset in [-0.5, 0.5) within the side's band.
	Lane float64
}

// Live is a particle together with its progress at the last Advance.
type Live struct {
	Particle
	T     float64 // Linear progress in [0,1)
	Eased float64 // Cubic ease-out of T
}

// Pool is a FIFO-bounded particle collection. Not safe for concurrent use.
type Pool struct {
	capacity  int
	particles []Particle
	live      []Live
	rng       *rand.Rand
	evicted   uint64
}

// NewPool creates a pool. A non-positive capacity uses DefaultCapacity and a
// nil rng is seeded from the global source.
func NewPool(capacity int, rng *rand.Rand) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Pool{
		capacity:  capacity,
		particles: make([]Particle, 0, capacity+1),
		live:      make([]Live, 0, capacity),
		rng:       rng,
	}
}

// Radius maps a volume to a particle radius on a logarithmic scale.
func Radius(volume float64) float64 {
	if volume < 0 || math.IsNaN(volume) {
		volume = 0
	}
	return math.Max(MinRadius, math.Log(volume+1)*RadiusScale)
}

// Ease is the cubic ease-out 1-(1-t)^3.
func Ease(t float64) float64 {
	u := 1 - t
	return 1 - u*u*u
}

// Spawn adds a particle for ev born at now. When the pool is over capacity
// the oldest particles are evicted first.
func (p *Pool) Spawn(ev model.TradeEvent, now int64) {
	p.particles = append(p.particles, Particle{
		ID:         ev.ID,
		Side:       ev.Side,
		Volume:     ev.Volume,
		BirthTime:  now,
		LifetimeMs: MinLifetimeMs + p.rng.Int63n(MaxLifetimeMs-MinLifetimeMs),
		Radius:     Radius(ev.Volume),
		Lane:       p.rng.Float64() - 0.5,
	})

	if excess := len(p.particles) - p.capacity; excess > 0 {
		n := copy(p.particles, p.particles[excess:])
		clear(p.particles[n:])
		p.particles = p.particles[:n]
		p.evicted += uint64(excess)
	}
}

// Advance computes progress for every particle at now, drops the finished
// ones and returns the survivors. The returned slice is reused by the next
// call.
func (p *Pool) Advance(now int64) []Live {
	p.live = p.live[:0]
	kept := p.particles[:0]

	for _, pt := range p.particles {
		t := float64(now-pt.BirthTime) / float64(pt.LifetimeMs)
		if t < 0 {
			t = 0
		}
		if t >= 1 {
			continue
		}
		kept = append(kept, pt)
		p.live = append(p.live, Live{Particle: pt, T: t, Eased: Ease(t)})
	}

	clear(p.particles[len(kept):])
	p.particles = kept
	return p.live
}

// Len returns the number of particles currently held.
func (p *Pool) Len() int {
	return len(p.particles)
}

// Cap returns the configured capacity.
func (p *Pool) Cap() int {
	return p.capacity
}

// Evicted returns how many particles were dropped for capacity.
func (p *Pool) Evicted() uint64 {
	return p.evicted
}

// Clear removes every particle.
func (p *Pool) Clear() {
	clear(p.particles)
	p.particles = p.particles[:0]
	p.live = p.live[:0]
}

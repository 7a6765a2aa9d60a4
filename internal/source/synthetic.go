// Package source provides the synthetic trade generator.
//
// The generator mimics real order-size clustering with a three-tier volume
// mixture and produces bursty, front-loaded arrivals. It runs on its own
// timer and hands each event to an emit callback; it never touches window or
// particle state directly.
package source

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/NpappaG/orderflow-component/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// minDelayMs is the floor of the inter-arrival delay.
	minDelayMs = 50.0

	// delaySpreadMs scales the cubic-biased delay term.
	delaySpreadMs = 2000.0
)

// volumeTier is one component of the volume mixture.
type volumeTier struct {
	cumulative float64 // Cumulative probability upper bound
	lo, hi     float64 // Uniform range [lo, hi)
}

// volumeTiers overlap at their boundaries on purpose.
var volumeTiers = []volumeTier{
	{cumulative: 0.60, lo: 10, hi: 110},
	{cumulative: 0.85, lo: 100, hi: 600},
	{cumulative: 1.00, lo: 500, hi: 2500},
}

// Synthetic generates random trades on a self-rearming timer.
//
// The running flag gates re-arming: Pause clears it and stops the pending
// timer, Resume sets it and re-enters the scheduler with a fresh delay. An
// epoch counter makes a timer that already fired before Pause harmless.
type Synthetic struct {
	mu      sync.Mutex
	rng     *rand.Rand
	emit    func(model.TradeEvent)
	now     func() time.Time
	running bool
	closed  bool
	epoch   uint64
	timer   *time.Timer
	emitted uint64
}

// NewSynthetic creates a paused generator that calls emit for every trade.
// A nil rng is seeded from the current time.
func NewSynthetic(emit func(model.TradeEvent), rng *rand.Rand) *Synthetic {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Synthetic{
		rng:  rng,
		emit: emit,
		now:  time.Now,
	}
}

// Generate draws one trade stamped with the current time.
func (s *Synthetic) Generate() model.TradeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateLocked()
}

func (s *Synthetic) generateLocked() model.TradeEvent {
	side := model.Buy
	if s.rng.Float64() < 0.5 {
		side = model.Sell
	}
	return model.TradeEvent{
		ID:        uuid.NewString(),
		Side:      side,
		Volume:    drawVolume(s.rng),
		Timestamp: s.now().UnixMilli(),
		Source:    model.SyntheticSource,
	}
}

// drawVolume samples the three-tier volume mixture.
func drawVolume(rng *rand.Rand) float64 {
	u := rng.Float64()
	for _, tier := range volumeTiers {
		if u < tier.cumulative {
			return tier.lo + rng.Float64()*(tier.hi-tier.lo)
		}
	}
	last := volumeTiers[len(volumeTiers)-1]
	return last.lo + rng.Float64()*(last.hi-last.lo)
}

// DelayFor maps a uniform draw u in [0,1) to 50 + (1-u)^3 * 2000 ms.
func DelayFor(u float64) time.Duration {
	ms := minDelayMs + math.Pow(1-u, 3)*delaySpreadMs
	return time.Duration(ms * float64(time.Millisecond))
}

// NextDelay draws the next inter-arrival delay.
func (s *Synthetic) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DelayFor(s.rng.Float64())
}

// Resume starts scheduling emissions. It is a no-op while already running.
func (s *Synthetic) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.closed {
		return
	}
	s.running = true
	s.epoch++
	s.scheduleLocked()
	log.Debug().Str("component", "synthetic").Msg("generator resumed")
}

// Pause stops future emissions. Trades already emitted are unaffected.
func (s *Synthetic) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	log.Debug().Str("component", "synthetic").Msg("generator paused")
}

// Running reports whether emissions are scheduled.
func (s *Synthetic) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emitted returns how many trades have been emitted.
func (s *Synthetic) Emitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

// Close pauses the generator permanently and releases its timer.
func (s *Synthetic) Close() {
	s.Pause()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Synthetic) scheduleLocked() {
	epoch := s.epoch
	delay := DelayFor(s.rng.Float64())
	s.timer = time.AfterFunc(delay, func() { s.fire(epoch) })
}

// fire emits one trade and re-arms the timer if still running in the same
// epoch. emit is called without holding the lock.
func (s *Synthetic) fire(epoch uint64) {
	s.mu.Lock()
	if !s.running || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	ev := s.generateLocked()
	s.emitted++
	s.mu.Unlock()

	if s.emit != nil {
		s.emit(ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.epoch == epoch {
		s.scheduleLocked()
	}
}

// Package window maintains exact per-side volume sums over a sliding time
// window and derives an exponentially smoothed buy share from them.
//
// Thread Safety:
//   - An Aggregator is not safe for concurrent use
//   - It is owned by the engine goroutine, which serializes every call
package window

import (
	"math"

	"github.com/NpappaG/orderflow-component/internal/model"
)

const (
	// DefaultAlpha is the EMA weight given to the newest raw share.
	DefaultAlpha = 0.2

	// DefaultEpsilon is the minimum share change reported by ComputeShare.
	DefaultEpsilon = 0.001

	// DefaultWindowMs is the initial horizon.
	DefaultWindowMs = 30_000

	// MinWindowMs is the smallest accepted horizon.
	MinWindowMs = 1_000
)

// Config holds the smoothing parameters.
type Config struct {
	// WindowMs is the trailing horizon in milliseconds.
	WindowMs int64

	// Alpha is the EMA weight in (0,1].
	Alpha float64

	// Epsilon is the hysteresis threshold for ComputeShare.
	Epsilon float64
}

// Totals is a by-value copy of the current window sums.
type Totals struct {
	BuyVolume  float64
	SellVolume float64
	BuyCount   int
	SellCount  int
}

// Aggregator keeps a time-ordered queue of trades and running sums.
//
// The queue is a slice with a moving head index. Pops advance the head and
// the backing array is compacted once the dead prefix dominates, which keeps
// both Ingest and Prune O(1) amortized.
type Aggregator struct {
	cfg Config

	queue []model.TradeEvent
	head  int

	buySum    float64
	sellSum   float64
	buyCount  int
	sellCount int

	// smoothed is the running EMA, published is the last value returned
	// with changed=true.
	smoothed  float64
	published float64
}

// NewAggregator creates an aggregator with an empty window and neutral share.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.WindowMs < MinWindowMs {
		cfg.WindowMs = DefaultWindowMs
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}

	return &Aggregator{
		cfg:       cfg,
		queue:     make([]model.TradeEvent, 0, 256),
		smoothed:  0.5,
		published: 0.5,
	}
}

// WindowMs returns the current horizon.
func (a *Aggregator) WindowMs() int64 {
	return a.cfg.WindowMs
}

// Len returns the number of queued trades.
func (a *Aggregator) Len() int {
	return len(a.queue) - a.head
}

// Ingest appends a trade and adds its volume to the matching side.
//
// Trades normally arrive in timestamp order. A late trade is inserted at its
// sorted position so the queue stays ordered for pruning.
func (a *Aggregator) Ingest(ev model.TradeEvent) {
	if ev.Volume < 0 || math.IsNaN(ev.Volume) || math.IsInf(ev.Volume, 0) {
		ev.Volume = 0
	}

	n := len(a.queue)
	if n == a.head || a.queue[n-1].Timestamp <= ev.Timestamp {
		a.queue = append(a.queue, ev)
	} else {
		i := n - 1
		for i > a.head && a.queue[i-1].Timestamp > ev.Timestamp {
			i--
		}
		a.queue = append(a.queue, model.TradeEvent{})
		copy(a.queue[i+1:], a.queue[i:n])
		a.queue[i] = ev
	}

	a.add(ev)
}

// SetWindowLength changes the horizon and recomputes the sums from scratch
// over the trades still queued under the new cutoff.
//
// Trades evicted under a previous, shorter horizon are gone; growing the
// window never brings them back.
func (a *Aggregator) SetWindowLength(ms int64, now int64) {
	if ms < MinWindowMs {
		ms = MinWindowMs
	}
	a.cfg.WindowMs = ms

	cutoff := now - ms
	for a.head < len(a.queue) && a.queue[a.head].Timestamp <= cutoff {
		a.popHead()
	}

	a.buySum, a.sellSum = 0, 0
	a.buyCount, a.sellCount = 0, 0
	for _, ev := range a.queue[a.head:] {
		a.add(ev)
	}
	a.compact()
}

// Prune evicts every trade whose age has reached the horizon. Calling it twice
// with the same now is a no-op the second time.
func (a *Aggregator) Prune(now int64) {
	cutoff := now - a.cfg.WindowMs
	for a.head < len(a.queue) && a.queue[a.head].Timestamp <= cutoff {
		ev := a.queue[a.head]
		a.popHead()
		a.subtract(ev)
	}
	a.compact()
}

// RawShare returns buySum/(buySum+sellSum), or 0.5 for an empty window.
func (a *Aggregator) RawShare() float64 {
	total := a.buySum + a.sellSum
	if total <= 0 {
		return 0.5
	}
	return a.buySum / total
}

// ComputeShare prunes, folds the raw share into the EMA and returns the new
// smoothed share. The boolean is true when the share moved by more than the
// configured epsilon since the last reported value, or when force is set.
func (a *Aggregator) ComputeShare(now int64, force bool) (model.Share, bool) {
	a.Prune(now)

	raw := a.RawShare()
	a.smoothed = a.cfg.Alpha*raw + (1-a.cfg.Alpha)*a.smoothed
	a.smoothed = math.Min(1, math.Max(0, a.smoothed))

	if !force && math.Abs(a.smoothed-a.published) <= a.cfg.Epsilon {
		return model.NewShare(a.smoothed), false
	}
	a.published = a.smoothed
	return model.NewShare(a.smoothed), true
}

// Share returns the current smoothed share without advancing the EMA.
func (a *Aggregator) Share() model.Share {
	return model.NewShare(a.smoothed)
}

// Totals returns a copy of the window sums.
func (a *Aggregator) Totals() Totals {
	return Totals{
		BuyVolume:  a.buySum,
		SellVolume: a.sellSum,
		BuyCount:   a.buyCount,
		SellCount:  a.sellCount,
	}
}

func (a *Aggregator) add(ev model.TradeEvent) {
	if ev.Side == model.Buy {
		a.buySum += ev.Volume
		a.buyCount++
		return
	}
	a.sellSum += ev.Volume
	a.sellCount++
}

// subtract removes a trade from the sums. Sums are clamped at zero to absorb
// floating point drift, and snap to exactly zero once a side is empty.
func (a *Aggregator) subtract(ev model.TradeEvent) {
	if ev.Side == model.Buy {
		a.buySum = math.Max(0, a.buySum-ev.Volume)
		if a.buyCount > 0 {
			a.buyCount--
		}
		if a.buyCount == 0 {
			a.buySum = 0
		}
		return
	}
	a.sellSum = math.Max(0, a.sellSum-ev.Volume)
	if a.sellCount > 0 {
		a.sellCount--
	}
	if a.sellCount == 0 {
		a.sellSum = 0
	}
}

func (a *Aggregator) popHead() {
	a.queue[a.head] = model.TradeEvent{}
	a.head++
}

// compact reclaims the dead prefix once it makes up half the backing slice.
func (a *Aggregator) compact() {
	if a.head == 0 {
		return
	}
	if a.head == len(a.queue) {
		a.queue = a.queue[:0]
		a.head = 0
		return
	}
	if a.head < len(a.queue)/2 {
		return
	}
	n := copy(a.queue, a.queue[a.head:])
	a.queue = a.queue[:n]
	a.head = 0
}

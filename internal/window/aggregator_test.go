package window

import (
	"math"
	"math/rand"
	"testing"

	"github.com/NpappaG/orderflow-component/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTrade builds a trade event for aggregator tests.
func createTestTrade(id string, side model.Side, volume float64, ts int64) model.TradeEvent {
	return model.TradeEvent{
		ID:        id,
		Side:      side,
		Volume:    volume,
		Timestamp: ts,
	}
}

// queuedSum recomputes the sums over the live part of the queue.
func queuedSum(a *Aggregator) (buy, sell float64) {
	for _, ev := range a.queue[a.head:] {
		if ev.Side == model.Buy {
			buy += ev.Volume
		} else {
			sell += ev.Volume
		}
	}
	return buy, sell
}

// Test_NewAggregator tests the aggregator constructor defaults.
func Test_NewAggregator(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantWindow  int64
		wantAlpha   float64
		wantEpsilon float64
	}{
		{
			name:        "Zero config uses defaults",
			cfg:         Config{},
			wantWindow:  DefaultWindowMs,
			wantAlpha:   DefaultAlpha,
			wantEpsilon: DefaultEpsilon,
		},
		{
			name:        "Explicit config kept",
			cfg:         Config{WindowMs: 10_000, Alpha: 0.5, Epsilon: 0.01},
			wantWindow:  10_000,
			wantAlpha:   0.5,
			wantEpsilon: 0.01,
		},
		{
			name:        "Alpha above one replaced",
			cfg:         Config{WindowMs: 5_000, Alpha: 2},
			wantWindow:  5_000,
			wantAlpha:   DefaultAlpha,
			wantEpsilon: DefaultEpsilon,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(tt.cfg)

			require.NotNil(t, agg)
			assert.Equal(t, tt.wantWindow, agg.WindowMs())
			assert.Equal(t, tt.wantAlpha, agg.cfg.Alpha)
			assert.Equal(t, tt.wantEpsilon, agg.cfg.Epsilon)
			assert.Equal(t, 0, agg.Len())
			assert.Equal(t, model.NeutralShare, agg.Share())
		})
	}
}

// Test_Ingest tests running sums and counts.
func Test_Ingest(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 10_000})

	agg.Ingest(createTestTrade("1", model.Buy, 100, 0))
	agg.Ingest(createTestTrade("2", model.Sell, 40, 10))
	agg.Ingest(createTestTrade("3", model.Buy, 25, 20))

	totals := agg.Totals()
	assert.Equal(t, 125.0, totals.BuyVolume)
	assert.Equal(t, 40.0, totals.SellVolume)
	assert.Equal(t, 2, totals.BuyCount)
	assert.Equal(t, 1, totals.SellCount)
	assert.Equal(t, 3, agg.Len())
}

// Test_IngestOutOfOrder tests that late trades keep the queue ordered.
func Test_IngestOutOfOrder(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 10_000})

	for i, ts := range []int64{100, 300, 200, 50, 300, 250} {
		agg.Ingest(createTestTrade(string(rune('a'+i)), model.Buy, 1, ts))
	}

	var prev int64 = math.MinInt64
	for _, ev := range agg.queue[agg.head:] {
		assert.GreaterOrEqual(t, ev.Timestamp, prev, "queue must be timestamp ordered")
		prev = ev.Timestamp
	}
	assert.Equal(t, 6, agg.Len())
}

// Test_IngestInvalidVolume tests that invalid volumes do not corrupt sums.
func Test_IngestInvalidVolume(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 10_000})

	agg.Ingest(createTestTrade("neg", model.Buy, -5, 0))
	agg.Ingest(createTestTrade("nan", model.Sell, math.NaN(), 0))
	agg.Ingest(createTestTrade("inf", model.Sell, math.Inf(1), 0))

	totals := agg.Totals()
	assert.Equal(t, 0.0, totals.BuyVolume)
	assert.Equal(t, 0.0, totals.SellVolume)
	assert.Equal(t, 3, agg.Len())
}

// Test_ComputeShareScenario covers the single-buy EMA scenario.
func Test_ComputeShareScenario(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 10_000, Alpha: 0.2})

	agg.Ingest(createTestTrade("1", model.Buy, 100, 0))
	assert.Equal(t, 1.0, agg.RawShare())

	share, changed := agg.ComputeShare(0, false)
	assert.True(t, changed)
	assert.InDelta(t, 0.6, share.BuyShare, 1e-12)
	assert.InDelta(t, 0.4, share.SellShare, 1e-12)

	// After the full window elapses the trade is evicted and the share
	// trends back toward neutral.
	agg.Prune(10_000)
	totals := agg.Totals()
	assert.Equal(t, 0.0, totals.BuyVolume)
	assert.Equal(t, 0.0, totals.SellVolume)
	assert.Equal(t, 0, agg.Len())

	share, _ = agg.ComputeShare(10_000, false)
	assert.InDelta(t, 0.58, share.BuyShare, 1e-12)

	prev := share.BuyShare
	for i := 0; i < 50; i++ {
		share, _ = agg.ComputeShare(10_000+int64(i), false)
		assert.LessOrEqual(t, share.BuyShare, prev)
		prev = share.BuyShare
	}
	assert.InDelta(t, 0.5, share.BuyShare, 0.001)
}

// Test_ComputeShareEmptyWindow tests that an empty window is exactly neutral.
func Test_ComputeShareEmptyWindow(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 10_000})

	share, changed := agg.ComputeShare(1_000, false)
	assert.False(t, changed, "neutral share should not be reported as a change")
	assert.Equal(t, 0.5, share.BuyShare)
	assert.Equal(t, 0.5, share.SellShare)

	share, changed = agg.ComputeShare(1_000, true)
	assert.True(t, changed, "force always reports")
	assert.Equal(t, 0.5, share.BuyShare)
}

// Test_ComputeShareHysteresis tests that sub-epsilon moves are not reported.
func Test_ComputeShareHysteresis(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 60_000, Alpha: 0.2})

	agg.Ingest(createTestTrade("b", model.Buy, 1000, 0))
	agg.Ingest(createTestTrade("s", model.Sell, 1000, 0))

	// Raw share is 0.5 and the EMA starts at 0.5, so nothing moves.
	for i := 0; i < 10; i++ {
		_, changed := agg.ComputeShare(int64(i), false)
		assert.False(t, changed)
	}

	// A large buy moves the share well beyond epsilon.
	agg.Ingest(createTestTrade("b2", model.Buy, 8000, 20))
	_, changed := agg.ComputeShare(20, false)
	assert.True(t, changed)
}

// Test_PruneIdempotent tests that repeated prunes leave sums unchanged.
func Test_PruneIdempotent(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 5_000})

	for i := 0; i < 20; i++ {
		side := model.Buy
		if i%3 == 0 {
			side = model.Sell
		}
		agg.Ingest(createTestTrade("", side, float64(i+1), int64(i*500)))
	}

	agg.Prune(8_000)
	first := agg.Totals()
	firstLen := agg.Len()

	agg.Prune(8_000)
	assert.Equal(t, first, agg.Totals())
	assert.Equal(t, firstLen, agg.Len())

	for _, ev := range agg.queue[agg.head:] {
		assert.Greater(t, ev.Timestamp, int64(8_000-5_000))
	}
}

// Test_SetWindowLength tests recompute semantics when the horizon changes.
func Test_SetWindowLength(t *testing.T) {
	agg := NewAggregator(Config{WindowMs: 60_000})

	for i := 0; i < 60; i++ {
		agg.Ingest(createTestTrade("", model.Buy, 1, int64(i*1_000)))
	}
	agg.Prune(60_000)
	require.Equal(t, 59, agg.Len())

	t.Run("Shrink evicts", func(t *testing.T) {
		agg.SetWindowLength(10_000, 60_000)
		assert.Equal(t, int64(10_000), agg.WindowMs())
		assert.Equal(t, 9, agg.Len())
		assert.Equal(t, 9.0, agg.Totals().BuyVolume)
		assert.Equal(t, 9, agg.Totals().BuyCount)
	})

	t.Run("Grow does not resurrect", func(t *testing.T) {
		agg.SetWindowLength(120_000, 60_000)
		assert.Equal(t, 9, agg.Len())
		assert.Equal(t, 9.0, agg.Totals().BuyVolume)
	})

	t.Run("Invalid length clamped", func(t *testing.T) {
		agg.SetWindowLength(-5, 60_000)
		assert.Equal(t, int64(MinWindowMs), agg.WindowMs())
		assert.Equal(t, 0, agg.Len())
		assert.Equal(t, Totals{}, agg.Totals())
	})
}

// Test_SumsMatchQueue runs a random sequence of operations and checks that
// the running sums always equal a recompute over the queue.
func Test_SumsMatchQueue(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	agg := NewAggregator(Config{WindowMs: 3_000})

	var now int64
	for step := 0; step < 5_000; step++ {
		now += int64(rng.Intn(40))
		switch op := rng.Intn(10); {
		case op < 7:
			side := model.Buy
			if rng.Intn(2) == 0 {
				side = model.Sell
			}
			// Occasionally deliver a late trade.
			ts := now
			if rng.Intn(20) == 0 {
				ts = now - int64(rng.Intn(2_000))
			}
			agg.Ingest(createTestTrade("", side, rng.Float64()*2_500, ts))
		case op < 9:
			agg.Prune(now)
		default:
			before := agg.Totals()
			agg.SetWindowLength(int64(1_000+rng.Intn(5)*1_000), now)
			after := agg.Totals()
			buy, sell := queuedSum(agg)
			assert.InDelta(t, buy, after.BuyVolume, 1e-6)
			assert.InDelta(t, sell, after.SellVolume, 1e-6)
			assert.LessOrEqual(t, after.BuyCount+after.SellCount, before.BuyCount+before.SellCount)
		}

		totals := agg.Totals()
		buy, sell := queuedSum(agg)
		require.InDelta(t, buy+sell, totals.BuyVolume+totals.SellVolume, 1e-6)
		require.GreaterOrEqual(t, totals.BuyVolume, 0.0)
		require.GreaterOrEqual(t, totals.SellVolume, 0.0)

		share, _ := agg.ComputeShare(now, false)
		require.GreaterOrEqual(t, share.BuyShare, 0.0)
		require.LessOrEqual(t, share.BuyShare, 1.0)
	}
}

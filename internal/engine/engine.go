// Package engine runs the render loop.
//
// An Engine owns the window aggregator, the particle pool, the painter and
// the pixel surface. A single goroutine serializes everything that touches
// them: trade ingestion, control commands, connection state updates and
// frame ticks. Sources and network callbacks only post to its channels.
//
// Per frame the loop drains pending trades, then runs
// Prune → ComputeShare → Advance → Paint, and publishes stats when the
// smoothed share moved by more than the aggregator's epsilon.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NpappaG/orderflow-component/internal/model"
	"github.com/NpappaG/orderflow-component/internal/particles"
	"github.com/NpappaG/orderflow-component/internal/render"
	"github.com/NpappaG/orderflow-component/internal/source"
	"github.com/NpappaG/orderflow-component/internal/utils"
	"github.com/NpappaG/orderflow-component/internal/websocket"
	"github.com/NpappaG/orderflow-component/internal/window"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultFPS is the frame rate used when Config.FPS is unset.
	DefaultFPS = 60

	// ingestBuffer bounds trades queued between frames.
	ingestBuffer = 4096

	// Bounds for caller-supplied view settings.
	minWindowSeconds  = 5
	maxWindowSeconds  = 120
	windowStepSeconds = 5
	minSeparation     = 0.5
	maxSeparation     = 10.0
)

var (
	// ErrNotRunning is returned by commands before Start or after Close.
	ErrNotRunning = errors.New("engine is not running")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
)

// Generator is the synthetic event source.
type Generator interface {
	Resume()
	Pause()
	Close()
}

// LiveFeed is the live exchange connection.
type LiveFeed interface {
	Connect(ctx context.Context) error
	Disconnect()
	Close()
	SubscribeTrades(coin string, fn func(model.TradeEvent)) error
}

// StatsSink receives published stats.
type StatsSink interface {
	Publish(stats model.Stats)
}

// Config holds the initial view settings.
type Config struct {
	WindowSeconds    int
	SeparationScale  float64
	FPS              int
	Width            int
	Height           int
	DevicePixelRatio float64
	Streaming        bool
	Source           model.SourceMode
	Coin             string
	ParticleCapacity int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithGenerator replaces the built-in synthetic generator.
func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.synthetic = g }
}

// WithLiveFeed sets the live feed. Without one, selecting the live source
// produces no events.
func WithLiveFeed(f LiveFeed) Option {
	return func(e *Engine) { e.live = f }
}

// WithPublisher sets the stats sink.
func WithPublisher(p StatsSink) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand seeds particle lanes and lifetimes.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithManualFrames disables the frame ticker; frames run only via Step.
func WithManualFrames() Option {
	return func(e *Engine) { e.manualFrames = true }
}

// Engine is the RenderLoop owner.
type Engine struct {
	cfg          Config
	now          func() time.Time
	rng          *rand.Rand
	manualFrames bool

	synthetic Generator
	live      LiveFeed
	publisher StatsSink

	ingestCh chan model.TradeEvent
	cmdCh    chan func()
	stateCh  chan struct{}

	connection atomic.Int32
	latest     atomic.Pointer[model.Stats]
	dropped    atomic.Uint64

	started   atomic.Bool
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger  zerolog.Logger
	sampled zerolog.Logger

	// Loop-owned state.
	agg        *window.Aggregator
	pool       *particles.Pool
	painter    *render.Painter
	surface    *render.Surface
	streaming  bool
	source     model.SourceMode
	separation float64
	active     bool
	frames     uint64
	ingested   uint64
}

// New creates a stopped engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.Coin == "" {
		cfg.Coin = "BTC"
	}
	cfg.WindowSeconds = utils.SnapInt(cfg.WindowSeconds, minWindowSeconds, maxWindowSeconds, windowStepSeconds)
	cfg.SeparationScale = utils.Clamp(cfg.SeparationScale, minSeparation, maxSeparation)

	surface, err := render.NewSurface(cfg.Width, cfg.Height, cfg.DevicePixelRatio)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "engine").Logger()
	e := &Engine{
		cfg:        cfg,
		now:        time.Now,
		ingestCh:   make(chan model.TradeEvent, ingestBuffer),
		cmdCh:      make(chan func()),
		stateCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     logger,
		sampled:    logger.Sample(&zerolog.BurstSampler{Burst: 3, Period: 10 * time.Second}),
		painter:    render.NewPainter(),
		surface:    surface,
		streaming:  cfg.Streaming,
		source:     cfg.Source,
		separation: cfg.SeparationScale,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.synthetic == nil {
		e.synthetic = source.NewSynthetic(e.Ingest, nil)
	}
	e.agg = window.NewAggregator(window.Config{WindowMs: int64(cfg.WindowSeconds) * 1000})
	e.pool = particles.NewPool(cfg.ParticleCapacity, e.rng)
	e.storeLatest()
	return e, nil
}

// Start launches the loop goroutine and activates the configured source
// when streaming. The loop runs until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	ready := make(chan struct{})
	go e.run(ready)
	<-ready
	return nil
}

// Close stops the loop and releases timers, the frame ticker, the live
// connection and its subscriptions. It is safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		// Claiming the started flag here makes a later Start fail.
		if e.started.CompareAndSwap(false, true) {
			e.synthetic.Close()
			if e.live != nil {
				e.live.Close()
			}
			close(e.done)
			return
		}
		e.cancel()
		<-e.done
	})
}

// Done is closed when the loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Ingest queues a trade for the loop. Safe from any goroutine; never
// blocks. Trades arriving while the queue is full are dropped.
func (e *Engine) Ingest(ev model.TradeEvent) {
	select {
	case e.ingestCh <- ev:
	default:
		n := e.dropped.Add(1)
		e.sampled.Warn().Uint64("dropped", n).Msg("ingest queue full, dropping trade")
	}
}

// OnConnectionState records a live connection state. It never blocks and
// may be called while the caller holds its own locks.
func (e *Engine) OnConnectionState(s websocket.State) {
	e.connection.Store(int32(s))
	select {
	case e.stateCh <- struct{}{}:
	default:
	}
}

// Status returns the stats as of the last frame or command. It does not
// wait for the loop.
func (e *Engine) Status() model.Stats {
	return *e.latest.Load()
}

// Dropped returns how many trades were discarded at the ingest queue.
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}

// Healthy reports whether stats describes a streaming engine whose source
// is able to produce events.
func Healthy(stats model.Stats) bool {
	if !stats.Streaming {
		return false
	}
	return stats.Source == model.SyntheticSource.String() || stats.Connection == websocket.Connected.String()
}

// SetWindowSeconds changes the window horizon. The value is clamped to
// [5,120] and snapped to a multiple of 5; the applied value is returned.
func (e *Engine) SetWindowSeconds(seconds int) (int, error) {
	seconds = utils.SnapInt(seconds, minWindowSeconds, maxWindowSeconds, windowStepSeconds)
	err := e.do(func() {
		now := e.nowMs()
		e.agg.SetWindowLength(int64(seconds)*1000, now)
		e.agg.ComputeShare(now, true)
		e.publish()
	})
	return seconds, err
}

// SetSeparation changes the branch separation scale, clamped to [0.5,10].
func (e *Engine) SetSeparation(scale float64) (float64, error) {
	scale = utils.Clamp(scale, minSeparation, maxSeparation)
	err := e.do(func() {
		e.separation = scale
	})
	return scale, err
}

// SetStreaming pauses or resumes the current source. Window state is kept.
func (e *Engine) SetStreaming(on bool) error {
	return e.do(func() {
		if e.streaming == on {
			return
		}
		e.streaming = on
		e.reconcile()
		e.publish()
	})
}

// SetSource switches between the synthetic and live sources. The window is
// not flushed; trades from the previous source age out naturally.
func (e *Engine) SetSource(mode model.SourceMode) error {
	return e.do(func() {
		if e.source == mode {
			return
		}
		e.deactivate()
		e.source = mode
		e.reconcile()
		e.publish()
	})
}

// Resize replaces the pixel surface.
func (e *Engine) Resize(width, height int, devicePixelRatio float64) error {
	surface, err := render.NewSurface(width, height, devicePixelRatio)
	if err != nil {
		return err
	}
	return e.do(func() {
		e.surface = surface
		e.paint(e.agg.Share(), e.pool.Advance(e.nowMs()))
	})
}

// Snapshot encodes the last painted frame as PNG.
func (e *Engine) Snapshot() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if doErr := e.do(func() {
		data, err = e.surface.PNG()
	}); doErr != nil {
		return nil, doErr
	}
	return data, err
}

// Stats returns stats computed by the loop at call time.
func (e *Engine) Stats() (model.Stats, error) {
	var stats model.Stats
	err := e.do(func() {
		e.drain()
		e.agg.Prune(e.nowMs())
		stats = e.buildStats()
	})
	return stats, err
}

// Step runs one frame synchronously.
func (e *Engine) Step() error {
	return e.do(e.frame)
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(fn func()) error {
	if !e.started.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	select {
	case e.cmdCh <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrNotRunning
	}
}

func (e *Engine) run(ready chan<- struct{}) {
	defer close(e.done)

	var tick <-chan time.Time
	if !e.manualFrames {
		ticker := time.NewTicker(time.Second / time.Duration(e.cfg.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	e.logger.Info().
		Str("source", e.source.String()).
		Bool("streaming", e.streaming).
		Int("fps", e.cfg.FPS).
		Int("windowSeconds", e.cfg.WindowSeconds).
		Msg("render loop started")

	e.reconcile()
	e.agg.ComputeShare(e.nowMs(), true)
	e.publish()
	close(ready)

	for {
		select {
		case <-e.ctx.Done():
			e.teardown()
			return
		case ev := <-e.ingestCh:
			e.ingest(ev)
		case fn := <-e.cmdCh:
			fn()
		case <-e.stateCh:
			e.publish()
		case <-tick:
			e.frame()
		}
	}
}

// frame runs one Prune → ComputeShare → Advance → Paint cycle.
func (e *Engine) frame() {
	e.drain()

	now := e.nowMs()
	e.agg.Prune(now)
	share, changed := e.agg.ComputeShare(now, false)
	live := e.pool.Advance(now)
	e.paint(share, live)
	e.frames++

	if changed {
		e.publish()
	} else {
		e.storeLatest()
	}
}

func (e *Engine) paint(share model.Share, live []particles.Live) {
	e.painter.Paint(e.surface, render.Frame{
		BuyShare:   share.BuyShare,
		Separation: e.separation,
		Particles:  live,
	})
}

// drain ingests every queued trade so a frame never lags its inputs.
func (e *Engine) drain() {
	for {
		select {
		case ev := <-e.ingestCh:
			e.ingest(ev)
		default:
			return
		}
	}
}

// ingest adds a trade from the active source to the window and the pool.
// Window time is arrival time, so the queue stays in arrival order even
// when exchange timestamps drift from the local clock.
func (e *Engine) ingest(ev model.TradeEvent) {
	if !e.streaming || ev.Source != e.source {
		return
	}
	now := e.nowMs()
	ev.Timestamp = now
	e.agg.Ingest(ev)
	e.pool.Spawn(ev, now)
	e.ingested++
}

// reconcile activates the current source when streaming and deactivates it
// otherwise.
func (e *Engine) reconcile() {
	if e.streaming {
		e.activate()
	} else {
		e.deactivate()
	}
}

func (e *Engine) activate() {
	if e.active {
		return
	}
	e.active = true

	switch e.source {
	case model.LiveSource:
		if e.live == nil {
			e.logger.Warn().Msg("live source selected but no feed configured")
			return
		}
		if err := e.live.SubscribeTrades(e.cfg.Coin, e.Ingest); err != nil {
			e.logger.Error().Err(err).Str("coin", e.cfg.Coin).Msg("failed to subscribe to trades")
			return
		}
		feed, ctx := e.live, e.ctx
		go func() {
			if err := feed.Connect(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("live connect failed, reconnecting in background")
			}
		}()
	default:
		e.synthetic.Resume()
	}
	e.logger.Info().Str("source", e.source.String()).Msg("source activated")
}

func (e *Engine) deactivate() {
	if !e.active {
		return
	}
	e.active = false

	switch e.source {
	case model.LiveSource:
		if e.live != nil {
			e.live.Disconnect()
		}
	default:
		e.synthetic.Pause()
	}
	e.logger.Info().Str("source", e.source.String()).Msg("source deactivated")
}

func (e *Engine) teardown() {
	e.deactivate()
	e.synthetic.Close()
	if e.live != nil {
		e.live.Close()
	}
	e.pool.Clear()
	e.logger.Info().
		Uint64("frames", e.frames).
		Uint64("ingested", e.ingested).
		Uint64("dropped", e.dropped.Load()).
		Msg("render loop stopped")
}

func (e *Engine) buildStats() model.Stats {
	totals := e.agg.Totals()
	share := e.agg.Share()
	return model.Stats{
		BuyShare:      share.BuyShare,
		SellShare:     share.SellShare,
		BuyVolume:     totals.BuyVolume,
		SellVolume:    totals.SellVolume,
		BuyCount:      totals.BuyCount,
		SellCount:     totals.SellCount,
		WindowSeconds: int(e.agg.WindowMs() / 1000),
		Source:        e.source.String(),
		Streaming:     e.streaming,
		Connection:    websocket.State(e.connection.Load()).String(),
	}
}

func (e *Engine) storeLatest() model.Stats {
	stats := e.buildStats()
	e.latest.Store(&stats)
	return stats
}

func (e *Engine) publish() {
	stats := e.storeLatest()
	if e.publisher != nil {
		e.publisher.Publish(stats)
	}
}

func (e *Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

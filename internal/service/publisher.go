package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NpappaG/orderflow-component/internal/model"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Sink receives every published stats value.
type Sink interface {
	Publish(stats model.Stats) error
	Close() error
}

// Publisher is the StatsPublisher: the single exit point for stats leaving
// the render loop. It forwards changed values to the dispatcher and to every
// sink, and keeps the latest value for polling readers.
type Publisher struct {
	mu      sync.RWMutex
	latest  model.Stats
	has     bool
	sinks   []Sink
	out     chan model.Stats
	closed  bool
	skipped uint64
}

// NewPublisher creates a publisher whose output channel holds up to buffer
// values.
func NewPublisher(buffer int, sinks ...Sink) *Publisher {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &Publisher{
		sinks: sinks,
		out:   make(chan model.Stats, buffer),
	}
}

// Out returns the channel to feed into Dispatcher.StartDispatching.
func (p *Publisher) Out() <-chan model.Stats {
	return p.out
}

// Start wires the publisher to d and starts dispatching.
func (p *Publisher) Start(ctx context.Context, d *Dispatcher) error {
	return d.StartDispatching(ctx, p.out)
}

// Publish records stats and forwards it unless it equals the last value.
// It never blocks: when the output buffer is full the oldest value is
// dropped. Sink errors are logged.
func (p *Publisher) Publish(stats model.Stats) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.has && p.latest == stats {
		p.skipped++
		p.mu.Unlock()
		return
	}
	p.latest = stats
	p.has = true

	select {
	case p.out <- stats:
	default:
		select {
		case <-p.out:
		default:
		}
		p.out <- stats
	}
	sinks := p.sinks
	p.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(stats); err != nil {
			log.Warn().Err(err).Str("component", "publisher").Msg("sink publish failed")
		}
	}
}

// Latest returns the last published value and whether one exists.
func (p *Publisher) Latest() (model.Stats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.has
}

// Skipped returns how many duplicate values were not forwarded.
func (p *Publisher) Skipped() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.skipped
}

// Close closes the output channel and every sink. Further publishes are
// ignored.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.out)
	sinks := p.sinks
	p.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// natsConn is the subset of *nats.Conn used by NATSSink.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes stats as JSON on a NATS subject.
type NATSSink struct {
	conn    natsConn
	subject string
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("orderflow-stats"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", url).Str("subject", subject).Msg("connected to NATS")
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Publish encodes stats and publishes it.
func (s *NATSSink) Publish(stats model.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

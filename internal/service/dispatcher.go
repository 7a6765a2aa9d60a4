// Package service provides the stats publishing components of the visualizer.
//
// The dispatcher component implements a fan-out message distribution system that delivers
// stats snapshots to multiple subscribers while handling slow clients gracefully.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/NpappaG/orderflow-component/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	// defaultBufferSize is the per-subscriber channel capacity.
	defaultBufferSize = 16

	// controlQueueSize bounds pending subscribe and unsubscribe requests.
	controlQueueSize = 10
)

var (
	// ErrDispatcherNotStarted is returned by Subscribe before StartDispatching.
	ErrDispatcherNotStarted = errors.New("dispatcher not started")

	// ErrTooManySubscribers is returned when MaxSubscribers is reached.
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// Subscriber represents one consumer of the stats stream.
//
// Each subscriber owns a buffered channel; the dispatcher closes it on
// unsubscribe or shutdown.
type Subscriber struct {
	id int64            // unique identifier for the subscriber
	ch chan model.Stats // buffered channel for stats delivery
}

// C returns the receive side of the subscriber's channel.
func (s *Subscriber) C() <-chan model.Stats {
	return s.ch
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() int64 {
	return s.id
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	BufferSize     int // Per-subscriber channel capacity; defaults to 16
	MaxSubscribers int // Upper bound on concurrent subscribers; zero means unlimited
}

// Dispatcher implements a fan-out distribution system for stats snapshots.
//
// The dispatcher uses the actor model pattern where a single goroutine owns and manages
// all shared state (subscribers map and the last value), eliminating the need for mutexes.
// External interactions happen through channels.
type Dispatcher struct {
	cfg              DispatcherConfig      // Configuration parameters
	subscribers      map[int64]*Subscriber // Active subscribers (owned by dispatch goroutine)
	subscriptionCh   chan *Subscriber      // Channel for new subscription requests
	unsubscriptionCh chan *Subscriber      // Channel for unsubscription requests
	started          atomic.Bool           // Atomic flag tracking dispatcher state
	count            atomic.Int64          // Subscribers accepted and not yet removed
	nextID           atomic.Int64          // Source of subscriber IDs
	last             *model.Stats          // Last dispatched value (owned by dispatch goroutine)
	cancelled        map[int64]struct{}    // Unsubscribed before their subscribe was processed
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		cancelled:        make(map[int64]struct{}),
		subscriptionCh:   make(chan *Subscriber, controlQueueSize),
		unsubscriptionCh: make(chan *Subscriber, controlQueueSize),
	}
}

// Subscribe creates a new subscriber. The most recent stats value, if any,
// is delivered first.
func (b *Dispatcher) Subscribe() (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	if limit := int64(b.cfg.MaxSubscribers); limit > 0 && b.count.Load() >= limit {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySubscribers, limit)
	}

	sub := &Subscriber{
		id: b.nextID.Add(1),
		ch: make(chan model.Stats, b.cfg.BufferSize),
	}

	// write to channel, return error if blocked
	select {
	case b.subscriptionCh <- sub:
		b.count.Add(1)
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}

	return sub, nil
}

// subscribe is an internal method that adds a subscriber to the active subscribers map.
func (b *Dispatcher) subscribe(sub *Subscriber) {
	if _, ok := b.cancelled[sub.id]; ok {
		delete(b.cancelled, sub.id)
		close(sub.ch)
		b.count.Add(-1)
		return
	}
	b.subscribers[sub.id] = sub
	if b.last != nil {
		sub.ch <- *b.last
	}
}

// Unsubscribe removes a subscriber from the dispatcher.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	// write to channel, return error if blocked
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

// unsubscribe is an internal method that removes a subscriber and cleans up resources.
func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
		b.count.Add(-1)
		return
	}
	// The two request channels are not ordered relative to each other.
	b.cancelled[sub.id] = struct{}{}
}

// Subscribers returns the number of accepted subscribers.
func (b *Dispatcher) Subscribers() int {
	return int(b.count.Load())
}

// StartDispatching starts the dispatcher goroutine, which serves requests from three
// sources until ctx is cancelled or statsCh is closed:
//  1. Context cancellation for graceful shutdown
//  2. Subscription/unsubscription requests via channels
//  3. Incoming stats for distribution
func (b *Dispatcher) StartDispatching(ctx context.Context, statsCh <-chan model.Stats) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			// Cleanup on shutdown
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[int64]*Subscriber)
			b.count.Store(0)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("component", "dispatcher").Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case stats, ok := <-statsCh:
				if !ok {
					log.Info().Str("component", "dispatcher").Msg("stats channel closed, dispatcher stopped")
					return
				}
				b.dispatch(stats)
			}
		}
	}()
	return nil
}

// dispatch distributes a stats value to every subscriber.
//
// Behavior for slow clients:
//   - If subscriber channel is full, drops the oldest buffered value
//   - Ensures the new value is always delivered
func (b *Dispatcher) dispatch(stats model.Stats) {
	b.last = &stats
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- stats:
			// Successfully delivered without blocking
		default:
			log.Debug().Int64("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered stats")
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- stats
		}
	}
}

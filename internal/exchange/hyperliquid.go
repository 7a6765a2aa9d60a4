// Package exchange provides the live exchange feed for real-time trade data.
//
// This file implements the Hyperliquid connector. It builds subscribe and
// unsubscribe payloads, routes inbound frames to the subscriptions whose
// constraints they satisfy, and normalizes trade records into TradeEvents.
// The reconnecting transport lives in the websocket package.
package exchange

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NpappaG/orderflow-component/internal/model"
	"github.com/NpappaG/orderflow-component/internal/utils"
	"github.com/NpappaG/orderflow-component/internal/websocket"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// dedupCapacity is the size at which the recent-id set is trimmed.
	dedupCapacity = 500

	// dedupRetain is how many of the newest ids survive a trim.
	dedupRetain = 400

	// tradesChannel is the channel type carrying trade batches.
	tradesChannel = "trades"
)

var (
	// defaultHyperliquidConfig provides sensible defaults for Hyperliquid connections.
	defaultHyperliquidConfig = ExchangeConfig{
		BaseURL:         "wss://api.hyperliquid.xyz/ws",
		MaxSymbols:      10,
		HeartbeatPeriod: 30 * time.Second,
	}
)

// Transport is the duplex connection the feed drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Close()
	Subscribe(key string, subscribe, unsubscribe []byte) error
	Unsubscribe(key string) error
	State() websocket.State
}

// Subscription identifies one stream on the exchange. Empty constraint
// fields are omitted from the wire payload and match anything.
type Subscription struct {
	Type     string `json:"type" validate:"required"`
	Coin     string `json:"coin,omitempty"`
	User     string `json:"user,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Key returns the registry key for the subscription.
func (s Subscription) Key() string {
	return strings.Join([]string{
		normalizeChannel(s.Type),
		strings.ToUpper(s.Coin),
		strings.ToLower(s.User),
		s.Interval,
	}, "|")
}

// request is an outbound control message.
//
// Example JSON:
//
//	{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}
type request struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// envelope is the outer shape of every inbound frame.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// hlTrade is one trade record on the trades channel.
//
// Example JSON:
//
//	{"coin":"BTC","side":"B","px":"64012.5","sz":"0.013","time":1718000000000,"tid":90210,"hash":"0xab.."}
type hlTrade struct {
	Coin string          `json:"coin" validate:"required"`
	Side string          `json:"side" validate:"required"`
	Px   *string         `json:"px"`
	Sz   string          `json:"sz" validate:"required"`
	Time int64           `json:"time" validate:"gte=0"`
	Tid  json.RawMessage `json:"tid"`
	Hash string          `json:"hash"`
}

// Counters are cumulative feed statistics.
type Counters struct {
	Ingested   uint64 `json:"ingested"`
	Malformed  uint64 `json:"malformed"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`
}

// route is a registered subscription and its frame callback.
type route struct {
	sub     Subscription
	channel string
	deliver func(data json.RawMessage)
}

// HyperliquidFeed is the live trade feed.
type HyperliquidFeed struct {
	// config stores the validated exchange configuration.
	config ExchangeConfig

	// validate provides field validation for incoming trade records.
	validate *validator.Validate

	transport Transport

	mu     sync.Mutex
	routes map[string]*route

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	ingested   atomic.Uint64
	malformed  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64

	now func() time.Time

	logger  zerolog.Logger
	sampled zerolog.Logger
}

// NewHyperliquidFeed creates a feed backed by a reconnecting websocket
// client. onState receives every connection state transition and may be nil.
func NewHyperliquidFeed(cfg *ExchangeConfig, onState func(websocket.State)) (*HyperliquidFeed, error) {
	feed, err := newFeed(cfg)
	if err != nil {
		return nil, err
	}

	heartbeat, err := json.Marshal(request{Method: "ping"})
	if err != nil {
		return nil, err
	}

	client, err := websocket.NewClient(websocket.Config{
		Endpoint:         feed.config.BaseURL,
		Handler:          feed.HandleMessage,
		OnStateChange:    onState,
		TLSInsecureSkip:  feed.config.TLSInsecureSkip,
		HeartbeatPeriod:  feed.config.HeartbeatPeriod,
		HeartbeatMessage: heartbeat,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create Hyperliquid WebSocket client")
		return nil, err
	}
	feed.transport = client
	return feed, nil
}

// NewHyperliquidFeedWithTransport creates a feed over an existing transport.
// The transport must deliver inbound frames to HandleMessage.
func NewHyperliquidFeedWithTransport(cfg *ExchangeConfig, transport Transport) (*HyperliquidFeed, error) {
	feed, err := newFeed(cfg)
	if err != nil {
		return nil, err
	}
	feed.transport = transport
	return feed, nil
}

func newFeed(cfg *ExchangeConfig) (*HyperliquidFeed, error) {
	// Apply default configuration if none provided
	c := defaultHyperliquidConfig
	if cfg != nil {
		c = *cfg
	}

	if err := validateConfig(&c, &defaultHyperliquidConfig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	logger := log.With().Str("component", "hyperliquid").Logger()
	return &HyperliquidFeed{
		config:   c,
		validate: validator.New(),
		routes:   make(map[string]*route),
		seen:     make(map[string]struct{}, dedupCapacity+1),
		now:      time.Now,
		logger:   logger,
		sampled:  logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second}),
	}, nil
}

// Config returns the validated configuration.
func (f *HyperliquidFeed) Config() ExchangeConfig {
	return f.config
}

// Connect opens the connection; see websocket.Client.Connect.
func (f *HyperliquidFeed) Connect(ctx context.Context) error {
	return f.transport.Connect(ctx)
}

// Disconnect closes the connection and forgets every subscription.
func (f *HyperliquidFeed) Disconnect() {
	f.mu.Lock()
	f.routes = make(map[string]*route)
	f.mu.Unlock()
	f.transport.Disconnect()
}

// Close releases the transport. The feed cannot be reused.
func (f *HyperliquidFeed) Close() {
	f.mu.Lock()
	f.routes = make(map[string]*route)
	f.mu.Unlock()
	f.transport.Close()
}

// State returns the transport state.
func (f *HyperliquidFeed) State() websocket.State {
	return f.transport.State()
}

// Counters returns a snapshot of the feed statistics.
func (f *HyperliquidFeed) Counters() Counters {
	return Counters{
		Ingested:   f.ingested.Load(),
		Malformed:  f.malformed.Load(),
		Duplicates: f.duplicates.Load(),
		Dropped:    f.dropped.Load(),
	}
}

// Subscribe registers sub and delivers the data of every matching frame to
// fn. Re-subscribing the same key replaces the callback.
func (f *HyperliquidFeed) Subscribe(sub Subscription, fn func(data json.RawMessage)) error {
	if err := f.validate.Struct(&sub); err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}

	subMsg, err := buildSubscriptionMessage("subscribe", sub)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal subscription message")
		return err
	}
	unsubMsg, err := buildSubscriptionMessage("unsubscribe", sub)
	if err != nil {
		return err
	}

	key := sub.Key()
	f.mu.Lock()
	if _, exists := f.routes[key]; !exists && len(f.routes) >= f.config.MaxSymbols {
		f.mu.Unlock()
		return fmt.Errorf("%w: limit is %d", ErrTooManySubscriptions, f.config.MaxSymbols)
	}
	f.routes[key] = &route{sub: sub, channel: normalizeChannel(sub.Type), deliver: fn}
	f.mu.Unlock()

	f.logger.Info().Str("key", key).Msg("subscribing")
	return f.transport.Subscribe(key, subMsg, unsubMsg)
}

// Unsubscribe removes sub. Unknown subscriptions are ignored.
func (f *HyperliquidFeed) Unsubscribe(sub Subscription) error {
	key := sub.Key()
	f.mu.Lock()
	_, ok := f.routes[key]
	delete(f.routes, key)
	f.mu.Unlock()
	if !ok {
		return nil
	}

	f.logger.Info().Str("key", key).Msg("unsubscribing")
	return f.transport.Unsubscribe(key)
}

// SubscribeTrades subscribes to the trades channel of coin and calls fn for
// every new, well-formed trade.
func (f *HyperliquidFeed) SubscribeTrades(coin string, fn func(model.TradeEvent)) error {
	if err := utils.ValidateCoin(coin); err != nil {
		return err
	}
	return f.Subscribe(Subscription{Type: tradesChannel, Coin: coin}, func(data json.RawMessage) {
		for _, ev := range f.parseTrades(data, coin) {
			fn(ev)
		}
	})
}

// UnsubscribeTrades removes the trades subscription of coin.
func (f *HyperliquidFeed) UnsubscribeTrades(coin string) error {
	return f.Unsubscribe(Subscription{Type: tradesChannel, Coin: coin})
}

// buildSubscriptionMessage creates a subscribe or unsubscribe request.
func buildSubscriptionMessage(method string, sub Subscription) ([]byte, error) {
	return json.Marshal(request{Method: method, Subscription: &sub})
}

// HandleMessage decodes one inbound frame and routes it.
func (f *HyperliquidFeed) HandleMessage(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.malformed.Add(1)
		f.sampled.Warn().Err(err).Msg("failed to unmarshal Hyperliquid frame")
		return
	}

	switch env.Channel {
	case "subscriptionResponse":
		f.logger.Debug().RawJSON("data", env.Data).Msg("subscription acknowledged")
		return
	case "pong":
		f.logger.Debug().Msg("pong")
		return
	case "error":
		f.sampled.Warn().RawJSON("data", env.Data).Msg("exchange reported an error")
		return
	case "":
		f.dropped.Add(1)
		f.sampled.Debug().Int("bytes", len(raw)).Msg("dropping frame without channel")
		return
	}

	targets := f.match(env.Channel, env.Data)
	if len(targets) == 0 {
		f.dropped.Add(1)
		f.sampled.Debug().Str("channel", env.Channel).Msg("dropping frame with no matching subscription")
		return
	}
	for _, deliver := range targets {
		deliver(env.Data)
	}
}

// match returns the callbacks of every route accepting the frame.
func (f *HyperliquidFeed) match(channel string, data json.RawMessage) []func(json.RawMessage) {
	channel = normalizeChannel(channel)

	f.mu.Lock()
	candidates := make([]*route, 0, len(f.routes))
	for _, r := range f.routes {
		if r.channel == channel {
			candidates = append(candidates, r)
		}
	}
	f.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	// Decode lazily; unconstrained routes never need the payload tree.
	var (
		tree    any
		decoded bool
		bad     bool
	)
	targets := make([]func(json.RawMessage), 0, len(candidates))
	for _, r := range candidates {
		constraints := r.sub.constraints()
		if len(constraints) == 0 {
			targets = append(targets, r.deliver)
			continue
		}
		if !decoded {
			decoded = true
			if err := json.Unmarshal(data, &tree); err != nil {
				bad = true
			}
		}
		if bad {
			continue
		}
		ok := true
		for field, want := range constraints {
			if !containsField(tree, field, want) {
				ok = false
				break
			}
		}
		if ok {
			targets = append(targets, r.deliver)
		}
	}
	return targets
}

// constraints returns the non-empty constraint fields keyed by wire name.
func (s Subscription) constraints() map[string]string {
	c := make(map[string]string, 3)
	if s.Coin != "" {
		c["coin"] = s.Coin
	}
	if s.User != "" {
		c["user"] = s.User
	}
	if s.Interval != "" {
		c["interval"] = s.Interval
	}
	return c
}

// containsField reports whether any object nested in v has key field with a
// string value equal to want, ignoring case.
func containsField(v any, field, want string) bool {
	switch node := v.(type) {
	case map[string]any:
		if s, ok := node[field].(string); ok && strings.EqualFold(s, want) {
			return true
		}
		for _, child := range node {
			if containsField(child, field, want) {
				return true
			}
		}
	case []any:
		for _, child := range node {
			if containsField(child, field, want) {
				return true
			}
		}
	}
	return false
}

// normalizeChannel lowercases a channel type and strips separators, so
// "userFills", "user_fills" and "User-Fills" compare equal.
func normalizeChannel(channel string) string {
	var b strings.Builder
	b.Grow(len(channel))
	for _, r := range strings.ToLower(channel) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseTrades decodes a trades payload, which is either an array of records
// or a single record, and returns the new, well-formed trades of coin. Each
// record is decoded on its own so one bad record only drops itself.
func (f *HyperliquidFeed) parseTrades(data json.RawMessage, coin string) []model.TradeEvent {
	var raws []json.RawMessage
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			f.malformed.Add(1)
			f.sampled.Warn().Err(err).Msg("failed to unmarshal trade batch")
			return nil
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		raws = []json.RawMessage{trimmed}
	default:
		f.dropped.Add(1)
		f.sampled.Debug().Msg("dropping trades frame of unknown shape")
		return nil
	}

	events := make([]model.TradeEvent, 0, len(raws))
	for _, raw := range raws {
		rec := &hlTrade{}
		if err := json.Unmarshal(raw, rec); err != nil {
			f.malformed.Add(1)
			f.sampled.Warn().Err(err).Msg("failed to unmarshal trade")
			continue
		}
		if coin != "" && !strings.EqualFold(rec.Coin, coin) {
			continue
		}
		ev, err := f.normalize(rec)
		if err != nil {
			f.malformed.Add(1)
			f.sampled.Warn().Err(err).Str("coin", rec.Coin).Msg("dropping malformed trade")
			continue
		}
		if !f.markSeen(ev.ID) {
			f.duplicates.Add(1)
			continue
		}
		f.ingested.Add(1)
		events = append(events, ev)
	}
	return events
}

// normalize validates a trade record and converts it to a TradeEvent.
func (f *HyperliquidFeed) normalize(rec *hlTrade) (model.TradeEvent, error) {
	if err := f.validate.Struct(rec); err != nil {
		return model.TradeEvent{}, err
	}

	size, err := decimal.NewFromString(rec.Sz)
	if err != nil {
		return model.TradeEvent{}, fmt.Errorf("invalid trade size %q: %w", rec.Sz, err)
	}
	if size.IsNegative() {
		return model.TradeEvent{}, fmt.Errorf("negative trade size %q", rec.Sz)
	}

	volume := size
	px := ""
	if rec.Px != nil {
		px = *rec.Px
		price, err := decimal.NewFromString(px)
		if err != nil {
			return model.TradeEvent{}, fmt.Errorf("invalid trade price %q: %w", px, err)
		}
		if price.IsNegative() {
			return model.TradeEvent{}, fmt.Errorf("negative trade price %q", px)
		}
		volume = size.Mul(price)
	}

	ts := rec.Time
	if ts == 0 {
		ts = f.now().UnixMilli()
	}

	return model.TradeEvent{
		ID:        tradeID(rec, px),
		Side:      model.ParseSide(rec.Side),
		Volume:    volume.InexactFloat64(),
		Timestamp: ts,
		Source:    model.LiveSource,
	}, nil
}

// tradeID prefers the exchange trade id, then the transaction hash, then a
// composite of the record's fields.
func tradeID(rec *hlTrade, px string) string {
	tid := strings.Trim(string(bytes.TrimSpace(rec.Tid)), `"`)
	if tid != "" && tid != "null" {
		return tid
	}
	if rec.Hash != "" {
		return rec.Hash
	}
	return fmt.Sprintf("%s:%d:%s:%s", rec.Coin, rec.Time, px, rec.Sz)
}

// markSeen records id and reports whether it was new. The set is trimmed
// to the newest dedupRetain ids when it exceeds dedupCapacity.
func (f *HyperliquidFeed) markSeen(id string) bool {
	f.seenMu.Lock()
	defer f.seenMu.Unlock()

	if _, ok := f.seen[id]; ok {
		return false
	}
	f.seen[id] = struct{}{}
	f.seenOrder = append(f.seenOrder, id)

	if len(f.seenOrder) > dedupCapacity {
		cut := len(f.seenOrder) - dedupRetain
		for _, old := range f.seenOrder[:cut] {
			delete(f.seen, old)
		}
		f.seenOrder = append([]string(nil), f.seenOrder[cut:]...)
	}
	return true
}

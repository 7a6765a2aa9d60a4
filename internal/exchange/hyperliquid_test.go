package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NpappaG/orderflow-component/internal/model"
	"github.com/NpappaG/orderflow-component/internal/websocket"

	json "github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTransport records calls made by the feed.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTransport) Disconnect() { m.Called() }

func (m *MockTransport) Close() { m.Called() }

func (m *MockTransport) Subscribe(key string, subscribe, unsubscribe []byte) error {
	args := m.Called(key, subscribe, unsubscribe)
	return args.Error(0)
}

func (m *MockTransport) Unsubscribe(key string) error {
	args := m.Called(key)
	return args.Error(0)
}

func (m *MockTransport) State() websocket.State {
	args := m.Called()
	return args.Get(0).(websocket.State)
}

// collector gathers delivered trades.
type collector struct {
	mu     sync.Mutex
	events []model.TradeEvent
}

func (c *collector) add(ev model.TradeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) all() []model.TradeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.TradeEvent(nil), c.events...)
}

func newMockFeed(t *testing.T) (*HyperliquidFeed, *MockTransport) {
	t.Helper()
	transport := &MockTransport{}
	transport.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	transport.On("Unsubscribe", mock.Anything).Return(nil).Maybe()
	feed, err := NewHyperliquidFeedWithTransport(nil, transport)
	require.NoError(t, err)
	feed.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return feed, transport
}

// tradesFrame wraps trade records in a trades envelope.
func tradesFrame(data string) []byte {
	return []byte(`{"channel":"trades","data":` + data + `}`)
}

// Test_NewHyperliquidFeed tests the constructor with various configurations.
func Test_NewHyperliquidFeed(t *testing.T) {
	tests := []struct {
		name        string
		config      *ExchangeConfig
		expectError bool
		wantURL     string
	}{
		{
			name:    "Nil configuration uses defaults",
			config:  nil,
			wantURL: "wss://api.hyperliquid.xyz/ws",
		},
		{
			name:    "Custom configuration",
			config:  &ExchangeConfig{BaseURL: "ws://localhost:9000/ws", MaxSymbols: 2},
			wantURL: "ws://localhost:9000/ws",
		},
		{
			name:        "Invalid scheme",
			config:      &ExchangeConfig{BaseURL: "http://localhost:9000"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed, err := NewHyperliquidFeed(tt.config, nil)
			if tt.expectError {
				assert.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Nil(t, feed)
				return
			}
			require.NoError(t, err)
			defer feed.Close()
			assert.Equal(t, tt.wantURL, feed.Config().BaseURL)
			assert.Equal(t, websocket.Disconnected, feed.State())
		})
	}
}

// Test_BuildSubscriptionMessage tests the outbound payload shape.
func Test_BuildSubscriptionMessage(t *testing.T) {
	tests := []struct {
		name   string
		method string
		sub    Subscription
		want   string
	}{
		{
			name:   "Trades subscribe",
			method: "subscribe",
			sub:    Subscription{Type: "trades", Coin: "BTC"},
			want:   `{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`,
		},
		{
			name:   "Candle unsubscribe",
			method: "unsubscribe",
			sub:    Subscription{Type: "candle", Coin: "ETH", Interval: "1m"},
			want:   `{"method":"unsubscribe","subscription":{"type":"candle","coin":"ETH","interval":"1m"}}`,
		},
		{
			name:   "User fills",
			method: "subscribe",
			sub:    Subscription{Type: "userFills", User: "0xabc"},
			want:   `{"method":"subscribe","subscription":{"type":"userFills","user":"0xabc"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := buildSubscriptionMessage(tt.method, tt.sub)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(msg))
		})
	}
}

// Test_SubscribeTrades tests registration with the transport.
func Test_SubscribeTrades(t *testing.T) {
	feed, transport := newMockFeed(t)

	require.NoError(t, feed.SubscribeTrades("BTC", func(model.TradeEvent) {}))
	transport.AssertCalled(t, "Subscribe",
		"trades|BTC||",
		[]byte(`{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`),
		[]byte(`{"method":"unsubscribe","subscription":{"type":"trades","coin":"BTC"}}`),
	)

	assert.Error(t, feed.SubscribeTrades("", func(model.TradeEvent) {}), "empty coin rejected")
	assert.Error(t, feed.SubscribeTrades("BTC USD", func(model.TradeEvent) {}), "invalid coin rejected")

	require.NoError(t, feed.UnsubscribeTrades("BTC"))
	transport.AssertCalled(t, "Unsubscribe", "trades|BTC||")

	// Unknown subscriptions are not forwarded.
	require.NoError(t, feed.UnsubscribeTrades("ETH"))
	transport.AssertNumberOfCalls(t, "Unsubscribe", 1)
}

// Test_SubscriptionLimit tests MaxSymbols enforcement.
func Test_SubscriptionLimit(t *testing.T) {
	transport := &MockTransport{}
	transport.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	feed, err := NewHyperliquidFeedWithTransport(&ExchangeConfig{BaseURL: "ws://x", MaxSymbols: 1}, transport)
	require.NoError(t, err)

	require.NoError(t, feed.SubscribeTrades("BTC", func(model.TradeEvent) {}))
	require.NoError(t, feed.SubscribeTrades("BTC", func(model.TradeEvent) {}), "replacing an existing key is allowed")
	assert.ErrorIs(t, feed.SubscribeTrades("ETH", func(model.TradeEvent) {}), ErrTooManySubscriptions)
}

// Test_HandleTradeMessages tests normalization of trade frames.
func Test_HandleTradeMessages(t *testing.T) {
	tests := []struct {
		name          string
		frame         []byte
		wantEvents    []model.TradeEvent
		wantMalformed uint64
		wantDropped   uint64
	}{
		{
			name:  "Array of trades",
			frame: tradesFrame(`[{"coin":"BTC","side":"B","px":"100","sz":"2","time":1000,"tid":7},{"coin":"BTC","side":"A","px":"50.5","sz":"2","time":1001,"tid":8}]`),
			wantEvents: []model.TradeEvent{
				{ID: "7", Side: model.Buy, Volume: 200, Timestamp: 1000, Source: model.LiveSource},
				{ID: "8", Side: model.Sell, Volume: 101, Timestamp: 1001, Source: model.LiveSource},
			},
		},
		{
			name:  "Single trade object",
			frame: tradesFrame(`{"coin":"BTC","side":"buy","px":"10","sz":"3","time":5,"hash":"0xfeed"}`),
			wantEvents: []model.TradeEvent{
				{ID: "0xfeed", Side: model.Buy, Volume: 30, Timestamp: 5, Source: model.LiveSource},
			},
		},
		{
			name:  "Missing price uses size",
			frame: tradesFrame(`[{"coin":"BTC","side":"S","sz":"4","time":9}]`),
			wantEvents: []model.TradeEvent{
				{ID: "BTC:9::4", Side: model.Sell, Volume: 4, Timestamp: 9, Source: model.LiveSource},
			},
		},
		{
			name:  "Missing time uses receive time",
			frame: tradesFrame(`[{"coin":"BTC","side":"B","px":"1","sz":"1","tid":"abc"}]`),
			wantEvents: []model.TradeEvent{
				{ID: "abc", Side: model.Buy, Volume: 1, Timestamp: 1_700_000_000_000, Source: model.LiveSource},
			},
		},
		{
			name:          "Non-numeric price is malformed",
			frame:         tradesFrame(`[{"coin":"BTC","side":"B","px":"abc","sz":"5","time":1}]`),
			wantMalformed: 1,
		},
		{
			name:          "Non-numeric size is malformed",
			frame:         tradesFrame(`[{"coin":"BTC","side":"B","px":"1","sz":"lots","time":1}]`),
			wantMalformed: 1,
		},
		{
			name:          "Missing side fails validation",
			frame:         tradesFrame(`[{"coin":"BTC","px":"1","sz":"1","time":1}]`),
			wantMalformed: 1,
		},
		{
			name:  "Off-type record drops only itself",
			frame: tradesFrame(`[{"coin":"BTC","side":"B","px":"10","sz":"1","time":1,"tid":1},{"coin":"BTC","side":"B","px":10,"sz":"1","time":2,"tid":2},{"coin":"BTC","side":"A","px":"20","sz":"1","time":3,"tid":3}]`),
			wantEvents: []model.TradeEvent{
				{ID: "1", Side: model.Buy, Volume: 10, Timestamp: 1, Source: model.LiveSource},
				{ID: "3", Side: model.Sell, Volume: 20, Timestamp: 3, Source: model.LiveSource},
			},
			wantMalformed: 1,
		},
		{
			name:  "Invalid values drop only their record",
			frame: tradesFrame(`[{"coin":"BTC","side":"B","px":"abc","sz":"1","time":1,"tid":11},{"coin":"BTC","side":"A","px":"2","sz":"3","time":2,"tid":12},{"coin":"BTC","side":"B","px":"1","sz":"1","time":"soon","tid":13}]`),
			wantEvents: []model.TradeEvent{
				{ID: "12", Side: model.Sell, Volume: 6, Timestamp: 2, Source: model.LiveSource},
			},
			wantMalformed: 2,
		},
		{
			name:          "Invalid JSON envelope",
			frame:         []byte(`{"channel":`),
			wantMalformed: 1,
		},
		{
			name:        "Other coin is ignored",
			frame:       tradesFrame(`[{"coin":"ETH","side":"B","px":"1","sz":"1","time":1}]`),
			wantDropped: 1,
		},
		{
			name:        "Unknown shape is dropped",
			frame:       tradesFrame(`"BTC"`),
			wantDropped: 1,
		},
		{
			name:        "Unrouted channel is dropped",
			frame:       []byte(`{"channel":"l2Book","data":{"coin":"BTC"}}`),
			wantDropped: 1,
		},
		{
			name:  "Control frames are not counted",
			frame: []byte(`{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`),
		},
		{
			name:  "Pong is not counted",
			frame: []byte(`{"channel":"pong"}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed, _ := newMockFeed(t)
			got := &collector{}
			require.NoError(t, feed.SubscribeTrades("BTC", got.add))

			feed.HandleMessage(tt.frame)

			events := got.all()
			require.Len(t, events, len(tt.wantEvents))
			for i, want := range tt.wantEvents {
				assert.Equal(t, want.ID, events[i].ID)
				assert.Equal(t, want.Side, events[i].Side)
				assert.InDelta(t, want.Volume, events[i].Volume, 1e-9)
				assert.Equal(t, want.Timestamp, events[i].Timestamp)
				assert.Equal(t, want.Source, events[i].Source)
			}

			c := feed.Counters()
			assert.Equal(t, uint64(len(tt.wantEvents)), c.Ingested)
			assert.Equal(t, tt.wantMalformed, c.Malformed)
			assert.Equal(t, tt.wantDropped, c.Dropped)
		})
	}
}

// Test_Deduplication tests that a repeated trade id is delivered once.
func Test_Deduplication(t *testing.T) {
	feed, _ := newMockFeed(t)
	got := &collector{}
	require.NoError(t, feed.SubscribeTrades("BTC", got.add))

	frame := tradesFrame(`[{"coin":"BTC","side":"B","px":"1","sz":"1","time":1,"tid":42}]`)
	feed.HandleMessage(frame)
	feed.HandleMessage(frame)

	assert.Len(t, got.all(), 1)
	assert.Equal(t, uint64(1), feed.Counters().Duplicates)
	assert.Equal(t, uint64(1), feed.Counters().Ingested)
}

// Test_DedupTrim tests the bounded recent-id set.
func Test_DedupTrim(t *testing.T) {
	feed, _ := newMockFeed(t)

	for i := 0; i <= dedupCapacity; i++ {
		assert.True(t, feed.markSeen(fmt.Sprintf("id-%d", i)))
	}
	assert.Len(t, feed.seenOrder, dedupRetain)
	assert.Len(t, feed.seen, dedupRetain)

	assert.True(t, feed.markSeen("id-0"), "oldest ids are forgotten after a trim")
	assert.False(t, feed.markSeen(fmt.Sprintf("id-%d", dedupCapacity)), "newest ids are kept")
}

// Test_Routing tests channel normalization and constraint matching.
func Test_Routing(t *testing.T) {
	feed, _ := newMockFeed(t)

	var mu sync.Mutex
	hits := map[string]int{}
	hit := func(name string) func(json.RawMessage) {
		return func(json.RawMessage) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
		}
	}

	require.NoError(t, feed.Subscribe(Subscription{Type: "user_fills", User: "0xABC"}, hit("fills")))
	require.NoError(t, feed.Subscribe(Subscription{Type: "candle", Coin: "ETH", Interval: "1m"}, hit("candle")))
	require.NoError(t, feed.Subscribe(Subscription{Type: "allMids"}, hit("mids")))

	feed.HandleMessage([]byte(`{"channel":"userFills","data":{"user":"0xabc","fills":[]}}`))
	feed.HandleMessage([]byte(`{"channel":"userFills","data":{"user":"0xdef","fills":[]}}`))
	feed.HandleMessage([]byte(`{"channel":"candle","data":{"s":"ETH","i":"1m","nested":[{"coin":"ETH","interval":"1m"}]}}`))
	feed.HandleMessage([]byte(`{"channel":"candle","data":{"coin":"ETH","interval":"5m"}}`))
	feed.HandleMessage([]byte(`{"channel":"all-mids","data":{"mids":{}}}`))

	assert.Equal(t, 1, hits["fills"])
	assert.Equal(t, 1, hits["candle"])
	assert.Equal(t, 1, hits["mids"])
	assert.Equal(t, uint64(2), feed.Counters().Dropped)
}

// Test_DisconnectForgetsRoutes tests that a disconnect clears the routing table.
func Test_DisconnectForgetsRoutes(t *testing.T) {
	feed, transport := newMockFeed(t)
	transport.On("Disconnect").Return().Once()

	got := &collector{}
	require.NoError(t, feed.SubscribeTrades("BTC", got.add))
	feed.Disconnect()

	feed.HandleMessage(tradesFrame(`[{"coin":"BTC","side":"B","px":"1","sz":"1","time":1,"tid":1}]`))
	assert.Empty(t, got.all())
	transport.AssertExpectations(t)
}

// Test_LiveFeedEndToEnd drives the feed over a real websocket connection.
func Test_LiveFeedEndToEnd(t *testing.T) {
	upgrader := gorilla.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	subscribed := make(chan string, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			subscribed <- string(data)
			if strings.Contains(string(data), `"subscribe"`) {
				conn.WriteMessage(gorilla.TextMessage, tradesFrame(`[{"coin":"BTC","side":"B","px":"2","sz":"3","time":10,"tid":1}]`))
			}
		}
	}))
	defer server.Close()

	var states []websocket.State
	var statesMu sync.Mutex
	feed, err := NewHyperliquidFeed(&ExchangeConfig{
		BaseURL: "ws" + strings.TrimPrefix(server.URL, "http"),
	}, func(s websocket.State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})
	require.NoError(t, err)
	defer feed.Close()

	got := &collector{}
	require.NoError(t, feed.SubscribeTrades("BTC", got.add))
	require.NoError(t, feed.Connect(context.Background()))

	select {
	case msg := <-subscribed:
		assert.JSONEq(t, `{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not sent")
	}

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 6.0, got.all()[0].Volume, 1e-9)
	assert.Equal(t, websocket.Connected, feed.State())

	statesMu.Lock()
	assert.Equal(t, []websocket.State{websocket.Connecting, websocket.Connected}, states)
	statesMu.Unlock()
}

// Package websocket provides a reconnecting WebSocket client for exchange feeds.
//
// The client keeps exactly one logical connection to an endpoint. It owns the
// connect/reconnect state machine, the heartbeat, and a registry of
// subscription payloads that is replayed against every new connection, so
// callers can subscribe and unsubscribe independently of connection churn.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultHeartbeatPeriod defines the interval between keepalive messages.
	defaultHeartbeatPeriod = 30 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultOpenTimeout bounds dial plus handshake.
	defaultOpenTimeout = 15 * time.Second

	// defaultBaseDelay and defaultMaxDelay shape the reconnect backoff.
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected is returned to a pending Connect aborted by Disconnect.
	ErrDisconnected = errors.New("disconnected by caller")
)

// State is the connection state.
type State int

const (
	// Disconnected is the idle state, entered initially and after Disconnect.
	Disconnected State = iota

	// Connecting means a dial is in flight.
	Connecting

	// Connected means the socket is open.
	Connected

	// Degraded means the last connection failed and a reconnect is scheduled.
	Degraded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Handler is the function called for each incoming WebSocket message.
	// Required: This field must be provided and non-nil.
	Handler func([]byte)

	// OnStateChange is called on every state transition while the client's
	// lock is held; it must not call back into the client.
	OnStateChange func(State)

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// HeartbeatPeriod is the interval between keepalive messages.
	HeartbeatPeriod time.Duration

	// HeartbeatMessage is sent as a text frame on every heartbeat. When empty
	// a WebSocket ping control frame is sent instead.
	HeartbeatMessage []byte

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// OpenTimeout bounds a single connection attempt.
	OpenTimeout time.Duration

	// BaseDelay and MaxDelay shape the reconnect backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// registration is a subscription payload pair kept across reconnects.
type registration struct {
	subscribe   []byte
	unsubscribe []byte
}

// connectAttempt is shared by every Connect caller while a dial is in flight.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client wraps a websocket.Conn with lifecycle, reconnect and subscription
// handling.
type Client struct {
	cfg Config

	// ctx is the client lifetime; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	session        uint64
	attempt        int
	pending        *connectAttempt
	dialCancel     context.CancelFunc
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}
	manual         bool
	closed         bool

	// subs holds registered payloads; order keeps replay deterministic.
	subs  map[string]registration
	order []string

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// wg tracks read and heartbeat goroutines.
	wg sync.WaitGroup

	// once ensures Close() is only executed once.
	once sync.Once
}

// NewClient returns a configured, disconnected client.
func NewClient(cfg Config) (*Client, error) {
	// Validate required configuration fields
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	// Apply defaults for optional fields
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = defaultMaxDelay
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]registration),
	}, nil
}

// Backoff returns min(base*2^(attempt-1), max) for attempt >= 1.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of consecutive failed connections.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Subscriptions returns the registered subscription keys in registration order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Connect opens the connection. It is idempotent: while an attempt is in
// flight every caller waits on and receives the result of that same attempt,
// and an already connected client returns nil immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientShuttingDown
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}

	p := c.pending
	if p == nil {
		c.manual = false
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		p = &connectAttempt{done: make(chan struct{})}
		c.pending = p

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.OpenTimeout)
		c.dialCancel = cancel
		c.setStateLocked(Connecting)
		go c.open(dialCtx, cancel, p)
	}
	c.mu.Unlock()

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open dials and, on success, installs the connection, starts the read and
// heartbeat goroutines and replays the subscription registry. Waiting
// callers are released before the replay.
func (c *Client) open(ctx context.Context, cancel context.CancelFunc, p *connectAttempt) {
	defer cancel()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	c.pending = nil
	c.dialCancel = nil

	if c.manual || c.closed {
		if conn != nil {
			conn.Close()
		}
		if err == nil {
			err = ErrDisconnected
		}
		p.err = err
		c.setStateLocked(Disconnected)
		c.mu.Unlock()
		close(p.done)
		return
	}

	if err != nil {
		p.err = fmt.Errorf("connect %s: %w", c.cfg.Endpoint, err)
		c.degradeLocked(err)
		c.mu.Unlock()
		close(p.done)
		return
	}

	conn.SetReadLimit(defaultReadLimit)
	c.conn = conn
	c.session++
	c.attempt = 0
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	c.setStateLocked(Connected)

	session := c.session
	keys := append([]string(nil), c.order...)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn, session)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(conn, stop)
	}()
	c.mu.Unlock()
	close(p.done)

	// Replay every registered subscription against the new connection.
	// Keys removed in the meantime are skipped.
	for _, key := range keys {
		err := c.writeSession(conn, session, func() []byte {
			return c.subs[key].subscribe
		})
		if errors.Is(err, ErrNotConnected) {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to resend subscription")
		}
	}
}

// degradeLocked moves to Degraded and schedules a backoff reconnect.
func (c *Client) degradeLocked(cause error) {
	c.attempt++
	delay := Backoff(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.setStateLocked(Degraded)

	log.Warn().
		Err(cause).
		Str("endpoint", c.cfg.Endpoint).
		Int("attempt", c.attempt).
		Dur("delay", delay).
		Msg("connection degraded, scheduling reconnect")

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
}

// reconnect is fired by the backoff timer.
func (c *Client) reconnect() {
	c.mu.Lock()
	skip := c.manual || c.closed || c.state != Degraded || c.pending != nil
	c.reconnectTimer = nil
	c.mu.Unlock()
	if skip {
		return
	}

	if err := c.Connect(c.ctx); err != nil {
		log.Debug().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("reconnect attempt failed")
	}
}

// readLoop continuously reads messages from the WebSocket connection.
//
// This method runs in its own goroutine and forms the core of the client's
// message processing capability. It reads messages from the WebSocket
// connection and delegates processing to the configured Handler function.
func (c *Client) readLoop(conn *websocket.Conn, session uint64) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Debug().Msg("starting read loop")
	defer logger.Debug().Msg("read loop exiting")

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			// Categorize and log different error types
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("websocket closed by peer")
			} else {
				logger.Debug().Err(err).Msg("read error")
			}
			c.handleClose(session, err)
			return
		}

		logger.Debug().
			Int("messageType", messageType).
			Int("bytes", len(data)).
			Msg("received message")

		func() {
			// Recover from handler panics to prevent client crash
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Any("recover", r).Msg("panic in message handler")
				}
			}()
			c.cfg.Handler(data)
		}()
	}
}

// handleClose reacts to the end of a read loop. Closes of superseded
// sessions and caller-initiated closes never schedule a reconnect.
func (c *Client) handleClose(session uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if session != c.session || c.conn == nil {
		return
	}

	c.conn.Close()
	c.conn = nil
	c.stopHeartbeatLocked()

	if c.manual || c.closed {
		c.setStateLocked(Disconnected)
		return
	}
	c.degradeLocked(cause)
}

// heartbeatLoop sends periodic keepalives. A missing reply is not fatal;
// the read loop's close is the reconnect trigger.
func (c *Client) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "heartbeat").
		Logger()

	for {
		select {
		case <-ticker.C:
			var err error
			if len(c.cfg.HeartbeatMessage) > 0 {
				err = c.write(conn, c.cfg.HeartbeatMessage)
			} else {
				c.writeMu.Lock()
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout))
				c.writeMu.Unlock()
			}
			if err != nil {
				logger.Warn().Err(err).Msg("heartbeat error")
			} else {
				logger.Debug().Msg("heartbeat sent")
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
}

// Subscribe registers a subscription under key and sends it when connected.
// The subscribe payload is replayed after every reconnect; unsubscribe is
// sent by Unsubscribe.
func (c *Client) Subscribe(key string, subscribe, unsubscribe []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientShuttingDown
	}
	if _, ok := c.subs[key]; !ok {
		c.order = append(c.order, key)
	}
	c.subs[key] = registration{subscribe: subscribe, unsubscribe: unsubscribe}

	conn, session := c.conn, c.session
	connected := c.state == Connected && conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	// A session that ended before the write replays the registry on its own.
	err := c.writeSession(conn, session, func() []byte {
		return c.subs[key].subscribe
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe removes key from the registry and sends its unsubscribe
// payload when connected. Unknown keys are ignored.
func (c *Client) Unsubscribe(key string) error {
	c.mu.Lock()
	reg, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	conn, session := c.conn, c.session
	connected := c.state == Connected && conn != nil
	c.mu.Unlock()

	if !connected || len(reg.unsubscribe) == 0 {
		return nil
	}
	// Skip the payload if key was registered again before the write.
	err := c.writeSession(conn, session, func() []byte {
		if _, again := c.subs[key]; again {
			return nil
		}
		return reg.unsubscribe
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Send writes a text frame on the current connection.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	conn, session := c.conn, c.session
	connected := c.state == Connected && conn != nil
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return c.writeSession(conn, session, func() []byte { return data })
}

// Disconnect closes the connection on the caller's behalf. No reconnect is
// scheduled and the subscription registry is cleared; a later Connect starts
// a fresh session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
	}
	conn := c.conn
	c.conn = nil
	c.session++
	c.stopHeartbeatLocked()
	c.subs = make(map[string]registration)
	c.order = nil
	c.attempt = 0
	if c.pending == nil {
		c.setStateLocked(Disconnected)
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}

	// A writer blocked on a slow peer keeps writeMu; closing the socket
	// below fails its write, so the close frame is skipped instead of waited on.
	if c.writeMu.TryLock() {
		// Send close frame with normal closure code
		if err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil {
			log.Debug().Err(err).Msg("failed to send close frame")
		}
		c.writeMu.Unlock()
	}

	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing websocket connection")
	}
}

// Close gracefully shuts down the client.
//
// This method disconnects, cancels the client lifetime and waits for the
// read and heartbeat goroutines to finish. It can be called multiple times
// safely.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		logger.Info().Msg("initiating graceful shutdown")

		c.Disconnect()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()

		// Wait for all goroutines to complete
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info().Msg("all goroutines completed")
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
}

// write sends a text frame with a deadline.
func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, data)
}

// writeSession sends the payload picked under mu, provided conn still
// belongs to session. Writers queue on writeMu and never hold mu while
// writing. An empty payload sends nothing; a stale session returns
// ErrNotConnected.
func (c *Client) writeSession(conn *websocket.Conn, session uint64, payload func() []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	current := c.session == session && c.conn == conn
	var data []byte
	if current {
		data = payload()
	}
	c.mu.Unlock()

	if !current {
		return ErrNotConnected
	}
	if len(data) == 0 {
		return nil
	}
	return c.writeLocked(conn, data)
}

func (c *Client) writeLocked(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// dial establishes a WebSocket connection.
//
// This method creates a WebSocket connection to the configured endpoint
// using appropriate settings for cryptocurrency exchange communication.
// It handles proxy configuration, TLS settings, and connection timeouts.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Dur("openTimeout", c.cfg.OpenTimeout).
		Logger()

	logger.Info().Msg("attempting websocket connection")

	// Configure WebSocket dialer
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: c.cfg.OpenTimeout,
	}

	// Establish connection
	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		// Log detailed error information
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

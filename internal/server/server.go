// Package server exposes the visualizer over HTTP: health, stats, a stats
// websocket stream, the latest rendered frame and a control endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/NpappaG/orderflow-component/internal/engine"
	"github.com/NpappaG/orderflow-component/internal/exchange"
	"github.com/NpappaG/orderflow-component/internal/model"
	"github.com/NpappaG/orderflow-component/internal/service"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// maxControlBody bounds POST /control payloads.
	maxControlBody = 4 << 10

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Controller is the engine surface driven by the HTTP handlers.
type Controller interface {
	Status() model.Stats
	Stats() (model.Stats, error)
	Snapshot() ([]byte, error)
	SetWindowSeconds(seconds int) (int, error)
	SetSeparation(scale float64) (float64, error)
	SetStreaming(on bool) error
	SetSource(mode model.SourceMode) error
}

// Broker hands out stats subscriptions for the websocket stream.
type Broker interface {
	Subscribe() (*service.Subscriber, error)
	Unsubscribe(sub *service.Subscriber) error
}

// FeedCounters reports live feed counters for /healthz.
type FeedCounters interface {
	Counters() exchange.Counters
}

// ControlRequest is the POST /control body. Absent fields are left unchanged.
type ControlRequest struct {
	WindowSeconds   *int     `json:"windowSeconds,omitempty"`
	SeparationScale *float64 `json:"separationScale,omitempty"`
	Streaming       *bool    `json:"streaming,omitempty"`
	Source          *string  `json:"source,omitempty" validate:"omitempty,oneof=synthetic live"`
}

// ControlResponse echoes the applied values.
type ControlResponse struct {
	WindowSeconds   int         `json:"windowSeconds"`
	SeparationScale float64     `json:"separationScale,omitempty"`
	Stats           model.Stats `json:"stats"`
}

// Health is the GET /healthz body.
type Health struct {
	Connection string             `json:"connection"`
	Source     string             `json:"source"`
	Streaming  bool               `json:"streaming"`
	Healthy    bool               `json:"healthy"`
	Feed       *exchange.Counters `json:"feed,omitempty"`
}

// Option customizes a Server.
type Option func(*Server)

// WithFeedCounters adds live feed counters to /healthz.
func WithFeedCounters(fc FeedCounters) Option {
	return func(s *Server) { s.feed = fc }
}

// Server represents an HTTP server with all routes configured.
type Server struct {
	ctrl     Controller
	broker   Broker
	feed     FeedCounters
	validate *validator.Validate
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	server   *http.Server
	logger   zerolog.Logger
}

// New creates a server listening on addr.
func New(addr string, ctrl Controller, broker Broker, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		ctrl:     ctrl,
		broker:   broker,
		validate: validator.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		mux:      mux,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: log.With().Str("component", "http").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /stream/stats", s.handleStream)
	s.mux.HandleFunc("GET /frame.png", s.handleFrame)
	s.mux.HandleFunc("POST /control", s.handleControl)
}

// Start begins listening. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.ctrl.Status()
	h := Health{
		Connection: stats.Connection,
		Source:     stats.Source,
		Streaming:  stats.Streaming,
		Healthy:    engine.Healthy(stats),
	}
	if s.feed != nil {
		c := s.feed.Counters()
		h.Feed = &c
	}
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ctrl.Stats()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.ctrl.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write frame")
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp ControlResponse
	if req.WindowSeconds != nil {
		applied, err := s.ctrl.SetWindowSeconds(*req.WindowSeconds)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		resp.WindowSeconds = applied
	}
	if req.SeparationScale != nil {
		applied, err := s.ctrl.SetSeparation(*req.SeparationScale)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		resp.SeparationScale = applied
	}
	if req.Source != nil {
		if err := s.ctrl.SetSource(model.ParseSourceMode(*req.Source)); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	if req.Streaming != nil {
		if err := s.ctrl.SetStreaming(*req.Streaming); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}

	resp.Stats = s.ctrl.Status()
	if resp.WindowSeconds == 0 {
		resp.WindowSeconds = resp.Stats.WindowSeconds
	}
	s.logger.Info().
		Int("windowSeconds", resp.WindowSeconds).
		Str("source", resp.Stats.Source).
		Bool("streaming", resp.Stats.Streaming).
		Msg("control applied")
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStream upgrades to a websocket and pushes every dispatched stats
// value until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sub, err := s.broker.Subscribe()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		s.unsubscribe(sub)
		return
	}
	logger := s.logger.With().Int64("subscriber", sub.ID()).Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("stats stream opened")

	// The read loop only watches for close frames and pongs.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.unsubscribe(sub)
		conn.Close()
		logger.Info().Msg("stats stream closed")
	}()

	for {
		select {
		case <-gone:
			return
		case stats, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			msg, err := json.Marshal(stats)
			if err != nil {
				logger.Error().Err(err).Msg("failed to marshal stats")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) unsubscribe(sub *service.Subscriber) {
	if err := s.broker.Unsubscribe(sub); err != nil {
		s.logger.Warn().Err(err).Int64("subscriber", sub.ID()).Msg("failed to unsubscribe")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": strings.TrimSpace(err.Error())})
}

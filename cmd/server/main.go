/*
Package main runs the order-flow visualizer headless.

The server renders the buy/sell flow for one coin from either a synthetic
trade generator or the Hyperliquid trades feed. It serves the rendered frame,
the window statistics and a control endpoint over HTTP, streams statistics
over a websocket, and exposes a gRPC health service that reports SERVING
while the active source is producing trades.

Usage:

	go run main.go -config=orderflow.yaml -env=.env -http=:8080 -grpc=:50051

Every setting can also come from ORDERFLOW_* environment variables.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NpappaG/orderflow-component/internal/config"
	"github.com/NpappaG/orderflow-component/internal/engine"
	"github.com/NpappaG/orderflow-component/internal/exchange"
	"github.com/NpappaG/orderflow-component/internal/server"
	"github.com/NpappaG/orderflow-component/internal/service"
	"github.com/NpappaG/orderflow-component/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Command-line flags for configuring the server behavior
var (
	// configPath points at an optional YAML configuration file
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	// envPath points at an optional dotenv file
	envPath = flag.String("env", ".env", "Path to a .env file")
	// httpAddr overrides server.http_addr
	httpAddr = flag.String("http", "", "HTTP listen address (overrides config)")
	// grpcAddr overrides server.grpc_addr
	grpcAddr = flag.String("grpc", "", "gRPC health listen address (overrides config)")
)

const (
	// healthService is the service name reported alongside the overall status.
	healthService = "orderflow.Visualizer"

	// shutdownTimeout bounds draining HTTP connections.
	shutdownTimeout = 5 * time.Second
)

func main() {
	flag.Parse()

	// Initialize structured logger with timestamp
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	zerolog.SetGlobalLevel(cfg.Level())

	// Create context for managing application lifecycle and graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stats leave the render loop through the publisher, which feeds the
	// dispatcher and, when configured, NATS.
	var sinks []service.Sink
	if cfg.NATS.URL != "" {
		sink, err := service.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("failed to connect to NATS")
		}
		sinks = append(sinks, sink)
	}
	publisher := service.NewPublisher(64, sinks...)
	dispatcher := service.NewDispatcher(service.DispatcherConfig{MaxSubscribers: 100})
	if err := publisher.Start(ctx, dispatcher); err != nil {
		log.Fatal().Err(err).Msg("failed to start dispatcher")
	}

	// The feed reports connection changes to the engine. Transitions only
	// happen after the engine has started the live source.
	var eng *engine.Engine
	feed, err := exchange.NewHyperliquidFeed(&exchange.ExchangeConfig{
		BaseURL:         cfg.Live.Endpoint,
		MaxSymbols:      cfg.Live.MaxSubscriptions,
		HeartbeatPeriod: time.Duration(cfg.Live.HeartbeatSeconds) * time.Second,
	}, func(s websocket.State) {
		eng.OnConnectionState(s)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create live feed")
	}

	eng, err = engine.New(engine.Config{
		WindowSeconds:    cfg.View.WindowSeconds,
		SeparationScale:  cfg.View.SeparationScale,
		FPS:              cfg.View.FPS,
		Width:            cfg.View.Width,
		Height:           cfg.View.Height,
		DevicePixelRatio: cfg.View.DevicePixelRatio,
		Streaming:        cfg.View.Streaming,
		Source:           cfg.SourceMode(),
		Coin:             cfg.Live.Coin,
	}, engine.WithLiveFeed(feed), engine.WithPublisher(publisher))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	// Set up TCP listener for the gRPC health server
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	// Create gRPC server with keepalive parameters for long-lived health watches
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	go trackHealth(ctx, dispatcher, healthServer)

	httpServer := server.New(cfg.Server.HTTPAddr, eng, dispatcher, server.WithFeedCounters(feed))
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	// Set up signal handling for graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
		case <-ctx.Done():
		}
		log.Info().Msg("initiating graceful shutdown")

		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}

		healthServer.Shutdown()
		eng.Close()
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close stats sinks")
		}
		cancel()
		s.GracefulStop()
	}()

	log.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("source", cfg.View.Source).
		Str("coin", cfg.Live.Coin).
		Int("windowSeconds", cfg.View.WindowSeconds).
		Msg("server starting")

	// Serve health requests - this blocks until shutdown
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// trackHealth mirrors every dispatched stats value into the health server.
func trackHealth(ctx context.Context, d *service.Dispatcher, hs *health.Server) {
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	sub, err := d.Subscribe()
	if err != nil {
		log.Error().Err(err).Msg("health tracking disabled")
		return
	}

	current := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case stats, ok := <-sub.C():
			if !ok {
				return
			}
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if engine.Healthy(stats) {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			if status == current {
				continue
			}
			current = status
			hs.SetServingStatus("", status)
			hs.SetServingStatus(healthService, status)
			log.Info().
				Str("status", status.String()).
				Str("source", stats.Source).
				Str("connection", stats.Connection).
				Msg("health changed")
		}
	}
}

/*
Package main implements a terminal client for the order-flow visualizer.

The client watches the server's gRPC health status and logs every stats
snapshot pushed over the stats websocket. It supports graceful shutdown via
OS signals.

Usage:

	go run main.go -http=localhost:8080 -grpc=localhost:50051
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NpappaG/orderflow-component/internal/model"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Command-line flags for configuring the client connections
var (
	// httpAddr is the visualizer HTTP address serving /stream/stats
	httpAddr = flag.String("http", "localhost:8080", "The HTTP server address in the format host:port")
	// grpcAddr is the gRPC health server address
	grpcAddr = flag.String("grpc", "localhost:50051", "The gRPC server address in the format host:port")
	// service is the health service name to watch; empty watches the server as a whole
	service = flag.String("service", "", "Health service name to watch")
)

func main() {
	flag.Parse()

	// Initialize structured logger with timestamp and info level
	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// Using insecure credentials for development/testing purposes
	conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	go watchHealth(ctx, grpc_health_v1.NewHealthClient(conn), log)

	if err := streamStats(ctx, "ws://"+*httpAddr+"/stream/stats", log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("stats stream failed")
	}
}

// watchHealth logs every health status change until ctx is done.
func watchHealth(ctx context.Context, client grpc_health_v1.HealthClient, log zerolog.Logger) {
	for {
		stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: *service})
		if err == nil {
			for {
				resp, err := stream.Recv()
				if err != nil {
					log.Warn().Err(err).Msg("health watch ended")
					break
				}
				log.Info().Str("status", resp.GetStatus().String()).Msg("health")
			}
		} else {
			log.Warn().Err(err).Msg("health watch failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// streamStats reads stats snapshots from url until the connection closes or
// ctx is done.
func streamStats(ctx context.Context, url string, log zerolog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	log.Info().Str("url", url).Msg("streaming stats")
	for {
		var stats model.Stats
		if err := wsjson.Read(ctx, c, &stats); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				log.Info().Msg("server is shutting down")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		log.Info().
			Str("source", stats.Source).
			Str("connection", stats.Connection).
			Bool("streaming", stats.Streaming).
			Float64("buy_share", stats.BuyShare).
			Float64("sell_share", stats.SellShare).
			Float64("buy_volume", stats.BuyVolume).
			Float64("sell_volume", stats.SellVolume).
			Int("buys", stats.BuyCount).
			Int("sells", stats.SellCount).
			Int("window_seconds", stats.WindowSeconds).
			Msg("stats")
	}
}

// validateConfig ensures both addresses are set.
func validateConfig() error {
	if *httpAddr == "" {
		return fmt.Errorf("http address cannot be empty")
	}
	if *grpcAddr == "" {
		return fmt.Errorf("grpc address cannot be empty")
	}
	return nil
}

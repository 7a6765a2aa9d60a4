// Package config loads the server configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML file,
// an optional .env file and ORDERFLOW_* environment variables. Numeric view
// settings are clamped into range rather than rejected; structural problems
// (bad URLs, unknown log levels) fail validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/NpappaG/orderflow-component/internal/model"
	"github.com/NpappaG/orderflow-component/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override.
const envPrefix = "ORDERFLOW_"

// Ranges for the clamped view settings.
const (
	MinWindowSeconds  = 5
	MaxWindowSeconds  = 120
	WindowStepSeconds = 5
	MinSeparation     = 0.5
	MaxSeparation     = 10.0
	MinFPS            = 1
	MaxFPS            = 120
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	View     ViewConfig   `yaml:"view"`
	Live     LiveConfig   `yaml:"live"`
	NATS     NATSConfig   `yaml:"nats"`
	LogLevel string       `yaml:"log_level" validate:"oneof=trace debug info warn error"`
}

// ServerConfig contains listen addresses.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	GRPCAddr string `yaml:"grpc_addr" validate:"required"`
}

// ViewConfig contains the visualization settings.
type ViewConfig struct {
	WindowSeconds    int     `yaml:"window_seconds"`
	SeparationScale  float64 `yaml:"separation_scale"`
	FPS              int     `yaml:"fps"`
	Width            int     `yaml:"width" validate:"gte=1"`
	Height           int     `yaml:"height" validate:"gte=1"`
	DevicePixelRatio float64 `yaml:"device_pixel_ratio"`
	Streaming        bool    `yaml:"streaming"`
	Source           string  `yaml:"source" validate:"oneof=synthetic live"`
}

// LiveConfig contains the live feed settings.
type LiveConfig struct {
	Endpoint         string `yaml:"endpoint" validate:"required,url"`
	Coin             string `yaml:"coin" validate:"required"`
	MaxSubscriptions int    `yaml:"max_subscriptions" validate:"gte=1"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds" validate:"gte=1"`
}

// NATSConfig contains the optional stats sink. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url" validate:"omitempty,url"`
	Subject string `yaml:"subject" validate:"required_with=URL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		View: ViewConfig{
			WindowSeconds:    30,
			SeparationScale:  3,
			FPS:              60,
			Width:            960,
			Height:           480,
			DevicePixelRatio: 1,
			Streaming:        true,
			Source:           model.SyntheticSource.String(),
		},
		Live: LiveConfig{
			Endpoint:         "wss://api.hyperliquid.xyz/ws",
			Coin:             "BTC",
			MaxSubscriptions: 10,
			HeartbeatSeconds: 30,
		},
		NATS: NATSConfig{
			Subject: "orderflow.stats",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration. An empty path skips the YAML file; a
// missing envFile is ignored.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg.applyEnv()
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from ORDERFLOW_* variables.
func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)

	c.View.WindowSeconds = getEnvAsInt("WINDOW_SECONDS", c.View.WindowSeconds)
	c.View.SeparationScale = getEnvAsFloat("SEPARATION_SCALE", c.View.SeparationScale)
	c.View.FPS = getEnvAsInt("FPS", c.View.FPS)
	c.View.Width = getEnvAsInt("WIDTH", c.View.Width)
	c.View.Height = getEnvAsInt("HEIGHT", c.View.Height)
	c.View.DevicePixelRatio = getEnvAsFloat("DEVICE_PIXEL_RATIO", c.View.DevicePixelRatio)
	c.View.Streaming = getEnvAsBool("STREAMING", c.View.Streaming)
	c.View.Source = getEnv("SOURCE", c.View.Source)

	c.Live.Endpoint = getEnv("LIVE_ENDPOINT", c.Live.Endpoint)
	c.Live.Coin = getEnv("LIVE_COIN", c.Live.Coin)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("NATS_SUBJECT", c.NATS.Subject)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Normalize clamps the view settings into range and lowercases names.
// Unknown names are left for Validate to reject.
func (c *Config) Normalize() {
	c.View.WindowSeconds = utils.SnapInt(c.View.WindowSeconds, MinWindowSeconds, MaxWindowSeconds, WindowStepSeconds)
	c.View.SeparationScale = utils.Clamp(c.View.SeparationScale, MinSeparation, MaxSeparation)
	c.View.FPS = utils.ClampInt(c.View.FPS, MinFPS, MaxFPS)
	c.View.DevicePixelRatio = utils.Clamp(c.View.DevicePixelRatio, 1, 4)
	c.View.Source = strings.ToLower(strings.TrimSpace(c.View.Source))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := utils.ValidateCoin(c.Live.Coin); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Level returns the zerolog level for LogLevel.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// SourceMode returns the configured initial source.
func (c *Config) SourceMode() model.SourceMode {
	return model.ParseSourceMode(c.View.Source)
}

// Helper functions for parsing environment variables
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil && utils.IsFinite(value) {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valStr := getEnv(key, "")
	if val, err := strconv.ParseBool(valStr); err == nil {
		return val
	}
	return defaultVal
}

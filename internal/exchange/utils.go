// Package exchange provides the live exchange feed for real-time trade data.
//
// This file contains the feed configuration structure and its validation.
package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTooManySubscriptions is returned when MaxSymbols would be exceeded.
	ErrTooManySubscriptions = errors.New("too many subscriptions")
)

// ExchangeConfig provides the connection parameters for an exchange feed.
type ExchangeConfig struct {
	// BaseURL is the WebSocket endpoint URL for the exchange API.
	BaseURL string `validate:"required,url"`

	// MaxSymbols is the maximum number of subscriptions held simultaneously.
	MaxSymbols int `validate:"gte=1"`

	// HeartbeatPeriod is the interval between application-level pings.
	HeartbeatPeriod time.Duration

	// TLSInsecureSkip disables certificate verification. Tests only.
	TLSInsecureSkip bool
}

// validateConfig applies defaults for optional fields and then checks the
// result.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	// Apply defaults for optional fields
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCfg.BaseURL
	}
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = defaultCfg.HeartbeatPeriod
	}

	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.BaseURL, "ws://") && !strings.HasPrefix(cfg.BaseURL, "wss://") {
		return fmt.Errorf("base URL %q must use ws or wss", cfg.BaseURL)
	}
	return nil
}

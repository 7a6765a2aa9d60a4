// Package utils provides common helpers for input validation and clamping.
//
// Caller-supplied values (window lengths, separation scales, frame rates) are
// clamped into their valid range rather than rejected, so the helpers here
// never return errors for numeric input. Coin symbols are validated because
// they become part of outbound subscription payloads.
package utils

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Error definitions for validation functions
var (
	ErrEmptyCoin = errors.New("coin cannot be empty")
)

// maxCoinLength bounds coin symbols; Hyperliquid perps and spot pairs
// ("@107", "PURR/USDC") fit comfortably.
const maxCoinLength = 20

// ValidateCoin validates a coin symbol used in a trades subscription.
//
// Accepted characters are ASCII letters, digits and the separators used by
// the exchange for spot pairs ("/", "@", "-", ":").
func ValidateCoin(coin string) error {
	if strings.TrimSpace(coin) == "" {
		return ErrEmptyCoin
	}
	if len(coin) > maxCoinLength {
		return fmt.Errorf("coin %q exceeds %d characters", coin, maxCoinLength)
	}
	for _, r := range coin {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '/' || r == '@' || r == '-' || r == ':':
		default:
			return fmt.Errorf("invalid character %q in coin %q", r, coin)
		}
	}
	return nil
}

// Clamp limits v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampInt limits v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SnapInt clamps v to [lo, hi] and rounds it to the nearest multiple of step
// counted from lo.
func SnapInt(v, lo, hi, step int) int {
	v = ClampInt(v, lo, hi)
	if step <= 1 {
		return v
	}
	offset := v - lo
	snapped := lo + ((offset+step/2)/step)*step
	return ClampInt(snapped, lo, hi)
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

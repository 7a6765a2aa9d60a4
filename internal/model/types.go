// Package model defines core data types for the order-flow visualizer.
//
// This package contains the normalized trade event shared by every event
// source, the smoothed share produced by the window aggregator, and the
// statistics snapshot handed to the presentation layer.
package model

import "strings"

// Side is the aggressor side of a trade.
type Side int

const (
	// Buy marks a trade where the taker bought.
	Buy Side = iota

	// Sell marks a trade where the taker sold.
	Sell
)

// String returns "buy" or "sell".
func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// ParseSide normalizes an exchange side string by prefix.
//
// Anything starting with "b" (case-insensitive) is a buy, everything else is a
// sell. Hyperliquid sends "B" for bids and "A" for asks.
func ParseSide(raw string) Side {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "b") {
		return Buy
	}
	return Sell
}

// SourceMode selects which event source feeds the window.
type SourceMode int

const (
	// SyntheticSource is the local random trade generator.
	SyntheticSource SourceMode = iota

	// LiveSource is the exchange websocket feed.
	LiveSource
)

// String returns the lowercase name used in configuration and JSON.
func (m SourceMode) String() string {
	if m == LiveSource {
		return "live"
	}
	return "synthetic"
}

// ParseSourceMode maps "live" to LiveSource and anything else to SyntheticSource.
func ParseSourceMode(raw string) SourceMode {
	if strings.EqualFold(strings.TrimSpace(raw), "live") {
		return LiveSource
	}
	return SyntheticSource
}

// TradeEvent represents a normalized trade from any event source.
//
// TradeEvent is immutable once created. Volume is notional (size × price) for
// live trades and raw size for synthetic trades.
type TradeEvent struct {
	ID        string     // Unique per source
	Side      Side       // Aggressor side
	Volume    float64    // Non-negative volume
	Timestamp int64      // Unix milliseconds
	Source    SourceMode // Producing source
}

// Share is the smoothed buy/sell volume share.
type Share struct {
	BuyShare  float64 `json:"buyShare"`
	SellShare float64 `json:"sellShare"`
}

// NeutralShare is the share reported for an empty window.
var NeutralShare = Share{BuyShare: 0.5, SellShare: 0.5}

// NewShare builds a Share from a buy fraction, clamping it into [0,1].
func NewShare(buy float64) Share {
	if buy < 0 || buy != buy {
		buy = 0
	}
	if buy > 1 {
		buy = 1
	}
	return Share{BuyShare: buy, SellShare: 1 - buy}
}

// Stats is the snapshot pushed to the presentation layer.
type Stats struct {
	BuyShare      float64 `json:"buyShare"`
	SellShare     float64 `json:"sellShare"`
	BuyVolume     float64 `json:"buyVolume"`
	SellVolume    float64 `json:"sellVolume"`
	BuyCount      int     `json:"buyCount"`
	SellCount     int     `json:"sellCount"`
	WindowSeconds int     `json:"windowSeconds"`
	Source        string  `json:"source"`
	Streaming     bool    `json:"streaming"`
	Connection    string  `json:"connection"`
}

// Package schema defines the canonical notification model shared by sources,
// the event bus, and capture buffers.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/eventtap/errs"
)

// Channel names the notification stream an event belongs to.
// Channels are dot-separated uppercase alphanumeric segments (e.g. TICKER,
// ORDER.STATUS).
type Channel string

const (
	// ChannelTick identifies market tick notifications.
	ChannelTick Channel = "TICK"
	// ChannelTrade identifies trade execution notifications.
	ChannelTrade Channel = "TRADE"
	// ChannelStatus identifies source status notifications.
	ChannelStatus Channel = "STATUS"
)

// Normalize trims spaces and uppercases the channel name.
func (c Channel) Normalize() Channel {
	trimmed := strings.TrimSpace(string(c))
	if trimmed == "" {
		return ""
	}
	return Channel(strings.ToUpper(trimmed))
}

// Validate ensures the channel name adheres to the naming convention.
func (c Channel) Validate() error {
	normalized := c.Normalize()
	if normalized == "" {
		return errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if normalized != c {
		return errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("channel must be uppercase alphanumeric"))
	}
	parts := strings.Split(string(normalized), ".")
	for _, part := range parts {
		if part == "" {
			return errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("empty channel segment"))
		}
		for _, ch := range part {
			if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
				return errs.New("schema/channel", errs.CodeInvalid, errs.WithMessage("channel must be uppercase alphanumeric"))
			}
		}
	}
	return nil
}

// Event represents a single notification emitted by an observed source.
type Event struct {
	EventID  string    `json:"event_id"`
	Channel  Channel   `json:"channel"`
	Source   string    `json:"source"`
	Symbol   string    `json:"symbol,omitempty"`
	Seq      uint64    `json:"seq"`
	IngestTS time.Time `json:"ingest_ts"`
	Payload  any       `json:"payload,omitempty"`
}

// TickPayload conveys a single market tick.
type TickPayload struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// TradeSide captures the direction of a trade.
type TradeSide string

const (
	// TradeSideBuy indicates buy side fills.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell indicates sell side fills.
	TradeSideSell TradeSide = "Sell"
)

// TradePayload represents an executed trade notification.
type TradePayload struct {
	TradeID  string          `json:"trade_id"`
	Side     TradeSide       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// StatusPayload reports a source lifecycle condition.
type StatusPayload struct {
	State  string            `json:"state"`
	Detail string            `json:"detail,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

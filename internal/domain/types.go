// Package domain defines the message types that flow between pipeline stages
// and the topic names they travel on. Every type here is serialized to JSON on
// the stream, so field shapes are part of the wire contract.
package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Topic names. One topic per stage boundary; each topic has a matching
// dead-letter topic derived via DeadLetterTopic.
const (
	TopicBars           = "bars"
	TopicSignals        = "signals"
	TopicTargets        = "targets"
	TopicOrders         = "orders"
	TopicFills          = "fills"
	TopicPortfolioState = "portfolio-state"
	TopicControl        = "control"
	TopicAlerts         = "alerts"
)

// DeadLetterTopic returns the dead-letter topic for an origin topic.
func DeadLetterTopic(topic string) string {
	return topic + ".deadletter"
}

// Bar is one day of OHLCV for one symbol. Immutable once published.
type Bar struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Signal is the per-symbol trend/volatility estimate for one date.
type Signal struct {
	StrategyVersion string  `json:"strategy_version"`
	Symbol          string  `json:"symbol"`
	Date            string  `json:"date"`
	LookbackReturn  float64 `json:"lookback_return"`
	EWMAVol         float64 `json:"ewma_vol"` // annualized
	Direction       int     `json:"direction"` // -1, 0, 1
	TargetWeight    float64 `json:"target_weight"` // pre-risk-cap
}

// Cap reasons recorded on TargetExposure.
const (
	CapNone     = ""
	CapSingle   = "single_cap"
	CapGross    = "gross_cap"
	CapDrawdown = "drawdown_scale"
)

// TargetExposure is the post-cap exposure for one symbol on one date.
type TargetExposure struct {
	PortfolioID    string  `json:"portfolio_id"`
	Symbol         string  `json:"symbol"`
	Date           string  `json:"date"`
	TargetExposure float64 `json:"target_exposure"`
	ScalingFactor  float64 `json:"scaling_factor"`
	IsCapped       bool    `json:"is_capped"`
	Reason         string  `json:"reason"`
}

// Order sides and types.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Order statuses. Filled, rejected and cancelled are terminal.
const (
	OrderStatusNew              = "new"
	OrderStatusPendingExecution = "pending_execution"
	OrderStatusPartiallyFilled  = "partially_filled"
	OrderStatusFilled           = "filled"
	OrderStatusRejected         = "rejected"
	OrderStatusCancelled        = "cancelled"
)

// Order is an intent to trade, created once per distinct target exposure.
type Order struct {
	OrderID        string  `json:"order_id"`
	PortfolioID    string  `json:"portfolio_id"`
	Date           string  `json:"date"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            float64 `json:"qty"`
	Notional       float64 `json:"notional"`
	Type           string  `json:"type"`
	LimitPrice     float64 `json:"limit_price,omitempty"`
	TimeInForce    string  `json:"time_in_force"`
	Status         string  `json:"status"`
	BrokerOrderID  string  `json:"broker_order_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// IdempotencyKey derives the deterministic order key for a target exposure.
// Reprocessing the same logical target cannot create a second order.
func IdempotencyKey(portfolioID, date, symbol string, targetExposure float64) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%.10f", targetExposure)))
	return fmt.Sprintf("%s|%s|%s|%s", portfolioID, date, symbol, hex.EncodeToString(h[:8]))
}

// Fill is one execution against an order. Many fills may belong to one order.
type Fill struct {
	FillID      string    `json:"fill_id"`
	OrderID     string    `json:"order_id"`
	PortfolioID string    `json:"portfolio_id"`
	Symbol      string    `json:"symbol"`
	Date        string    `json:"date"`
	Qty         float64   `json:"qty"` // signed: buys positive, sells negative
	Price       float64   `json:"price"`
	Commission  float64   `json:"commission"`
	FilledAt    time.Time `json:"filled_at"`
}

// Lot is an open tax lot, owned exclusively by the ledger.
type Lot struct {
	Symbol    string `json:"symbol"`
	OpenDate  string `json:"open_date"`
	Qty       string `json:"qty"`        // decimal string, signed
	CostBasis string `json:"cost_basis"` // decimal string, total cost of the lot
}

// Holding is the derived per-symbol position (signed sum of open lots).
type Holding struct {
	Symbol    string  `json:"symbol"`
	Qty       float64 `json:"qty"`
	CostBasis float64 `json:"cost_basis"`
	MarkPrice float64 `json:"mark_price"`
}

// PortfolioState is the authoritative snapshot for one portfolio on one date.
// Recomputed in full on every relevant fill, never incrementally patched.
type PortfolioState struct {
	PortfolioID   string    `json:"portfolio_id"`
	Date          string    `json:"date"`
	NAV           float64   `json:"nav"`
	Cash          float64   `json:"cash"`
	GrossExposure float64   `json:"gross_exposure"`
	NetExposure   float64   `json:"net_exposure"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Drawdown      float64   `json:"drawdown"`
	HighWaterMark float64   `json:"high_water_mark"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DeadLetterRecord is the append-only audit row written when a message
// exhausts its retries. Never automatically reprocessed.
type DeadLetterRecord struct {
	RecordID    string    `json:"record_id"`
	MessageID   string    `json:"message_id"`
	OriginTopic string    `json:"origin_topic"`
	Group       string    `json:"group"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     []byte    `json:"payload"`
}

// Kill-switch command actions and sources.
const (
	KillActionActivate = "activate"
	KillActionReset    = "reset"

	KillSourceAuto   = "auto"
	KillSourceManual = "manual"
)

// KillCommand activates or resets the portfolio-wide kill switch.
// Reset is always an explicit operator action.
type KillCommand struct {
	PortfolioID string    `json:"portfolio_id"`
	Action      string    `json:"action"`
	Source      string    `json:"source"`
	Reason      string    `json:"reason"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Alert severities.
const (
	AlertInfo     = "info"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert is an operational notification published for the dashboard and
// notifier collaborators.
type Alert struct {
	Severity string    `json:"severity"`
	Kind     string    `json:"kind"`
	Symbol   string    `json:"symbol,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

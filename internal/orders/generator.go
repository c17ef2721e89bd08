// Package orders converts target exposures plus current holdings into
// idempotent order intents. Skipping is a first-class outcome here: below
// minimum notional, duplicate idempotency key, and active kill switch all
// acknowledge the message without emitting anything.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/outbox"
	"github.com/dkellner/tradeflow/internal/stream"
)

// PortfolioReader exposes the ledger-owned state the sizer needs.
type PortfolioReader interface {
	Holding(portfolioID, symbol string) (domain.Holding, bool)
	NAV(portfolioID string) (float64, bool)
}

// PriceSource supplies the last known price for quantity derivation.
type PriceSource interface {
	LastClose(symbol string) (float64, bool)
}

// KillSwitch is consulted before every emission.
type KillSwitch interface {
	Active(portfolioID string) bool
}

// Canceller optionally cancels open orders when the kill switch is active.
type Canceller interface {
	CancelOpen(ctx context.Context, portfolioID string) int
}

const (
	MinNotionalFixed     = "fixed"
	MinNotionalNAVScaled = "nav_scaled"
)

type Config struct {
	MinNotionalMode  string
	MinNotionalUSD   float64
	MinNotionalPct   float64 // of NAV, nav_scaled mode
	FractionalShares bool
	AllowShort       bool
	TimeInForce      string
	CancelOnKill     bool
}

type Generator struct {
	cfg       Config
	portfolio PortfolioReader
	prices    PriceSource
	kill      KillSwitch
	canceller Canceller
	outbox    *outbox.Outbox
	log       stream.Log
}

func NewGenerator(cfg Config, pr PortfolioReader, ps PriceSource, ks KillSwitch, ob *outbox.Outbox, log stream.Log) *Generator {
	if cfg.MinNotionalMode == "" {
		cfg.MinNotionalMode = MinNotionalFixed
	}
	if cfg.MinNotionalUSD <= 0 {
		cfg.MinNotionalUSD = 100
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = "day"
	}
	return &Generator{cfg: cfg, portfolio: pr, prices: ps, kill: ks, outbox: ob, log: log}
}

// SetCanceller wires the open-order cancel path used when the kill switch
// trips. Optional; without it active orders just age out.
func (g *Generator) SetCanceller(c Canceller) { g.canceller = c }

// Process handles one TargetExposure message.
func (g *Generator) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var target domain.TargetExposure
	if err := json.Unmarshal(msg.Payload, &target); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed target exposure: %w", err))
	}

	// Kill switch: ack, emit nothing. The exposure is not lost; the next
	// aggregation after reset produces a fresh target.
	if g.kill.Active(target.PortfolioID) {
		observ.IncCounter("orders_suppressed_total", map[string]string{"reason": "kill_switch"})
		observ.Log("order_suppressed", map[string]any{
			"portfolio": target.PortfolioID, "symbol": target.Symbol, "reason": "kill_switch",
		})
		if g.cfg.CancelOnKill && g.canceller != nil {
			g.canceller.CancelOpen(ctx, target.PortfolioID)
		}
		return stream.Ack()
	}

	key := domain.IdempotencyKey(target.PortfolioID, target.Date, target.Symbol, target.TargetExposure)
	if g.outbox.HasOrder(key) {
		if order, ok := g.outbox.Unconfirmed(key); ok {
			// Journaled but the publish never went through. Re-emit the
			// journaled order rather than ack a target nobody acted on.
			return g.republish(ctx, order)
		}
		// Redelivered target; the order already exists.
		observ.IncCounter("orders_deduped_total", map[string]string{"symbol": target.Symbol})
		return stream.Ack()
	}

	order, skip, err := g.build(target, key)
	if err != nil {
		return stream.DeadLetter(err)
	}
	if skip != "" {
		observ.IncCounter("orders_skipped_total", map[string]string{"reason": skip})
		return stream.Ack()
	}

	if err := g.outbox.WriteOrder(order); err != nil {
		return stream.Retry(fmt.Errorf("journal order: %w", err))
	}
	b, err := json.Marshal(order)
	if err != nil {
		return stream.DeadLetter(err)
	}
	if _, err := g.log.Publish(ctx, domain.TopicOrders, order.Symbol, b); err != nil {
		// The key is journaled but unconfirmed; the redelivery re-publishes
		// the journaled order instead of acking it away.
		return stream.Retry(fmt.Errorf("publish order: %w", err))
	}
	if err := g.outbox.MarkPublished(key); err != nil {
		// Worst case the redelivery publishes the order a second time; the
		// executor dedupes submissions by idempotency key.
		return stream.Retry(fmt.Errorf("confirm order publish: %w", err))
	}

	observ.IncCounter("orders_emitted_total", map[string]string{"symbol": order.Symbol, "side": order.Side})
	observ.Log("order_emitted", map[string]any{
		"order_id": order.OrderID, "symbol": order.Symbol, "side": order.Side,
		"qty": order.Qty, "notional": order.Notional, "idempotency_key": order.IdempotencyKey,
	})
	return stream.Ack()
}

// republish re-emits a journaled order whose earlier publish failed, then
// confirms it.
func (g *Generator) republish(ctx context.Context, order domain.Order) stream.Outcome {
	b, err := json.Marshal(order)
	if err != nil {
		return stream.DeadLetter(err)
	}
	if _, err := g.log.Publish(ctx, domain.TopicOrders, order.Symbol, b); err != nil {
		return stream.Retry(fmt.Errorf("republish order: %w", err))
	}
	if err := g.outbox.MarkPublished(order.IdempotencyKey); err != nil {
		return stream.Retry(fmt.Errorf("confirm order publish: %w", err))
	}
	observ.IncCounter("orders_republished_total", map[string]string{"symbol": order.Symbol})
	observ.Log("order_republished", map[string]any{
		"order_id": order.OrderID, "symbol": order.Symbol, "idempotency_key": order.IdempotencyKey,
	})
	return stream.Ack()
}

// build sizes the order. A non-empty skip string means "valid, but nothing
// to do".
func (g *Generator) build(target domain.TargetExposure, key string) (domain.Order, string, error) {
	nav, ok := g.portfolio.NAV(target.PortfolioID)
	if !ok || nav <= 0 {
		return domain.Order{}, "", fmt.Errorf("no NAV for portfolio %s", target.PortfolioID)
	}
	price, ok := g.prices.LastClose(target.Symbol)
	if !ok || price <= 0 {
		return domain.Order{}, "", fmt.Errorf("no last price for %s", target.Symbol)
	}

	currentExposure := 0.0
	if h, ok := g.portfolio.Holding(target.PortfolioID, target.Symbol); ok {
		currentExposure = h.Qty * h.MarkPrice / nav
	}

	targetExposure := target.TargetExposure
	if !g.cfg.AllowShort && targetExposure < 0 {
		targetExposure = 0
	}

	delta := targetExposure - currentExposure
	deltaNotional := delta * nav
	if math.Abs(deltaNotional) < g.minNotional(nav) {
		return domain.Order{}, "below_min_notional", nil
	}

	qty := math.Abs(deltaNotional) / price
	if !g.cfg.FractionalShares {
		qty = math.Floor(qty)
		if qty == 0 {
			return domain.Order{}, "below_one_share", nil
		}
	}

	side := domain.SideBuy
	if deltaNotional < 0 {
		side = domain.SideSell
	}

	return domain.Order{
		OrderID:     uuid.NewString(),
		PortfolioID: target.PortfolioID,
		Date:        target.Date,
		Symbol:      target.Symbol,
		Side:        side,
		Qty:         qty,
		// Recomputed from the final qty so Notional/Qty is the decision
		// price even after whole-share flooring.
		Notional:       qty * price,
		Type:           domain.OrderTypeMarket,
		TimeInForce:    g.cfg.TimeInForce,
		Status:         domain.OrderStatusNew,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}, "", nil
}


func (g *Generator) minNotional(nav float64) float64 {
	if g.cfg.MinNotionalMode == MinNotionalNAVScaled {
		return nav * g.cfg.MinNotionalPct
	}
	return g.cfg.MinNotionalUSD
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

// submittedKeyTTL bounds how long an idempotency key blocks resubmission.
// Well past any redelivery window, short enough that the set stays small.
const submittedKeyTTL = time.Hour

// Executor consumes the order topic and drives an Adapter. Venue rejects are
// terminal (alerted, acked); transport errors bubble up as Retry so the
// generic consumer applies backoff. It also watches the fill topic to retire
// completed orders from its open-order tracking.
type Executor struct {
	adapter Adapter
	log     stream.Log

	mu        sync.Mutex
	orders    map[string]*trackedOrder // order id -> submitted, not known terminal
	byKey     map[string]string        // idempotency key -> order id, open orders only
	submitted map[string]time.Time     // keys sent to the venue, for resubmit dedupe
}

type trackedOrder struct {
	order         domain.Order
	brokerOrderID string
	filledQty     float64
}

func NewExecutor(adapter Adapter, log stream.Log) *Executor {
	return &Executor{
		adapter:   adapter,
		log:       log,
		orders:    map[string]*trackedOrder{},
		byKey:     map[string]string{},
		submitted: map[string]time.Time{},
	}
}

// Process handles one Order message.
func (e *Executor) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var order domain.Order
	if err := json.Unmarshal(msg.Payload, &order); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed order: %w", err))
	}

	if order.IdempotencyKey != "" {
		e.mu.Lock()
		e.pruneSubmittedLocked(time.Now())
		_, dup := e.submitted[order.IdempotencyKey]
		e.mu.Unlock()
		if dup {
			// The same order reached the topic twice (redelivery, or a
			// journal re-publish racing the original). One submission stands.
			observ.IncCounter("broker_duplicate_orders_total", map[string]string{"symbol": order.Symbol})
			return stream.Ack()
		}
	}

	brokerID, err := e.adapter.Submit(ctx, order)
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			e.reportReject(ctx, order, rej)
			return stream.Ack()
		}
		return stream.Retry(fmt.Errorf("submit %s: %w", order.OrderID, err))
	}

	e.mu.Lock()
	e.orders[order.OrderID] = &trackedOrder{order: order, brokerOrderID: brokerID}
	if order.IdempotencyKey != "" {
		e.byKey[order.IdempotencyKey] = order.OrderID
		e.submitted[order.IdempotencyKey] = time.Now()
	}
	e.mu.Unlock()

	observ.IncCounter("broker_submissions_total", map[string]string{"symbol": order.Symbol})
	observ.Log("order_submitted", map[string]any{
		"order_id": order.OrderID, "broker_order_id": brokerID, "symbol": order.Symbol,
	})
	return stream.Ack()
}

// ProcessFill watches the fill topic under its own consumer group and
// retires fully filled orders, so kill-switch sweeps never cancel an order
// the venue already completed.
func (e *Executor) ProcessFill(ctx context.Context, msg stream.Message) stream.Outcome {
	var fill domain.Fill
	if err := json.Unmarshal(msg.Payload, &fill); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed fill: %w", err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.orders[fill.OrderID]
	if !ok {
		return stream.Ack()
	}
	tr.filledQty += math.Abs(fill.Qty)
	if tr.filledQty >= tr.order.Qty-1e-9 {
		e.retireLocked(fill.OrderID)
	}
	return stream.Ack()
}

// CancelOpen cancels every tracked open order for a portfolio. Returns how
// many cancels the venue accepted. Used by the order generator when the kill
// switch is active.
func (e *Executor) CancelOpen(ctx context.Context, portfolioID string) int {
	e.mu.Lock()
	var toCancel []trackedOrder
	for id, tr := range e.orders {
		if tr.order.PortfolioID != portfolioID {
			continue
		}
		toCancel = append(toCancel, *tr)
		e.retireLocked(id)
	}
	e.mu.Unlock()

	cancelled := 0
	for _, tr := range toCancel {
		ok, err := e.adapter.Cancel(ctx, tr.brokerOrderID)
		if err != nil {
			observ.IncCounter("broker_cancel_errors_total", nil)
			continue
		}
		if ok {
			cancelled++
		}
	}
	if cancelled > 0 {
		observ.IncCounter("broker_cancels_total", map[string]string{"portfolio": portfolioID})
		observ.Log("open_orders_cancelled", map[string]any{"portfolio": portfolioID, "count": cancelled})
	}
	return cancelled
}

// OrderByClientID resolves a venue client order id (the idempotency key)
// back to the submitted order. The live fill stream uses it to stamp fills
// with internal order and portfolio ids.
func (e *Executor) OrderByClientID(clientOrderID string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byKey[clientOrderID]
	if !ok {
		return domain.Order{}, false
	}
	tr, ok := e.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return tr.order, true
}

func (e *Executor) retireLocked(orderID string) {
	tr, ok := e.orders[orderID]
	if !ok {
		return
	}
	delete(e.orders, orderID)
	if tr.order.IdempotencyKey != "" {
		delete(e.byKey, tr.order.IdempotencyKey)
	}
}

func (e *Executor) pruneSubmittedLocked(now time.Time) {
	for key, at := range e.submitted {
		if now.Sub(at) > submittedKeyTTL {
			delete(e.submitted, key)
		}
	}
}

func (e *Executor) reportReject(ctx context.Context, order domain.Order, rej *RejectedError) {
	observ.IncCounter("broker_rejections_total", map[string]string{"symbol": order.Symbol})
	alert := domain.Alert{
		Severity: domain.AlertWarning,
		Kind:     "order_rejected",
		Symbol:   order.Symbol,
		Message:  fmt.Sprintf("order %s rejected: %s", order.OrderID, rej.Reason),
		At:       time.Now().UTC(),
	}
	if b, err := json.Marshal(alert); err == nil {
		if _, err := e.log.Publish(ctx, domain.TopicAlerts, order.Symbol, b); err != nil {
			observ.IncCounter("alert_publish_errors_total", nil)
		}
	}
	observ.Log("order_rejected", map[string]any{
		"order_id": order.OrderID, "symbol": order.Symbol, "reason": rej.Reason,
	})
}

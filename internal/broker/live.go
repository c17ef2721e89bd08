package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

type LiveConfig struct {
	BaseURL       string
	StreamURL     string // websocket endpoint for execution reports
	APIKey        string
	Timeout       time.Duration
	RatePerSecond int
	RateBurst     int
}

// Live submits orders to an external venue over HTTP and translates its
// websocket execution reports into internal Fills. The order API is rate
// limited; the report stream reconnects with backoff.
type Live struct {
	cfg     LiveConfig
	client  *http.Client
	limiter *rate.Limiter
	log     stream.Log
}

func NewLive(cfg LiveConfig, log stream.Log) *Live {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	return &Live{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		log:     log,
	}
}

// venueOrder is the wire shape the venue accepts.
type venueOrder struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Type          string  `json:"type"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
}

type venueOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

func (l *Live) Submit(ctx context.Context, order domain.Order) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}

	// Client order id is the idempotency key: the venue dedupes resubmits.
	body, err := json.Marshal(venueOrder{
		ClientOrderID: order.IdempotencyKey,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		Type:          order.Type,
		LimitPrice:    order.LimitPrice,
		TimeInForce:   order.TimeInForce,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("venue submit: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var vr venueOrderResponse
		if err := json.Unmarshal(b, &vr); err != nil {
			return "", fmt.Errorf("parse venue response: %w", err)
		}
		return vr.OrderID, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var vr venueOrderResponse
		reason := string(b)
		if err := json.Unmarshal(b, &vr); err == nil && vr.Reason != "" {
			reason = vr.Reason
		}
		return "", &RejectedError{Reason: reason}
	default:
		return "", fmt.Errorf("venue returned %d: %s", resp.StatusCode, string(b))
	}
}

func (l *Live) Status(ctx context.Context, brokerOrderID string) (Status, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Status{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+"/v1/orders/"+brokerOrderID, nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("venue status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("venue returned %d", resp.StatusCode)
	}

	var vs struct {
		Status    string  `json:"status"`
		FilledQty float64 `json:"filled_qty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&vs); err != nil {
		return Status{}, err
	}
	return Status{OrderStatus: normalizeVenueStatus(vs.Status), FilledQty: vs.FilledQty}, nil
}

func (l *Live) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, l.cfg.BaseURL+"/v1/orders/"+brokerOrderID, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("venue cancel: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusConflict, http.StatusGone:
		// Already terminal at the venue.
		return false, nil
	default:
		return false, fmt.Errorf("venue returned %d", resp.StatusCode)
	}
}

// executionReport is the venue's fill notification on the websocket stream.
type executionReport struct {
	Type          string  `json:"type"` // "fill"
	FillID        string  `json:"fill_id"`
	ClientOrderID string  `json:"client_order_id"`
	OrderID       string  `json:"order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price"`
	Commission    float64 `json:"commission"`
	TsUTC         string  `json:"ts_utc"`
}

// StreamFills consumes the venue's execution-report websocket and republishes
// fills on the internal fill topic. Blocks until ctx is cancelled;
// reconnects with exponential backoff on stream errors.
//
// orderLookup maps the venue's client order id back to the internal order so
// fills carry the right order and portfolio ids.
func (l *Live) StreamFills(ctx context.Context, orderLookup func(clientOrderID string) (domain.Order, bool)) error {
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.streamOnce(ctx, orderLookup); err != nil {
			observ.IncCounter("live_stream_disconnects_total", nil)
			observ.Log("live_stream_disconnect", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
}

func (l *Live) streamOnce(ctx context.Context, orderLookup func(string) (domain.Order, bool)) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.StreamURL, header)
	if err != nil {
		return fmt.Errorf("dial execution stream: %w", err)
	}
	defer conn.Close()
	observ.Log("live_stream_connected", map[string]any{"url": l.cfg.StreamURL})

	// Unblock ReadMessage when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read execution stream: %w", err)
		}

		var rep executionReport
		if err := json.Unmarshal(data, &rep); err != nil {
			observ.IncCounter("live_stream_parse_errors_total", nil)
			continue
		}
		if rep.Type != "fill" {
			continue
		}

		order, ok := orderLookup(rep.ClientOrderID)
		if !ok {
			observ.IncCounter("live_stream_unknown_orders_total", nil)
			observ.Log("live_stream_unknown_order", map[string]any{"client_order_id": rep.ClientOrderID})
			continue
		}

		filledAt := time.Now().UTC()
		if ts, err := time.Parse(time.RFC3339, rep.TsUTC); err == nil {
			filledAt = ts
		}
		signedQty := rep.Qty
		if rep.Side == domain.SideSell {
			signedQty = -rep.Qty
		}

		f := domain.Fill{
			FillID:      rep.FillID,
			OrderID:     order.OrderID,
			PortfolioID: order.PortfolioID,
			Symbol:      rep.Symbol,
			Date:        order.Date,
			Qty:         signedQty,
			Price:       rep.Price,
			Commission:  rep.Commission,
			FilledAt:    filledAt,
		}
		b, err := json.Marshal(f)
		if err != nil {
			continue
		}
		if _, err := l.log.Publish(ctx, domain.TopicFills, f.Symbol, b); err != nil {
			observ.IncCounter("live_fill_publish_errors_total", nil)
			continue
		}
		observ.IncCounter("live_fills_total", map[string]string{"symbol": f.Symbol})
	}
}

func normalizeVenueStatus(s string) string {
	switch s {
	case "new", "accepted":
		return domain.OrderStatusPendingExecution
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "rejected":
		return domain.OrderStatusRejected
	case "canceled", "cancelled":
		return domain.OrderStatusCancelled
	}
	return domain.OrderStatusPendingExecution
}

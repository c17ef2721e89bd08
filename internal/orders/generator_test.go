package orders

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/outbox"
	"github.com/dkellner/tradeflow/internal/stream"
)

type stubPortfolio struct {
	nav      float64
	holdings map[string]domain.Holding
}

func (s stubPortfolio) Holding(_, symbol string) (domain.Holding, bool) {
	h, ok := s.holdings[symbol]
	return h, ok
}
func (s stubPortfolio) NAV(string) (float64, bool) { return s.nav, s.nav > 0 }

type stubPrices map[string]float64

func (s stubPrices) LastClose(symbol string) (float64, bool) {
	p, ok := s[symbol]
	return p, ok
}

type stubKill bool

func (s stubKill) Active(string) bool { return bool(s) }

type stubCanceller struct{ calls int }

func (s *stubCanceller) CancelOpen(ctx context.Context, portfolioID string) int {
	s.calls++
	return 0
}

func newTestGenerator(t *testing.T, cfg Config, pr PortfolioReader, ps PriceSource, kill KillSwitch) (*Generator, *stream.MemLog, *outbox.Outbox) {
	t.Helper()
	ob, err := outbox.New(filepath.Join(t.TempDir(), "orders.jsonl"))
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	log := stream.NewMemLog(time.Minute)
	return NewGenerator(cfg, pr, ps, kill, ob, log), log, ob
}

func targetMsg(t *testing.T, target domain.TargetExposure) stream.Message {
	t.Helper()
	b, err := json.Marshal(target)
	if err != nil {
		t.Fatalf("marshal target: %v", err)
	}
	return stream.Message{Payload: b}
}

func TestProcessEmitsBuyOrder(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, _ := newTestGenerator(t, Config{}, pf, stubPrices{"AAPL": 200}, stubKill(false))

	out := g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.10,
	}))
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", out.Kind)
	}

	published := log.All(domain.TopicOrders)
	if len(published) != 1 {
		t.Fatalf("published %d orders, want 1", len(published))
	}
	var order domain.Order
	json.Unmarshal(published[0].Payload, &order)
	if order.Side != domain.SideBuy {
		t.Fatalf("side = %s, want buy", order.Side)
	}
	// 10% of 1M at $200, whole shares.
	if order.Qty != 500 {
		t.Fatalf("qty = %f, want 500", order.Qty)
	}
	if order.Status != domain.OrderStatusNew || order.Type != domain.OrderTypeMarket {
		t.Fatalf("unexpected order fields: %+v", order)
	}
	if order.IdempotencyKey == "" {
		t.Fatalf("order missing idempotency key")
	}
}

func TestProcessRedeliveryEmitsExactlyOneOrder(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, _ := newTestGenerator(t, Config{}, pf, stubPrices{"AAPL": 200}, stubKill(false))

	msg := targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.10,
	})
	for i := 0; i < 3; i++ {
		if out := g.Process(context.Background(), msg); out.Kind != stream.OutcomeAck {
			t.Fatalf("delivery %d outcome = %v, want ack", i, out.Kind)
		}
	}
	if got := log.Len(domain.TopicOrders); got != 1 {
		t.Fatalf("published %d orders across redeliveries, want 1", got)
	}
}

type flakyLog struct {
	*stream.MemLog
	failures int
}

func (f *flakyLog) Publish(ctx context.Context, topic, key string, payload []byte) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("log unavailable")
	}
	return f.MemLog.Publish(ctx, topic, key, payload)
}

func TestProcessRepublishesJournaledOrderAfterPublishFailure(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	mem := stream.NewMemLog(time.Minute)
	flog := &flakyLog{MemLog: mem, failures: 1}
	ob, err := outbox.New(filepath.Join(t.TempDir(), "orders.jsonl"))
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	g := NewGenerator(Config{}, pf, stubPrices{"AAPL": 200}, stubKill(false), ob, flog)

	msg := targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.10,
	})
	if out := g.Process(context.Background(), msg); out.Kind != stream.OutcomeRetry {
		t.Fatalf("publish failure outcome = %v, want retry", out.Kind)
	}
	if mem.Len(domain.TopicOrders) != 0 {
		t.Fatalf("failed publish still reached the topic")
	}

	// The redelivery must re-emit the journaled order, not ack it away
	// through the idempotency dedupe.
	if out := g.Process(context.Background(), msg); out.Kind != stream.OutcomeAck {
		t.Fatalf("redelivery outcome = %v, want ack", out.Kind)
	}
	published := mem.All(domain.TopicOrders)
	if len(published) != 1 {
		t.Fatalf("published %d orders after retry, want 1", len(published))
	}
	var order domain.Order
	json.Unmarshal(published[0].Payload, &order)
	if order.Qty != 500 || order.Symbol != "AAPL" {
		t.Fatalf("republished order = %+v", order)
	}

	// A further delivery is a plain dedupe.
	if out := g.Process(context.Background(), msg); out.Kind != stream.OutcomeAck {
		t.Fatalf("post-confirmation outcome = %v, want ack", out.Kind)
	}
	if mem.Len(domain.TopicOrders) != 1 {
		t.Fatalf("confirmed order published again")
	}
}

func TestProcessWholeShareNotionalMatchesFlooredQty(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, _ := newTestGenerator(t, Config{}, pf, stubPrices{"AAPL": 207}, stubKill(false))

	// $100,000 delta at $207 floors to 483 shares.
	g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.10,
	}))
	var order domain.Order
	json.Unmarshal(log.All(domain.TopicOrders)[0].Payload, &order)
	if order.Qty != 483 {
		t.Fatalf("qty = %f, want 483", order.Qty)
	}
	if want := 483.0 * 207; math.Abs(order.Notional-want) > 1e-9 {
		t.Fatalf("notional = %f, want %f from the floored qty", order.Notional, want)
	}
	// Notional/Qty is the decision price the paper venue fills around.
	if math.Abs(order.Notional/order.Qty-207) > 1e-9 {
		t.Fatalf("implied decision price = %f, want last close 207", order.Notional/order.Qty)
	}
}

func TestProcessSellsDownExistingPosition(t *testing.T) {
	pf := stubPortfolio{
		nav: 1_000_000,
		holdings: map[string]domain.Holding{
			"AAPL": {Symbol: "AAPL", Qty: 1000, MarkPrice: 200}, // 20% exposure
		},
	}
	g, log, _ := newTestGenerator(t, Config{}, pf, stubPrices{"AAPL": 200}, stubKill(false))

	g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.10,
	}))

	var order domain.Order
	json.Unmarshal(log.All(domain.TopicOrders)[0].Payload, &order)
	if order.Side != domain.SideSell {
		t.Fatalf("side = %s, want sell when reducing exposure", order.Side)
	}
	if order.Qty != 500 {
		t.Fatalf("qty = %f, want 500", order.Qty)
	}
}

func TestProcessSkipsBelowMinNotional(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, ob := newTestGenerator(t, Config{MinNotionalUSD: 500}, pf, stubPrices{"AAPL": 200}, stubKill(false))

	out := g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.0004, // $400
	}))
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("skip must still ack, got %v", out.Kind)
	}
	if log.Len(domain.TopicOrders) != 0 {
		t.Fatalf("below-min-notional target emitted an order")
	}
	key := domain.IdempotencyKey("p1", "2024-06-03", "AAPL", 0.0004)
	if ob.HasOrder(key) {
		t.Fatalf("skipped target must not journal an order")
	}
}

func TestProcessNAVScaledMinNotional(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	cfg := Config{MinNotionalMode: MinNotionalNAVScaled, MinNotionalPct: 0.001} // $1000 floor
	g, log, _ := newTestGenerator(t, cfg, pf, stubPrices{"AAPL": 200}, stubKill(false))

	g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.0008, // $800
	}))
	if log.Len(domain.TopicOrders) != 0 {
		t.Fatalf("delta under nav-scaled floor emitted an order")
	}
}

func TestProcessKillSwitchSuppressesAndCancels(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, _ := newTestGenerator(t, Config{CancelOnKill: true}, pf, stubPrices{"AAPL": 200}, stubKill(true))
	canceller := &stubCanceller{}
	g.SetCanceller(canceller)

	out := g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.10,
	}))
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("suppression must ack, got %v", out.Kind)
	}
	if log.Len(domain.TopicOrders) != 0 {
		t.Fatalf("kill switch active but order emitted")
	}
	if canceller.calls != 1 {
		t.Fatalf("cancel called %d times, want 1", canceller.calls)
	}
}

func TestProcessShortClampWithoutAllowShort(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, _ := newTestGenerator(t, Config{}, pf, stubPrices{"AAPL": 200}, stubKill(false))

	// Negative target clamps to zero; with no position there is no delta.
	out := g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: -0.10,
	}))
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", out.Kind)
	}
	if log.Len(domain.TopicOrders) != 0 {
		t.Fatalf("short target without allow_short emitted an order")
	}
}

func TestProcessAllowShortEmitsSell(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, _ := newTestGenerator(t, Config{AllowShort: true}, pf, stubPrices{"AAPL": 200}, stubKill(false))

	g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: -0.10,
	}))
	published := log.All(domain.TopicOrders)
	if len(published) != 1 {
		t.Fatalf("published %d orders, want 1", len(published))
	}
	var order domain.Order
	json.Unmarshal(published[0].Payload, &order)
	if order.Side != domain.SideSell {
		t.Fatalf("side = %s, want sell for short target", order.Side)
	}
}

func TestProcessFractionalShares(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, log, _ := newTestGenerator(t, Config{FractionalShares: true}, pf, stubPrices{"AAPL": 333}, stubKill(false))

	g.Process(context.Background(), targetMsg(t, domain.TargetExposure{
		PortfolioID: "p1", Symbol: "AAPL", Date: "2024-06-03", TargetExposure: 0.10,
	}))
	var order domain.Order
	json.Unmarshal(log.All(domain.TopicOrders)[0].Payload, &order)
	want := 100_000.0 / 333
	if math.Abs(order.Qty-want) > 1e-9 {
		t.Fatalf("qty = %f, want unfloored %f", order.Qty, want)
	}
}

func TestProcessMalformedTargetDeadLetters(t *testing.T) {
	pf := stubPortfolio{nav: 1_000_000}
	g, _, _ := newTestGenerator(t, Config{}, pf, stubPrices{}, stubKill(false))
	out := g.Process(context.Background(), stream.Message{Payload: []byte("bad")})
	if out.Kind != stream.OutcomeDeadLetter {
		t.Fatalf("outcome = %v, want dead-letter", out.Kind)
	}
}

func TestIdempotencyKeyStability(t *testing.T) {
	a := domain.IdempotencyKey("p1", "2024-06-03", "AAPL", 0.1)
	b := domain.IdempotencyKey("p1", "2024-06-03", "AAPL", 0.1)
	c := domain.IdempotencyKey("p1", "2024-06-03", "AAPL", 0.2)
	if a != b {
		t.Fatalf("same target produced different keys")
	}
	if a == c {
		t.Fatalf("different exposures produced the same key")
	}
}

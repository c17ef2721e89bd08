// Package optimizer aggregates same-day signals across the traded universe
// into risk-capped target exposures. It owns the multi-symbol barrier: one
// date's aggregation waits for the declared universe, bounded by a timeout.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
	"github.com/dkellner/tradeflow/internal/universe"
)

// StateReader supplies the latest portfolio state for drawdown de-risking.
// Injected rather than read from process-global state so aggregation is
// testable with synthetic drawdowns.
type StateReader interface {
	Latest(portfolioID string) (domain.PortfolioState, bool)
}

type Config struct {
	PortfolioID       string
	SingleCap         float64 // default 0.35
	GrossCap          float64 // default 1.50
	DrawdownThreshold float64 // default 0.10
	DeriskFactor      float64 // default 0.5
	BarrierTimeout    time.Duration
	MaxOpenDates      int
}

type dateAccumulator struct {
	signals map[string]domain.Signal
	firstAt time.Time
	timer   *time.Timer
}

// Optimizer is the barrier component. One consumer group member owns all
// dates, so the accumulator needs no cross-process coordination.
type Optimizer struct {
	cfg      Config
	universe universe.Provider
	states   StateReader
	log      stream.Log

	mu      sync.Mutex
	open    map[string]*dateAccumulator
	pending map[string][]domain.TargetExposure // computed, not yet fully published
}

func New(cfg Config, uni universe.Provider, states StateReader, log stream.Log) *Optimizer {
	if cfg.SingleCap <= 0 {
		cfg.SingleCap = 0.35
	}
	if cfg.GrossCap <= 0 {
		cfg.GrossCap = 1.50
	}
	if cfg.DrawdownThreshold <= 0 {
		cfg.DrawdownThreshold = 0.10
	}
	if cfg.DeriskFactor <= 0 {
		cfg.DeriskFactor = 0.5
	}
	if cfg.BarrierTimeout <= 0 {
		cfg.BarrierTimeout = 30 * time.Second
	}
	if cfg.MaxOpenDates <= 0 {
		cfg.MaxOpenDates = 5
	}
	if cfg.PortfolioID == "" {
		cfg.PortfolioID = "default"
	}
	return &Optimizer{
		cfg:      cfg,
		universe: uni,
		states:   states,
		log:      log,
		open:     map[string]*dateAccumulator{},
		pending:  map[string][]domain.TargetExposure{},
	}
}

// Process accepts one Signal. When the date's accumulator reaches the
// declared universe size, or the barrier timeout elapses since the first
// signal, the aggregation runs and the accumulator is cleared.
func (o *Optimizer) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var sig domain.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed signal: %w", err))
	}
	if sig.Symbol == "" || sig.Date == "" {
		return stream.DeadLetter(fmt.Errorf("signal missing symbol or date"))
	}

	o.mu.Lock()
	if len(o.pending[sig.Date]) > 0 {
		// An earlier delivery already closed this date's barrier but could
		// not publish everything. Finish that instead of re-accumulating.
		o.mu.Unlock()
		if err := o.publishPending(ctx, sig.Date); err != nil {
			return stream.Retry(err)
		}
		return stream.Ack()
	}
	acc, ok := o.open[sig.Date]
	if !ok {
		if len(o.open) >= o.cfg.MaxOpenDates {
			o.flushOldestLocked()
		}
		acc = &dateAccumulator{signals: map[string]domain.Signal{}, firstAt: time.Now()}
		date := sig.Date
		acc.timer = time.AfterFunc(o.cfg.BarrierTimeout, func() {
			o.flushDate(date, "timeout")
		})
		o.open[sig.Date] = acc
	}
	// Redelivered signals overwrite, they never double-count.
	acc.signals[sig.Symbol] = sig

	want := len(o.universe.Members(sig.Date))
	have := len(acc.signals)
	observ.SetGauge("optimizer_barrier_pending", float64(want-have), map[string]string{"date": sig.Date})

	closed := false
	if want > 0 && have >= want {
		closed = o.closeDateLocked(sig.Date, "complete")
	}
	o.mu.Unlock()

	if closed {
		if err := o.publishPending(ctx, sig.Date); err != nil {
			return stream.Retry(err)
		}
	}
	return stream.Ack()
}

// flushDate runs the aggregation for a date from the timeout path.
func (o *Optimizer) flushDate(date, why string) {
	o.mu.Lock()
	closed := o.closeDateLocked(date, why)
	o.mu.Unlock()
	if closed {
		o.drainPending(date)
	}
}

func (o *Optimizer) flushOldestLocked() {
	oldest := ""
	var oldestAt time.Time
	for date, acc := range o.open {
		if oldest == "" || acc.firstAt.Before(oldestAt) {
			oldest, oldestAt = date, acc.firstAt
		}
	}
	if oldest == "" {
		return
	}
	observ.IncCounter("optimizer_barrier_evictions_total", nil)
	if o.closeDateLocked(oldest, "evicted") {
		go o.drainPending(oldest)
	}
}

// closeDateLocked removes a date's accumulator, computes its targets, and
// parks them on the pending queue until every one has been published.
// Returns false if the date was already closed or aggregated to nothing.
func (o *Optimizer) closeDateLocked(date, why string) bool {
	acc, ok := o.open[date]
	if !ok {
		return false
	}
	delete(o.open, date)
	acc.timer.Stop()

	signals := make([]domain.Signal, 0, len(acc.signals))
	for _, s := range acc.signals {
		signals = append(signals, s)
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].Symbol < signals[j].Symbol })

	drawdown := 0.0
	if st, ok := o.states.Latest(o.cfg.PortfolioID); ok {
		drawdown = st.Drawdown
	}

	observ.IncCounter("optimizer_aggregations_total", map[string]string{"trigger": why})
	observ.Log("optimizer_aggregate", map[string]any{
		"date": date, "signals": len(signals), "trigger": why, "drawdown": drawdown,
	})
	targets := Aggregate(o.cfg, date, signals, drawdown)
	if len(targets) == 0 {
		return false
	}
	o.pending[date] = targets
	return true
}

// publishPending emits the date's parked targets, dropping each from the
// queue only once the log accepts it. A mid-list failure keeps the remainder
// queued, so the next delivery attempt re-emits what is still unsent instead
// of losing the date's aggregation. Downstream dedupes by idempotency key,
// so a target published twice across attempts is harmless.
func (o *Optimizer) publishPending(ctx context.Context, date string) error {
	for {
		o.mu.Lock()
		queue := o.pending[date]
		if len(queue) == 0 {
			delete(o.pending, date)
			o.mu.Unlock()
			return nil
		}
		t := queue[0]
		o.mu.Unlock()

		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := o.log.Publish(ctx, domain.TopicTargets, t.Symbol, b); err != nil {
			return fmt.Errorf("publish target %s: %w", t.Symbol, err)
		}
		observ.IncCounter("targets_emitted_total", map[string]string{"symbol": t.Symbol, "reason": t.Reason})

		o.mu.Lock()
		if q := o.pending[date]; len(q) > 0 && q[0].Symbol == t.Symbol {
			o.pending[date] = q[1:]
		}
		o.mu.Unlock()
	}
}

// drainPending publishes from the timeout and eviction paths, where no
// consumer retry will come back for the date. Targets stay parked across
// attempts so a briefly unavailable log costs latency, not data.
func (o *Optimizer) drainPending(date string) {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for attempt := 0; attempt < 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := o.publishPending(ctx, date)
		cancel()
		if err == nil {
			return
		}
		observ.IncCounter("optimizer_publish_errors_total", nil)
		observ.Log("optimizer_publish_error", map[string]any{"date": date, "error": err.Error()})
		time.Sleep(b.Duration())
	}
}

// Aggregate runs the pure aggregation step: inverse-volatility weighting,
// then the caps in fixed order (single cap, gross cap, drawdown scale).
// Symbols missing at the barrier are simply absent from the result; "no new
// target" downstream means "no change required".
func Aggregate(cfg Config, date string, signals []domain.Signal, drawdown float64) []domain.TargetExposure {
	if len(signals) == 0 {
		return nil
	}

	// Inverse-vol weights, normalized so the mean weight is 1. Zero-vol
	// signals get zero weight, never a divide-by-zero.
	inv := make([]float64, len(signals))
	sumInv := 0.0
	for i, s := range signals {
		if s.EWMAVol > 0 {
			inv[i] = 1 / s.EWMAVol
			sumInv += inv[i]
		}
	}

	targets := make([]domain.TargetExposure, 0, len(signals))
	gross := 0.0
	for i, s := range signals {
		weight := 0.0
		if sumInv > 0 {
			weight = inv[i] / sumInv * float64(len(signals))
		}
		exposure := s.TargetWeight * weight

		t := domain.TargetExposure{
			PortfolioID:    cfg.PortfolioID,
			Symbol:         s.Symbol,
			Date:           date,
			TargetExposure: exposure,
			ScalingFactor:  1.0,
			Reason:         domain.CapNone,
		}

		// Cap 1: single-instrument ceiling.
		if math.Abs(t.TargetExposure) > cfg.SingleCap {
			capped := math.Copysign(cfg.SingleCap, t.TargetExposure)
			t.ScalingFactor = capped / t.TargetExposure
			t.TargetExposure = capped
			t.IsCapped = true
			t.Reason = domain.CapSingle
		}
		gross += math.Abs(t.TargetExposure)
		targets = append(targets, t)
	}

	// Cap 2: gross exposure ceiling, proportional scale-down.
	if gross > cfg.GrossCap {
		scale := cfg.GrossCap / gross
		for i := range targets {
			targets[i].TargetExposure *= scale
			targets[i].ScalingFactor *= scale
			targets[i].IsCapped = true
			targets[i].Reason = domain.CapGross
		}
	}

	// Cap 3: drawdown circuit breaker.
	if drawdown >= cfg.DrawdownThreshold {
		for i := range targets {
			targets[i].TargetExposure *= cfg.DeriskFactor
			targets[i].ScalingFactor *= cfg.DeriskFactor
			targets[i].IsCapped = true
			targets[i].Reason = domain.CapDrawdown
		}
	}
	return targets
}

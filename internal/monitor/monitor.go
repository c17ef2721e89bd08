// Package monitor watches the pipeline from the outside: it consumes the
// same topics the stages do (under its own group, so it never steals
// messages), tracks per-symbol progress, and raises alerts for staleness and
// anomalous signals. It also carries the operator surface for the manual
// kill switch.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
	"github.com/dkellner/tradeflow/internal/universe"
)

type Config struct {
	PortfolioID     string
	StalenessWindow time.Duration
	CheckInterval   time.Duration
}

type symbolProgress struct {
	lastBar    time.Time
	lastSignal time.Time
	lastTarget time.Time
}

type Monitor struct {
	cfg      Config
	uni      universe.Provider
	log      stream.Log

	mu       sync.Mutex
	progress map[string]*symbolProgress
	alerted  map[string]time.Time // staleness alert key -> last raised
	lastDate string
}

func New(cfg Config, uni universe.Provider, log stream.Log) *Monitor {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 2 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		uni:      uni,
		log:      log,
		progress: map[string]*symbolProgress{},
		alerted:  map[string]time.Time{},
	}
}

func (m *Monitor) sym(symbol string) *symbolProgress {
	p, ok := m.progress[symbol]
	if !ok {
		p = &symbolProgress{}
		m.progress[symbol] = p
	}
	return p
}

// ObserveBar is the process func for the monitor's bar-topic consumer.
func (m *Monitor) ObserveBar(ctx context.Context, msg stream.Message) stream.Outcome {
	var bar domain.Bar
	if err := json.Unmarshal(msg.Payload, &bar); err != nil {
		// The signal stage dead-letters malformed bars; the monitor just
		// counts them.
		observ.IncCounter("monitor_malformed_total", map[string]string{"topic": domain.TopicBars})
		return stream.Ack()
	}
	m.mu.Lock()
	m.sym(bar.Symbol).lastBar = time.Now()
	m.lastDate = bar.Date
	m.mu.Unlock()
	return stream.Ack()
}

// ObserveSignal tracks signal progress and flags anomalous estimates.
func (m *Monitor) ObserveSignal(ctx context.Context, msg stream.Message) stream.Outcome {
	var sig domain.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		observ.IncCounter("monitor_malformed_total", map[string]string{"topic": domain.TopicSignals})
		return stream.Ack()
	}
	m.mu.Lock()
	m.sym(sig.Symbol).lastSignal = time.Now()
	m.mu.Unlock()

	// A directional signal with no volatility estimate means the sizing
	// denominator upstream was degenerate.
	if sig.Direction != 0 && sig.EWMAVol <= 0 {
		m.raise(ctx, domain.Alert{
			Severity: domain.AlertWarning,
			Kind:     "anomalous_signal",
			Symbol:   sig.Symbol,
			Message:  fmt.Sprintf("signal for %s on %s has direction %d with vol %f", sig.Symbol, sig.Date, sig.Direction, sig.EWMAVol),
			At:       time.Now().UTC(),
		})
	}
	return stream.Ack()
}

// ObserveTarget tracks optimizer output progress.
func (m *Monitor) ObserveTarget(ctx context.Context, msg stream.Message) stream.Outcome {
	var target domain.TargetExposure
	if err := json.Unmarshal(msg.Payload, &target); err != nil {
		observ.IncCounter("monitor_malformed_total", map[string]string{"topic": domain.TopicTargets})
		return stream.Ack()
	}
	m.mu.Lock()
	m.sym(target.Symbol).lastTarget = time.Now()
	m.mu.Unlock()
	return stream.Ack()
}

// ObserveDeadLetter raises an alert for every dead-lettered message.
func (m *Monitor) ObserveDeadLetter(ctx context.Context, msg stream.Message) stream.Outcome {
	var rec domain.DeadLetterRecord
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		observ.IncCounter("monitor_malformed_total", map[string]string{"topic": msg.Topic})
		return stream.Ack()
	}
	m.raise(ctx, domain.Alert{
		Severity: domain.AlertWarning,
		Kind:     "dead_letter",
		Message:  fmt.Sprintf("message %s from %s dead-lettered: %s", rec.MessageID, rec.OriginTopic, rec.Error),
		At:       time.Now().UTC(),
	})
	return stream.Ack()
}

// Run drives the periodic staleness sweep until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep flags universe symbols whose bar arrived but whose signal or target
// did not follow within the staleness window. Each stall alerts once per
// window, not once per sweep.
func (m *Monitor) sweep(ctx context.Context) {
	m.mu.Lock()
	date := m.lastDate
	var stale []domain.Alert
	now := time.Now()

	for _, symbol := range m.uni.Members(date) {
		p, ok := m.progress[symbol]
		if !ok || p.lastBar.IsZero() {
			continue
		}
		if p.lastSignal.Before(p.lastBar) && now.Sub(p.lastBar) > m.cfg.StalenessWindow {
			stale = append(stale, m.staleAlertLocked(now, symbol, "signal"))
		}
		if !p.lastSignal.IsZero() && p.lastTarget.Before(p.lastSignal) && now.Sub(p.lastSignal) > m.cfg.StalenessWindow {
			stale = append(stale, m.staleAlertLocked(now, symbol, "target"))
		}
	}
	m.mu.Unlock()

	for _, a := range stale {
		if a.Kind == "" {
			continue
		}
		m.raise(ctx, a)
	}
}

func (m *Monitor) staleAlertLocked(now time.Time, symbol, stage string) domain.Alert {
	key := symbol + "|" + stage
	if last, ok := m.alerted[key]; ok && now.Sub(last) < m.cfg.StalenessWindow {
		return domain.Alert{}
	}
	m.alerted[key] = now
	observ.IncCounter("monitor_stale_total", map[string]string{"stage": stage})
	return domain.Alert{
		Severity: domain.AlertWarning,
		Kind:     "pipeline_stale",
		Symbol:   symbol,
		Message:  fmt.Sprintf("no %s for %s within %s of upstream progress", stage, symbol, m.cfg.StalenessWindow),
		At:       now.UTC(),
	}
}

func (m *Monitor) raise(ctx context.Context, alert domain.Alert) {
	b, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if _, err := m.log.Publish(ctx, domain.TopicAlerts, alert.Symbol, b); err != nil {
		observ.IncCounter("monitor_alert_publish_errors_total", nil)
		return
	}
	observ.IncCounter("monitor_alerts_total", map[string]string{"kind": alert.Kind})
}

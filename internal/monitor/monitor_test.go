package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/stream"
	"github.com/dkellner/tradeflow/internal/universe"
)

func newTestMonitor(symbols []string, window time.Duration) (*Monitor, *stream.MemLog) {
	log := stream.NewMemLog(time.Minute)
	m := New(Config{
		PortfolioID:     "p1",
		StalenessWindow: window,
		CheckInterval:   time.Hour, // sweeps driven manually in tests
	}, universe.NewStatic(symbols), log)
	return m, log
}

func observe(t *testing.T, fn func(context.Context, stream.Message) stream.Outcome, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if out := fn(context.Background(), stream.Message{Payload: b}); out.Kind != stream.OutcomeAck {
		t.Fatalf("observe outcome = %v, want ack", out.Kind)
	}
}

func alertsOfKind(t *testing.T, log *stream.MemLog, kind string) []domain.Alert {
	t.Helper()
	var out []domain.Alert
	for _, msg := range log.All(domain.TopicAlerts) {
		var a domain.Alert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			t.Fatalf("unmarshal alert: %v", err)
		}
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestSweepFlagsMissingSignal(t *testing.T) {
	m, log := newTestMonitor([]string{"AAPL"}, time.Millisecond)

	observe(t, m.ObserveBar, domain.Bar{Symbol: "AAPL", Date: "2024-06-03", Close: 100})
	time.Sleep(5 * time.Millisecond)
	m.sweep(context.Background())

	stale := alertsOfKind(t, log, "pipeline_stale")
	if len(stale) != 1 {
		t.Fatalf("got %d staleness alerts, want 1", len(stale))
	}
	if stale[0].Symbol != "AAPL" {
		t.Fatalf("alert symbol = %s, want AAPL", stale[0].Symbol)
	}
}

func TestSweepQuietWhenPipelineKeepsUp(t *testing.T) {
	m, log := newTestMonitor([]string{"AAPL"}, time.Millisecond)

	observe(t, m.ObserveBar, domain.Bar{Symbol: "AAPL", Date: "2024-06-03", Close: 100})
	observe(t, m.ObserveSignal, domain.Signal{Symbol: "AAPL", Date: "2024-06-03", EWMAVol: 0.2, Direction: 1})
	observe(t, m.ObserveTarget, domain.TargetExposure{Symbol: "AAPL", Date: "2024-06-03"})
	time.Sleep(5 * time.Millisecond)
	m.sweep(context.Background())

	if stale := alertsOfKind(t, log, "pipeline_stale"); len(stale) != 0 {
		t.Fatalf("healthy pipeline raised %d staleness alerts", len(stale))
	}
}

func TestSweepAlertsOncePerWindow(t *testing.T) {
	m, log := newTestMonitor([]string{"AAPL"}, time.Minute)

	observe(t, m.ObserveBar, domain.Bar{Symbol: "AAPL", Date: "2024-06-03", Close: 100})
	// Force the bar far enough in the past.
	m.mu.Lock()
	m.progress["AAPL"].lastBar = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()

	m.sweep(context.Background())
	m.sweep(context.Background())

	if stale := alertsOfKind(t, log, "pipeline_stale"); len(stale) != 1 {
		t.Fatalf("got %d staleness alerts across sweeps, want 1", len(stale))
	}
}

func TestObserveSignalFlagsZeroVolDirectional(t *testing.T) {
	m, log := newTestMonitor([]string{"AAPL"}, time.Minute)

	observe(t, m.ObserveSignal, domain.Signal{Symbol: "AAPL", Date: "2024-06-03", Direction: 1, EWMAVol: 0})
	if got := alertsOfKind(t, log, "anomalous_signal"); len(got) != 1 {
		t.Fatalf("got %d anomaly alerts, want 1", len(got))
	}

	// A flat signal with zero vol is fine.
	observe(t, m.ObserveSignal, domain.Signal{Symbol: "AAPL", Date: "2024-06-03", Direction: 0, EWMAVol: 0})
	if got := alertsOfKind(t, log, "anomalous_signal"); len(got) != 1 {
		t.Fatalf("flat zero-vol signal raised an anomaly alert")
	}
}

func TestObserveDeadLetterRaisesAlert(t *testing.T) {
	m, log := newTestMonitor([]string{"AAPL"}, time.Minute)

	observe(t, m.ObserveDeadLetter, domain.DeadLetterRecord{
		RecordID: "r1", MessageID: "m1", OriginTopic: domain.TopicBars, Error: "malformed",
	})
	if got := alertsOfKind(t, log, "dead_letter"); len(got) != 1 {
		t.Fatalf("got %d dead-letter alerts, want 1", len(got))
	}
}

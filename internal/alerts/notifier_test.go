package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/stream"
)

type recordingNotifier struct {
	alerts []domain.Alert
}

func (r *recordingNotifier) Notify(a domain.Alert) { r.alerts = append(r.alerts, a) }

func TestDispatcherFansOut(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	d := NewDispatcher(a, b)

	payload, _ := json.Marshal(domain.Alert{
		Severity: domain.AlertWarning, Kind: "order_rejected", Symbol: "AAPL", Message: "rejected",
	})
	out := d.Process(context.Background(), stream.Message{Payload: payload})
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", out.Kind)
	}
	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Fatalf("fan-out reached %d/%d notifiers, want 1/1", len(a.alerts), len(b.alerts))
	}
}

func TestDispatcherMalformedAlertDeadLetters(t *testing.T) {
	d := NewDispatcher(&recordingNotifier{})
	out := d.Process(context.Background(), stream.Message{Payload: []byte("junk")})
	if out.Kind != stream.OutcomeDeadLetter {
		t.Fatalf("outcome = %v, want dead-letter", out.Kind)
	}
}

func TestSlackNotifierPostsWebhook(t *testing.T) {
	var posts int64
	var got slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posts, 1)
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewSlackNotifier(srv.URL)
	defer s.Close()

	s.Notify(domain.Alert{
		Severity: domain.AlertCritical, Kind: "kill_switch", Message: "kill switch tripped", At: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&posts) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt64(&posts) != 1 {
		t.Fatalf("webhook posted %d times, want 1", posts)
	}
	if got.Text != "kill switch tripped" {
		t.Fatalf("webhook text = %q", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Color != "danger" {
		t.Fatalf("critical alert should map to danger color: %+v", got.Attachments)
	}
}

func TestSlackNotifierDedupesWithinWindow(t *testing.T) {
	var posts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posts, 1)
	}))
	defer srv.Close()

	s := NewSlackNotifier(srv.URL)
	defer s.Close()

	alert := domain.Alert{Severity: domain.AlertWarning, Kind: "pipeline_stale", Symbol: "AAPL", Message: "stale"}
	s.Notify(alert)
	s.Notify(alert)
	s.Notify(alert)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&posts) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt64(&posts); n != 1 {
		t.Fatalf("webhook posted %d times for duplicate alerts, want 1", n)
	}
}

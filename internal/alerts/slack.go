package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
)

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// SlackNotifier posts alerts to an incoming webhook through a bounded queue
// with a single worker, so a slow or dead webhook cannot back-pressure the
// alert consumer. Duplicate alerts inside the dedupe window are dropped.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	queue      chan domain.Alert
	cancel     context.CancelFunc

	mu    sync.Mutex
	dedup map[string]time.Time
}

const slackDedupeWindow = 60 * time.Second

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	s := &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan domain.Alert, 256),
		cancel:     cancel,
		dedup:      map[string]time.Time{},
	}
	go s.worker(ctx)
	return s
}

func (s *SlackNotifier) Notify(alert domain.Alert) {
	if s.duplicate(alert) {
		return
	}
	select {
	case s.queue <- alert:
	default:
		observ.IncCounter("slack_alerts_dropped_total", nil)
	}
}

func (s *SlackNotifier) Close() { s.cancel() }

func (s *SlackNotifier) duplicate(alert domain.Alert) bool {
	h := sha256.Sum256([]byte(alert.Kind + "|" + alert.Symbol + "|" + alert.Message))
	key := fmt.Sprintf("%x", h[:8])

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if last, ok := s.dedup[key]; ok && now.Sub(last) < slackDedupeWindow {
		return true
	}
	s.dedup[key] = now
	for k, t := range s.dedup {
		if now.Sub(t) > 5*slackDedupeWindow {
			delete(s.dedup, k)
		}
	}
	return false
}

func (s *SlackNotifier) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-s.queue:
			if err := s.post(alert); err != nil {
				observ.IncCounter("slack_webhook_errors_total", nil)
				observ.Log("slack_webhook_error", map[string]any{"error": err.Error()})
			} else {
				observ.IncCounter("slack_alerts_sent_total", nil)
			}
		}
	}
}

func (s *SlackNotifier) post(alert domain.Alert) error {
	color := "good"
	switch alert.Severity {
	case domain.AlertWarning:
		color = "warning"
	case domain.AlertCritical:
		color = "danger"
	}

	fields := []slackField{
		{Title: "Kind", Value: alert.Kind, Short: true},
		{Title: "Severity", Value: alert.Severity, Short: true},
		{Title: "Time", Value: alert.At.Format("15:04:05 MST"), Short: true},
	}
	if alert.Symbol != "" {
		fields = append(fields, slackField{Title: "Symbol", Value: alert.Symbol, Short: true})
	}

	payload, err := json.Marshal(slackMessage{
		Text: alert.Message,
		Attachments: []slackAttachment{{
			Color:  color,
			Fields: fields,
		}},
	})
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

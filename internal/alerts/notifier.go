// Package alerts fans operational alerts out to notifier backends. The
// alert topic stays the source of truth; notifiers are best-effort and must
// never block the pipeline.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

// Notifier delivers one alert to a backend. Delivery failures are the
// backend's problem; Notify never returns an error.
type Notifier interface {
	Notify(alert domain.Alert)
}

// LogNotifier writes alerts to the structured log. Always on; the fallback
// when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(alert domain.Alert) {
	observ.Log("alert", map[string]any{
		"severity": alert.Severity,
		"kind":     alert.Kind,
		"symbol":   alert.Symbol,
		"message":  alert.Message,
	})
}

// Dispatcher is the alert-topic consumer stage.
type Dispatcher struct {
	notifiers []Notifier
}

func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers}
}

// Process handles one Alert message.
func (d *Dispatcher) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var alert domain.Alert
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed alert: %w", err))
	}
	for _, n := range d.notifiers {
		n.Notify(alert)
	}
	observ.IncCounter("alerts_dispatched_total", map[string]string{"severity": alert.Severity})
	return stream.Ack()
}

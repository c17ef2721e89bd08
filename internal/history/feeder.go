package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

// Feeder populates a Store from the bar topic under its own consumer group,
// so history ingestion and signal generation progress independently.
type Feeder struct {
	store *Store
}

func NewFeeder(store *Store) *Feeder {
	return &Feeder{store: store}
}

// Process handles one Bar message.
func (f *Feeder) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var bar domain.Bar
	if err := json.Unmarshal(msg.Payload, &bar); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed bar: %w", err))
	}
	if bar.Symbol == "" || bar.Date == "" {
		return stream.DeadLetter(fmt.Errorf("bar missing symbol or date"))
	}
	f.store.Add(bar)
	observ.IncCounter("history_bars_total", map[string]string{"symbol": bar.Symbol})
	return stream.Ack()
}

package signal

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/history"
	"github.com/dkellner/tradeflow/internal/stream"
)

// feedCloses loads n sequential daily closes for a symbol, ending at the
// returned date.
func feedCloses(store *history.Store, symbol string, closes []float64) string {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	date := ""
	for i, c := range closes {
		date = start.AddDate(0, 0, i).Format("2006-01-02")
		store.Add(domain.Bar{Symbol: symbol, Date: date, Close: c})
	}
	return date
}

func constantCloses(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestComputeFlatHistoryYieldsZeroSignal(t *testing.T) {
	store := history.NewStore()
	g := NewGenerator(Config{LookbackDays: 126}, store, stream.NewMemLog(time.Minute))

	date := feedCloses(store, "SPY", constantCloses(130, 100))
	sig, err := g.Compute(domain.Bar{Symbol: "SPY", Date: date, Close: 100})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if sig.Direction != 0 {
		t.Fatalf("direction = %d, want 0 for flat history", sig.Direction)
	}
	if sig.TargetWeight != 0 {
		t.Fatalf("target weight = %f, want 0 for flat history", sig.TargetWeight)
	}
	if sig.EWMAVol != 0 {
		t.Fatalf("ewma vol = %f, want 0 for flat history", sig.EWMAVol)
	}
}

func TestComputeDirectionMatchesMomentumSign(t *testing.T) {
	cases := []struct {
		name    string
		first   float64
		last    float64
		wantDir int
	}{
		{"uptrend", 100, 120, 1},
		{"downtrend", 100, 80, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := history.NewStore()
			g := NewGenerator(Config{LookbackDays: 126}, store, stream.NewMemLog(time.Minute))

			// Linear drift from first to last over the window.
			closes := make([]float64, 127)
			for i := range closes {
				closes[i] = tc.first + (tc.last-tc.first)*float64(i)/126
			}
			date := feedCloses(store, "QQQ", closes)

			sig, err := g.Compute(domain.Bar{Symbol: "QQQ", Date: date, Close: tc.last})
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			if sig.Direction != tc.wantDir {
				t.Fatalf("direction = %d, want %d", sig.Direction, tc.wantDir)
			}
			if sig.EWMAVol <= 0 {
				t.Fatalf("ewma vol = %f, want positive", sig.EWMAVol)
			}
			// Weight sign follows direction, magnitude bounded by the clamp.
			if sig.TargetWeight*float64(tc.wantDir) <= 0 {
				t.Fatalf("target weight %f disagrees with direction %d", sig.TargetWeight, tc.wantDir)
			}
			if w := sig.TargetWeight; w > 4.0 || w < -4.0 {
				t.Fatalf("target weight %f exceeds clamp", w)
			}
		})
	}
}

func TestComputeVolTargetingScalesWeight(t *testing.T) {
	store := history.NewStore()
	g := NewGenerator(Config{LookbackDays: 126, TargetVol: 0.10}, store, stream.NewMemLog(time.Minute))

	// Steady 1% daily gains: high momentum, steady vol.
	closes := make([]float64, 127)
	closes[0] = 100
	for i := 1; i < len(closes); i++ {
		closes[i] = closes[i-1] * 1.01
	}
	date := feedCloses(store, "NVDA", closes)

	sig, err := g.Compute(domain.Bar{Symbol: "NVDA", Date: date, Close: closes[len(closes)-1]})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := 0.10 / sig.EWMAVol
	if want > 4.0 {
		want = 4.0
	}
	if diff := sig.TargetWeight - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("target weight = %f, want target_vol/ann_vol = %f", sig.TargetWeight, want)
	}
}

func TestProcessInsufficientHistoryRetries(t *testing.T) {
	store := history.NewStore()
	log := stream.NewMemLog(time.Minute)
	g := NewGenerator(Config{LookbackDays: 126}, store, log)

	date := feedCloses(store, "IWM", constantCloses(10, 50))
	payload, _ := json.Marshal(domain.Bar{Symbol: "IWM", Date: date, Close: 50})

	out := g.Process(context.Background(), stream.Message{Payload: payload})
	if out.Kind != stream.OutcomeRetry {
		t.Fatalf("outcome = %v, want retry on insufficient history", out.Kind)
	}
	if log.Len(domain.TopicSignals) != 0 {
		t.Fatalf("no signal should be published")
	}
}

func TestProcessMalformedBarDeadLetters(t *testing.T) {
	g := NewGenerator(Config{}, history.NewStore(), stream.NewMemLog(time.Minute))
	out := g.Process(context.Background(), stream.Message{Payload: []byte("{not json")})
	if out.Kind != stream.OutcomeDeadLetter {
		t.Fatalf("outcome = %v, want dead-letter for malformed bar", out.Kind)
	}
}

func TestProcessPublishesSignal(t *testing.T) {
	store := history.NewStore()
	log := stream.NewMemLog(time.Minute)
	g := NewGenerator(Config{LookbackDays: 126}, store, log)

	closes := make([]float64, 127)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	date := feedCloses(store, "AAPL", closes)
	payload, _ := json.Marshal(domain.Bar{Symbol: "AAPL", Date: date, Close: closes[len(closes)-1]})

	out := g.Process(context.Background(), stream.Message{Payload: payload})
	if out.Kind != stream.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", out.Kind)
	}

	published := log.All(domain.TopicSignals)
	if len(published) != 1 {
		t.Fatalf("published %d signals, want 1", len(published))
	}
	var sig domain.Signal
	if err := json.Unmarshal(published[0].Payload, &sig); err != nil {
		t.Fatalf("unmarshal signal: %v", err)
	}
	if sig.Symbol != "AAPL" || sig.Date != date {
		t.Fatalf("signal misrouted: %+v", sig)
	}
	if sig.Direction != 1 {
		t.Fatalf("direction = %d, want 1 for rising closes", sig.Direction)
	}
}

func TestEWMAVolSeedsFromFirstReturn(t *testing.T) {
	// Two closes give one return; variance seeds to r^2.
	closes := []float64{100, 102}
	got := ewmaVol(closes, 0.94)
	r := 102.0/100.0 - 1
	want := math.Sqrt(r * r * 252)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("vol = %f, want sqrt(r^2*252) = %f", got, want)
	}
}

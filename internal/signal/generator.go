// Package signal turns price history into per-symbol trend/volatility
// signals: trailing-return momentum plus EWMA volatility targeting.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/history"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

const tradingDaysPerYear = 252

type Config struct {
	StrategyVersion string
	LookbackDays    int     // momentum window, default 126 sessions
	EWMALambda      float64 // smoothing factor, default 0.94
	TargetVol       float64 // annualized vol target, default 0.10
	MaxWeight       float64 // clamp on |target_weight|
}

// Generator computes one Signal per (symbol, date) from a Bar plus trailing
// history, and publishes it to the signal topic.
type Generator struct {
	cfg     Config
	history history.Provider
	log     stream.Log
}

func NewGenerator(cfg Config, hist history.Provider, log stream.Log) *Generator {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 126
	}
	if cfg.EWMALambda <= 0 {
		cfg.EWMALambda = 0.94
	}
	if cfg.TargetVol <= 0 {
		cfg.TargetVol = 0.10
	}
	if cfg.MaxWeight <= 0 {
		cfg.MaxWeight = 4.0
	}
	if cfg.StrategyVersion == "" {
		cfg.StrategyVersion = "tsmom-v1"
	}
	return &Generator{cfg: cfg, history: hist, log: log}
}

// Compute builds the signal for a bar without publishing. Pure given the
// history provider's contents.
func (g *Generator) Compute(bar domain.Bar) (domain.Signal, error) {
	// lookback+1 closes give lookback returns.
	closes, err := g.history.TrailingCloses(bar.Symbol, bar.Date, g.cfg.LookbackDays+1)
	if err != nil {
		return domain.Signal{}, err
	}

	first, last := closes[0], closes[len(closes)-1]
	if first <= 0 {
		return domain.Signal{}, fmt.Errorf("non-positive close for %s at window start", bar.Symbol)
	}
	momentum := last/first - 1

	annVol := ewmaVol(closes, g.cfg.EWMALambda)

	dir := sign(momentum)
	weight := 0.0
	if dir != 0 && annVol > 0 {
		weight = float64(dir) * g.cfg.TargetVol / annVol
		if weight > g.cfg.MaxWeight {
			weight = g.cfg.MaxWeight
		}
		if weight < -g.cfg.MaxWeight {
			weight = -g.cfg.MaxWeight
		}
	}

	return domain.Signal{
		StrategyVersion: g.cfg.StrategyVersion,
		Symbol:          bar.Symbol,
		Date:            bar.Date,
		LookbackReturn:  momentum,
		EWMAVol:         annVol,
		Direction:       dir,
		TargetWeight:    weight,
	}, nil
}

// Process is the stage's consumer hook for the bar topic.
func (g *Generator) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var bar domain.Bar
	if err := json.Unmarshal(msg.Payload, &bar); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed bar: %w", err))
	}

	sig, err := g.Compute(bar)
	if err != nil {
		var insuff *history.InsufficientHistoryError
		if errors.As(err, &insuff) {
			// More history will not arrive by retrying the same bar, but a
			// race with the history feeder is possible, so let the consumer
			// retry before dead-lettering.
			return stream.Retry(err)
		}
		return stream.DeadLetter(err)
	}

	b, err := json.Marshal(sig)
	if err != nil {
		return stream.DeadLetter(err)
	}
	if _, err := g.log.Publish(ctx, domain.TopicSignals, sig.Symbol, b); err != nil {
		return stream.Retry(fmt.Errorf("publish signal: %w", err))
	}

	observ.IncCounter("signals_generated_total", map[string]string{"symbol": sig.Symbol})
	observ.SetGauge("signal_ewma_vol", sig.EWMAVol, map[string]string{"symbol": sig.Symbol})
	return stream.Ack()
}

// ewmaVol computes annualized EWMA volatility of daily returns:
// var_t = lambda*var_{t-1} + (1-lambda)*r_t^2, annualized by sqrt(252).
func ewmaVol(closes []float64, lambda float64) float64 {
	variance := 0.0
	seeded := false
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		r := closes[i]/closes[i-1] - 1
		if !seeded {
			variance = r * r
			seeded = true
			continue
		}
		variance = lambda*variance + (1-lambda)*r*r
	}
	return math.Sqrt(variance * tradingDaysPerYear)
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

// StateCache consumes the portfolio-state topic and keeps the latest
// snapshot per portfolio. Stages that only read state (the optimizer's
// drawdown check, dashboards) depend on this instead of the ledger itself,
// so they work the same whether the ledger runs in-process or not.
type StateCache struct {
	mu     sync.RWMutex
	latest map[string]domain.PortfolioState
}

func NewStateCache() *StateCache {
	return &StateCache{latest: map[string]domain.PortfolioState{}}
}

// Process handles one PortfolioState message. Out-of-order redeliveries are
// dropped by UpdatedAt so the cache never moves backwards.
func (s *StateCache) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var state domain.PortfolioState
	if err := json.Unmarshal(msg.Payload, &state); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed portfolio state: %w", err))
	}
	if state.PortfolioID == "" {
		return stream.DeadLetter(fmt.Errorf("portfolio state missing portfolio_id"))
	}

	s.mu.Lock()
	cur, ok := s.latest[state.PortfolioID]
	if !ok || !state.UpdatedAt.Before(cur.UpdatedAt) {
		s.latest[state.PortfolioID] = state
	}
	s.mu.Unlock()

	observ.IncCounter("state_cache_updates_total", map[string]string{"portfolio": state.PortfolioID})
	return stream.Ack()
}

// Latest returns the most recent state for a portfolio.
func (s *StateCache) Latest(portfolioID string) (domain.PortfolioState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.latest[portfolioID]
	return st, ok
}

// NAV exposes the cached NAV for readers that only need valuation.
func (s *StateCache) NAV(portfolioID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.latest[portfolioID]
	if !ok {
		return 0, false
	}
	return st.NAV, true
}

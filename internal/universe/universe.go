// Package universe is the membership collaborator boundary: given a date,
// the expected symbol set the optimizer's barrier waits for.
package universe

import "sync"

// Provider returns the declared universe for a date.
type Provider interface {
	Members(date string) []string
}

// Static serves a fixed symbol list, optionally overridden per date. Covers
// paper trading and tests; a live deployment swaps in an index-membership
// client behind the same interface.
type Static struct {
	mu        sync.RWMutex
	symbols   []string
	overrides map[string][]string
}

func NewStatic(symbols []string) *Static {
	return &Static{
		symbols:   append([]string(nil), symbols...),
		overrides: map[string][]string{},
	}
}

func (s *Static) Members(date string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ov, ok := s.overrides[date]; ok {
		return append([]string(nil), ov...)
	}
	return append([]string(nil), s.symbols...)
}

// Override pins the membership for one date (index rebalance days).
func (s *Static) Override(date string, symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[date] = append([]string(nil), symbols...)
}

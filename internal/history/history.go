// Package history is the price-history collaborator boundary. The signal
// generator needs trailing closes; where they come from (warehouse, vendor
// API, the bar topic itself) is the caller's concern.
package history

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dkellner/tradeflow/internal/domain"
)

// InsufficientHistoryError reports that a symbol has fewer observations than
// a computation needs. It is a data error: retrying the same message cannot
// fix it, so consumers dead-letter on it.
type InsufficientHistoryError struct {
	Symbol string
	Have   int
	Need   int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s: have %d, need %d", e.Symbol, e.Have, e.Need)
}

// Provider hands back up to n trailing closes for a symbol, oldest first,
// ending at the given date inclusive.
type Provider interface {
	TrailingCloses(symbol, date string, n int) ([]float64, error)
	LastClose(symbol string) (float64, bool)
}

// Store is the in-memory Provider fed from the bar topic. Bars arrive
// at-least-once, so Add de-duplicates on (symbol, date).
type Store struct {
	mu    sync.RWMutex
	bars  map[string]map[string]float64 // symbol -> date -> close
	dates map[string][]string           // symbol -> sorted dates
}

func NewStore() *Store {
	return &Store{
		bars:  map[string]map[string]float64{},
		dates: map[string][]string{},
	}
}

// Add records a bar's close. Re-publication of the same (symbol, date) is a
// no-op, which is what makes downstream redelivery harmless.
func (s *Store) Add(bar domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bars[bar.Symbol]
	if !ok {
		m = map[string]float64{}
		s.bars[bar.Symbol] = m
	}
	if _, dup := m[bar.Date]; dup {
		return
	}
	m[bar.Date] = bar.Close
	ds := s.dates[bar.Symbol]
	idx := sort.SearchStrings(ds, bar.Date)
	ds = append(ds, "")
	copy(ds[idx+1:], ds[idx:])
	ds[idx] = bar.Date
	s.dates[bar.Symbol] = ds
}

func (s *Store) TrailingCloses(symbol, date string, n int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds := s.dates[symbol]
	// Index of the last date <= requested date.
	end := sort.SearchStrings(ds, date)
	if end < len(ds) && ds[end] == date {
		end++
	}
	if end < n {
		return nil, &InsufficientHistoryError{Symbol: symbol, Have: end, Need: n}
	}
	closes := make([]float64, 0, n)
	for _, d := range ds[end-n : end] {
		closes = append(closes, s.bars[symbol][d])
	}
	return closes, nil
}

func (s *Store) LastClose(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds := s.dates[symbol]
	if len(ds) == 0 {
		return 0, false
	}
	return s.bars[symbol][ds[len(ds)-1]], true
}

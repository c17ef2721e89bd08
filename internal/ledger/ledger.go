// Package ledger owns positions, cash and P&L. It is the only writer of
// portfolio state: fills come in on the fill topic, the lot book is mutated,
// the full state is recomputed from the lot set and republished. Everything
// downstream (optimizer de-risking, order sizing, monitoring) reads state,
// never writes it.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/risk"
	"github.com/dkellner/tradeflow/internal/stream"
)

type Config struct {
	PortfolioID      string
	InitialCash      float64
	KillDrawdown     float64 // intraday loss fraction that trips the kill switch
	StatePath        string
	FillsJournalPath string
}

// Ledger is the fill-topic consumer stage. It also serves reads for the
// order generator: Holding and NAV come straight off the lot book.
type Ledger struct {
	cfg Config
	log stream.Log

	mu            sync.RWMutex
	book          *book
	seen          map[string]bool    // fill ids already applied
	highWaterMark float64
	dayStartNAV   map[string]float64 // date -> NAV before the first fill of that date
	killSent      map[string]bool    // date -> auto kill command already published
	lastDate      string
}

// snapshot is the persisted on-disk shape. The fills journal remains the
// source of truth; the snapshot exists for operator inspection and fast
// restarts.
type snapshot struct {
	PortfolioID   string             `json:"portfolio_id"`
	Cash          float64            `json:"cash"`
	RealizedPnL   float64            `json:"realized_pnl"`
	HighWaterMark float64            `json:"high_water_mark"`
	Marks         map[string]float64 `json:"marks"`
	Lots          []domain.Lot       `json:"lots"`
	SeenFills     []string           `json:"seen_fills"`
	DayStartNAV   map[string]float64 `json:"day_start_nav"`
	LastDate      string             `json:"last_date"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// New builds a ledger and replays the fills journal so restart state always
// equals the state a fresh replay would produce.
func New(cfg Config, log stream.Log) (*Ledger, error) {
	if cfg.PortfolioID == "" {
		cfg.PortfolioID = "default"
	}
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = 1_000_000
	}
	if cfg.KillDrawdown <= 0 {
		cfg.KillDrawdown = 0.05
	}

	l := &Ledger{
		cfg:         cfg,
		log:         log,
		book:        newBook(cfg.InitialCash),
		seen:        map[string]bool{},
		dayStartNAV: map[string]float64{},
		killSent:    map[string]bool{},
	}
	l.highWaterMark = cfg.InitialCash

	if cfg.FillsJournalPath != "" {
		n, err := l.replayJournal()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			observ.Log("ledger_journal_replayed", map[string]any{
				"portfolio": cfg.PortfolioID, "fills": n,
			})
		}
	}
	return l, nil
}

// replayJournal rebuilds the book from the journal file. Missing file means
// a fresh start. A torn final line (crash mid-append) is skipped.
func (l *Ledger) replayJournal() (int, error) {
	f, err := os.Open(l.cfg.FillsJournalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var fill domain.Fill
		if err := json.Unmarshal(sc.Bytes(), &fill); err != nil {
			continue
		}
		if l.seen[fill.FillID] {
			continue
		}
		if err := l.applyLocked(fill); err != nil {
			return n, fmt.Errorf("replay fill %s: %w", fill.FillID, err)
		}
		n++
	}
	return n, sc.Err()
}

// applyLocked applies one fill to the book and refreshes the derived
// tracking state. Caller holds the lock (or is still single-threaded in New).
func (l *Ledger) applyLocked(fill domain.Fill) error {
	if fill.Date != "" && fill.Date != l.lastDate {
		if _, ok := l.dayStartNAV[fill.Date]; !ok {
			nav, _, _, _ := l.book.valuation()
			l.dayStartNAV[fill.Date] = nav
		}
		l.lastDate = fill.Date
	}
	if err := l.book.applyFill(fill); err != nil {
		return err
	}
	l.seen[fill.FillID] = true

	nav, _, _, _ := l.book.valuation()
	if nav > l.highWaterMark {
		l.highWaterMark = nav
	}
	return nil
}

// Process handles one Fill message.
func (l *Ledger) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var fill domain.Fill
	if err := json.Unmarshal(msg.Payload, &fill); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed fill: %w", err))
	}
	if fill.FillID == "" {
		return stream.DeadLetter(fmt.Errorf("fill missing fill_id"))
	}
	if fill.Qty == 0 || fill.Price <= 0 {
		return stream.DeadLetter(fmt.Errorf("fill %s has invalid qty %f price %f", fill.FillID, fill.Qty, fill.Price))
	}

	l.mu.Lock()
	if l.seen[fill.FillID] {
		// Redelivery. State already reflects this fill; republish so readers
		// that missed the earlier publish converge anyway.
		state := l.stateLocked(fill.Date)
		l.mu.Unlock()
		observ.IncCounter("ledger_fills_deduped_total", nil)
		l.publishState(ctx, state)
		return stream.Ack()
	}

	if err := l.journalFill(fill); err != nil {
		l.mu.Unlock()
		return stream.Retry(fmt.Errorf("journal fill: %w", err))
	}
	if err := l.applyLocked(fill); err != nil {
		l.mu.Unlock()
		return stream.DeadLetter(err)
	}
	if err := l.book.checkIntegrity(); err != nil {
		l.mu.Unlock()
		return stream.Fatal(fmt.Errorf("ledger integrity: %w", err))
	}

	state := l.stateLocked(fill.Date)
	killCmd := l.checkKillLocked(fill.Date, state)
	if err := l.persistLocked(); err != nil {
		// Journal already has the fill; the snapshot is reconstructable.
		observ.IncCounter("ledger_persist_errors_total", nil)
		observ.Log("ledger_persist_error", map[string]any{"error": err.Error()})
	}
	l.mu.Unlock()

	observ.IncCounter("ledger_fills_total", map[string]string{"symbol": fill.Symbol})
	observ.SetGauge("portfolio_nav", state.NAV, map[string]string{"portfolio": state.PortfolioID})
	observ.SetGauge("portfolio_drawdown", state.Drawdown, map[string]string{"portfolio": state.PortfolioID})

	if killCmd != nil {
		if err := risk.PublishCommand(ctx, l.log, *killCmd); err != nil {
			observ.IncCounter("ledger_kill_publish_errors_total", nil)
			observ.Log("ledger_kill_publish_error", map[string]any{"error": err.Error()})
		}
	}
	if !l.publishState(ctx, state) {
		return stream.Retry(fmt.Errorf("publish portfolio state"))
	}
	return stream.Ack()
}

// stateLocked recomputes the full portfolio state from the lot book.
func (l *Ledger) stateLocked(date string) domain.PortfolioState {
	nav, gross, net, unrealized := l.book.valuation()

	drawdown := 0.0
	if l.highWaterMark > 0 && nav < l.highWaterMark {
		drawdown = (l.highWaterMark - nav) / l.highWaterMark
	}
	grossExp, netExp := 0.0, 0.0
	if nav > 0 {
		grossExp = gross / nav
		netExp = net / nav
	}
	if date == "" {
		date = l.lastDate
	}

	return domain.PortfolioState{
		PortfolioID:   l.cfg.PortfolioID,
		Date:          date,
		NAV:           nav,
		Cash:          l.book.cash.InexactFloat64(),
		GrossExposure: grossExp,
		NetExposure:   netExp,
		RealizedPnL:   l.book.realized.InexactFloat64(),
		UnrealizedPnL: unrealized,
		Drawdown:      drawdown,
		HighWaterMark: l.highWaterMark,
		UpdatedAt:     time.Now().UTC(),
	}
}

// checkKillLocked returns an auto kill command when the intraday loss
// crosses the configured threshold. At most one command per date; the switch
// itself dedupes redeliveries anyway.
func (l *Ledger) checkKillLocked(date string, state domain.PortfolioState) *domain.KillCommand {
	start, ok := l.dayStartNAV[date]
	if !ok || start <= 0 || l.killSent[date] {
		return nil
	}
	loss := (start - state.NAV) / start
	if loss < l.cfg.KillDrawdown {
		return nil
	}
	l.killSent[date] = true
	observ.IncCounter("ledger_auto_kills_total", map[string]string{"portfolio": l.cfg.PortfolioID})
	observ.Log("ledger_auto_kill", map[string]any{
		"portfolio": l.cfg.PortfolioID, "date": date,
		"day_start_nav": start, "nav": state.NAV, "loss": loss,
	})
	return &domain.KillCommand{
		PortfolioID: l.cfg.PortfolioID,
		Action:      domain.KillActionActivate,
		Source:      domain.KillSourceAuto,
		Reason:      fmt.Sprintf("intraday loss %.4f breached %.4f", loss, l.cfg.KillDrawdown),
		IssuedAt:    time.Now().UTC(),
	}
}

func (l *Ledger) publishState(ctx context.Context, state domain.PortfolioState) bool {
	b, err := json.Marshal(state)
	if err != nil {
		return false
	}
	if _, err := l.log.Publish(ctx, domain.TopicPortfolioState, state.PortfolioID, b); err != nil {
		observ.IncCounter("ledger_state_publish_errors_total", nil)
		return false
	}
	return true
}

// journalFill appends the fill before it is applied, so a crash between
// append and apply replays cleanly on restart.
func (l *Ledger) journalFill(fill domain.Fill) error {
	if l.cfg.FillsJournalPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.cfg.FillsJournalPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.cfg.FillsJournalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// persistLocked writes the snapshot atomically: temp file then rename.
func (l *Ledger) persistLocked() error {
	if l.cfg.StatePath == "" {
		return nil
	}
	seen := make([]string, 0, len(l.seen))
	for id := range l.seen {
		seen = append(seen, id)
	}
	snap := snapshot{
		PortfolioID:   l.cfg.PortfolioID,
		Cash:          l.book.cash.InexactFloat64(),
		RealizedPnL:   l.book.realized.InexactFloat64(),
		HighWaterMark: l.highWaterMark,
		Marks:         l.book.marks,
		Lots:          l.book.snapshotLots(),
		SeenFills:     seen,
		DayStartNAV:   l.dayStartNAV,
		LastDate:      l.lastDate,
		UpdatedAt:     time.Now().UTC(),
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.cfg.StatePath)
}

// Holding implements the position side of the order generator's reader.
func (l *Ledger) Holding(portfolioID, symbol string) (domain.Holding, bool) {
	if portfolioID != l.cfg.PortfolioID {
		return domain.Holding{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.book.holding(symbol)
}

// NAV implements the valuation side of the order generator's reader.
func (l *Ledger) NAV(portfolioID string) (float64, bool) {
	if portfolioID != l.cfg.PortfolioID {
		return 0, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	nav, _, _, _ := l.book.valuation()
	return nav, true
}

// State returns the current recomputed state, for operator surfaces and the
// replay tool.
func (l *Ledger) State() domain.PortfolioState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stateLocked(l.lastDate)
}

// Package risk holds the portfolio-wide kill switch: a single boolean per
// portfolio, set by control-topic commands, consulted by the order generator
// before every emission. Activation can come from the ledger (auto) or an
// operator (manual); reset is always explicit.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

type switchState struct {
	Active bool      `json:"active"`
	Source string    `json:"source"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

type KillSwitch struct {
	mu     sync.RWMutex
	path   string // empty means memory-only
	states map[string]switchState
}

func NewKillSwitch() *KillSwitch {
	return &KillSwitch{states: map[string]switchState{}}
}

// NewPersistentKillSwitch restores switch state from path and writes every
// change back with a tmp+rename swap. An active switch survives a restart;
// clearing it still takes an explicit reset command.
func NewPersistentKillSwitch(path string) (*KillSwitch, error) {
	k := &KillSwitch{path: path, states: map[string]switchState{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
			return k, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &k.states); err != nil {
		return nil, fmt.Errorf("kill switch state %s: %w", path, err)
	}
	for id, s := range k.states {
		if s.Active {
			observ.Log("kill_switch_restored", map[string]any{
				"portfolio": id, "source": s.Source, "reason": s.Reason,
			})
			observ.SetGauge("kill_switch_active", 1, map[string]string{"portfolio": id})
		}
	}
	return k, nil
}

// Active reports whether the portfolio's kill switch is engaged.
func (k *KillSwitch) Active(portfolioID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.states[portfolioID].Active
}

// Status returns the full switch state for operator surfaces.
func (k *KillSwitch) Status(portfolioID string) (active bool, source, reason string) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s := k.states[portfolioID]
	return s.Active, s.Source, s.Reason
}

// Process consumes KillCommand messages from the control topic.
func (k *KillSwitch) Process(ctx context.Context, msg stream.Message) stream.Outcome {
	var cmd domain.KillCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return stream.DeadLetter(fmt.Errorf("malformed kill command: %w", err))
	}
	if cmd.PortfolioID == "" {
		return stream.DeadLetter(fmt.Errorf("kill command missing portfolio_id"))
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	cur := k.states[cmd.PortfolioID]

	switch cmd.Action {
	case domain.KillActionActivate:
		if !cur.Active {
			k.states[cmd.PortfolioID] = switchState{
				Active: true, Source: cmd.Source, Reason: cmd.Reason, Since: cmd.IssuedAt,
			}
			observ.IncCounter("kill_switch_activations_total", map[string]string{
				"portfolio": cmd.PortfolioID, "source": cmd.Source,
			})
			observ.Log("kill_switch_activated", map[string]any{
				"portfolio": cmd.PortfolioID, "source": cmd.Source, "reason": cmd.Reason,
			})
		}
		// Re-activation while active is a redelivery or a second trigger;
		// either way the state is already correct.
	case domain.KillActionReset:
		if cmd.Source != domain.KillSourceManual {
			// Reset is never automatic.
			return stream.DeadLetter(fmt.Errorf("kill switch reset requires manual source, got %q", cmd.Source))
		}
		if cur.Active {
			k.states[cmd.PortfolioID] = switchState{}
			observ.IncCounter("kill_switch_resets_total", map[string]string{"portfolio": cmd.PortfolioID})
			observ.Log("kill_switch_reset", map[string]any{
				"portfolio": cmd.PortfolioID, "reason": cmd.Reason,
			})
		}
	default:
		return stream.DeadLetter(fmt.Errorf("unknown kill command action %q", cmd.Action))
	}

	if err := k.persistLocked(); err != nil {
		// The in-memory state is already correct; the redelivery retries
		// the write so disk catches up before the command is acked.
		return stream.Retry(fmt.Errorf("persist kill switch state: %w", err))
	}
	observ.SetGauge("kill_switch_active", boolGauge(k.states[cmd.PortfolioID].Active),
		map[string]string{"portfolio": cmd.PortfolioID})
	return stream.Ack()
}

func (k *KillSwitch) persistLocked() error {
	if k.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(k.states, "", "  ")
	if err != nil {
		return err
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, k.path)
}

// PublishCommand serializes and publishes a kill command to the control topic.
func PublishCommand(ctx context.Context, log stream.Log, cmd domain.KillCommand) error {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = log.Publish(ctx, domain.TopicControl, cmd.PortfolioID, b)
	return err
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

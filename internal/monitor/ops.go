package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/risk"
	"github.com/dkellner/tradeflow/internal/stream"
)

// KillStatus answers operator status queries.
type KillStatus interface {
	Status(portfolioID string) (active bool, source, reason string)
}

// OpsHandler is the operator HTTP surface: kill-switch status, manual
// activation and manual reset. Reset only exists here; nothing automated
// publishes a reset command.
func OpsHandler(log stream.Log, status KillStatus, portfolioID string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/kill/status", func(w http.ResponseWriter, r *http.Request) {
		active, source, reason := status.Status(portfolioID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"portfolio_id": portfolioID,
			"active":       active,
			"source":       source,
			"reason":       reason,
		})
	})

	publish := func(w http.ResponseWriter, r *http.Request, action string) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator request"
		}
		cmd := domain.KillCommand{
			PortfolioID: portfolioID,
			Action:      action,
			Source:      domain.KillSourceManual,
			Reason:      reason,
			IssuedAt:    time.Now().UTC(),
		}
		if err := risk.PublishCommand(r.Context(), log, cmd); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}

	mux.HandleFunc("/kill/activate", func(w http.ResponseWriter, r *http.Request) {
		publish(w, r, domain.KillActionActivate)
	})
	mux.HandleFunc("/kill/reset", func(w http.ResponseWriter, r *http.Request) {
		publish(w, r, domain.KillActionReset)
	})

	return mux
}

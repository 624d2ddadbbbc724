package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Rajchodisetti/papertrader/internal/adapters"
	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/engine"
	"github.com/Rajchodisetti/papertrader/internal/observ"
	"github.com/Rajchodisetti/papertrader/internal/risk"
)

func newMux(eng *engine.Engine, gwHealth *adapters.GatewayHealth, events *audit.Broadcaster) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/events", events)
	mux.HandleFunc("/events/backfill", events.ServeBackfill)
	mux.HandleFunc("/signals/accept", acceptHandler(eng))
	mux.Handle("/healthz", observ.HealthHandler(func(r *http.Request) (string, map[string]any) {
		st, err := eng.Status(r.Context())
		if err != nil {
			return "failed", map[string]any{"error": err.Error()}
		}
		details := map[string]any{
			"active":    st.Active,
			"signal":    st.Signal,
			"scheduler": st.Scheduler,
			"breaker":   st.Breaker,
			"gateway":   gwHealth.Metrics(),
		}
		status := "ok"
		if gwHealth.Status() == adapters.GatewayStatusFailed {
			status = "degraded"
		}

		report, err := eng.Consolidator().ConsistencyReport(r.Context())
		if err != nil {
			details["consistency_error"] = err.Error()
			status = "degraded"
		} else {
			details["consistency"] = report.Issues
			if !report.Consistent {
				status = "degraded"
			}
		}

		if st.State == nil {
			return status, details
		}
		details["paused"] = st.State.IsPaused
		details["health"] = st.Health
		details["portfolio_value"] = st.State.CurrentPortfolioValue
		details["open_positions"] = len(st.State.OpenPositions)
		if st.State.IsPaused || st.Health == risk.HealthCritical {
			status = "degraded"
		}
		return status, details
	}))
	return mux
}

// acceptHandler executes the signal waiting in GENERATED when the session
// runs in manual mode.
func acceptHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}

		out, err := eng.AcceptPending(r.Context())
		code := http.StatusOK
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrNoPendingSignal):
			code = http.StatusConflict
		case !out.Executed && out.FailureKind != "":
			code = http.StatusUnprocessableEntity
		default:
			code = http.StatusInternalServerError
		}
		observ.Log("signal_accept_request", map[string]any{
			"executed":     out.Executed,
			"failure_kind": out.FailureKind,
			"status":       code,
		})

		body := map[string]any{"outcome": out, "state": string(eng.StateMachine().State())}
		if err != nil {
			body["error"] = err.Error()
		}
		writeJSON(w, code, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

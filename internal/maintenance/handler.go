package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"parental-gate/internal/observability"
	"parental-gate/internal/pingate"
)

type Sweeper interface {
	Sweep(ctx context.Context, staleAfter time.Duration) (pingate.SweepReport, error)
}

type SweepHandler struct {
	sweeper    Sweeper
	logger     *observability.Logger
	cronSecret string
	staleAfter time.Duration
}

func NewSweepHandler(
	sweeper Sweeper,
	logger *observability.Logger,
	cronSecret string,
	staleAfter time.Duration,
) *SweepHandler {
	return &SweepHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		staleAfter: staleAfter,
	}
}

func (h *SweepHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !h.secretMatches(strings.TrimSpace(parts[1])) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	report, err := h.sweeper.Sweep(r.Context(), h.staleAfter)
	if err != nil {
		observability.CaptureError(err, map[string]string{"component": "maintenance", "operation": "sweep"})
		h.logger.Error("pin_sweep_failed", map[string]any{"error": err, "cleared_lockouts": report.ClearedLockouts})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sweep failed"})
		return
	}

	h.logger.Info("pin_sweep_completed", map[string]any{
		"cleared_lockouts":  report.ClearedLockouts,
		"stale_credentials": len(report.StaleCredentials),
		"locked_records":    report.Statistics.LockedRecords,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": report,
	})
}

func (h *SweepHandler) secretMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

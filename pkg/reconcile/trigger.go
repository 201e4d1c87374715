package reconcile

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Runner is what the trigger invokes; satisfied by *Reconciler.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// triggerResponse is the body returned to the external scheduler.
type triggerResponse struct {
	Success     bool  `json:"success"`
	UpdatedRows int64 `json:"updatedRows"`
}

// TriggerHandler exposes a reconciliation run over HTTP for an external
// scheduler. In production the request must carry a bearer credential
// matching the operational shared secret; outside production the gate is
// bypassed as an operational convenience, not a security boundary.
type TriggerHandler struct {
	runner      Runner
	secret      string
	requireAuth bool
}

func NewTriggerHandler(runner Runner, secret string, requireAuth bool) *TriggerHandler {
	return &TriggerHandler{runner: runner, secret: secret, requireAuth: requireAuth}
}

func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.requireAuth && !h.authorized(r) {
		slog.Warn("Reconciliation trigger rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	report, err := h.runner.Run(r.Context())
	if err != nil {
		slog.Error("Reconciliation run failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(triggerResponse{Success: false})
		return
	}

	slog.Info("Reconciliation run complete",
		"counters", report.CountersChecked,
		"updated_rows", report.UpdatedRows,
		"duration_ms", report.Duration.Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(triggerResponse{Success: true, UpdatedRows: report.UpdatedRows})
}

func (h *TriggerHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

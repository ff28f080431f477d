package http

import (
	"encoding/json"
	"net/http"

	applog "budget/internal/log"
	"budget/internal/migration"
)

type readyResponse struct {
	Status    string            `json:"status"`
	State     migration.State   `json:"state"`
	Migration *migration.Report `json:"migration,omitempty"`
	Unowned   map[string]int64  `json:"unowned,omitempty"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady answers 503 until the startup migration has finished. A run
// that finished with failures is still ready, reported as degraded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{State: s.status.State()}
	if !s.status.Done() {
		resp.Status = "migrating"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "ready"
	if report, ok := s.status.LastReport(); ok {
		resp.Migration = &report
	}
	if resp.State == migration.StateFailedContinuing {
		resp.Status = "degraded"
	}

	if s.audit != nil {
		counts, err := s.audit.UnownedCounts(r.Context())
		if err != nil {
			applog.FromContext(r.Context()).WarnContext(r.Context(), "Ownership audit failed",
				applog.NewFields().WithOperation(applog.OpRead).WithError(err).ToSlice()...)
		} else {
			resp.Unowned = counts
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request) {
	report, ok := s.status.LastReport()
	if !ok {
		writeJSON(w, r, http.StatusNotFound, map[string]any{
			"state": s.status.State(),
			"error": "no migration has finished yet",
		})
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to write response",
			applog.NewFields().WithError(err).ToSlice()...)
	}
}

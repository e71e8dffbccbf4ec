package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/querygate/internal/health"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok"}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}

// handleGetHealth returns the monitor's latest composite report. A degraded
// report is still a 200; the body carries the failing sub-checks.
func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Report()
	if report.CheckedAt.IsZero() {
		report = s.monitor.Evaluate(r.Context())
	}
	if report.Checks == nil {
		report.Checks = []health.Result{}
	}
	s.writeJSON(w, http.StatusOK, report)
}

package httpapi

import (
	"net/http"

	"github.com/ent0n29/rehearsal/internal/observability"
)

// handlePerfLatency reports the rolling stage latencies and per-role fallback rates.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	var window *observability.TurnWindow
	if s.metrics != nil {
		window = s.metrics.Window
	}
	respondJSON(w, http.StatusOK, window.Snapshot())
}

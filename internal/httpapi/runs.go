package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/runs"
)

type runDetail struct {
	runs.Run
	Memory *runs.MemorySnapshot `json:"memory,omitempty"`
}

func (s *Server) storeOr501(w http.ResponseWriter) bool {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "store_disabled", "Run store is not configured.")
		return false
	}
	return true
}

func (s *Server) runStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, runs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	s.logger.Error("run store read failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, "store_error", err.Error())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.storeOr501(w) {
		return
	}
	limit, err := limitParam(r, 50, 500)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.runStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.storeOr501(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.runStoreError(w, err)
		return
	}
	detail := runDetail{Run: run}
	if snap, err := s.store.LatestMemory(r.Context(), id); err == nil {
		detail.Memory = &snap
	} else if !errors.Is(err, runs.ErrNotFound) {
		s.runStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if !s.storeOr501(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.runStoreError(w, err)
		return
	}
	turns, err := s.store.ListTurns(r.Context(), id)
	if err != nil {
		s.runStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run_id": id, "turns": turns})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if !s.storeOr501(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit, err := limitParam(r, 100, 500)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.runStoreError(w, err)
		return
	}
	list, err := s.store.ListEvents(r.Context(), id, limit)
	if err != nil {
		s.runStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run_id": id, "events": list})
}

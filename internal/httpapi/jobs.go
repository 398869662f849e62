package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/rehearsal/internal/catalog"
	"github.com/ent0n29/rehearsal/internal/jobs"
	"github.com/ent0n29/rehearsal/internal/simulation"
)

type startRunRequest struct {
	Scenario       catalog.Scenario     `json:"scenario"`
	Profiles       []catalog.ProfileDoc `json:"profiles"`
	Options        simulation.Options   `json:"options"`
	SystemSpec     string               `json:"system_spec"`
	Safety         catalog.SafetyDoc    `json:"safety"`
	SimulationOnly bool                 `json:"simulation_only"`
	Generation     struct {
		TimeoutMS    int `json:"timeout_ms"`
		HistoryTurns int `json:"history_turns"`
	} `json:"generation"`
}

type cancelJobRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		respondError(w, http.StatusNotImplemented, "job_runtime_disabled", "Job runtime is disabled.")
		return
	}
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Scenario.ID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "scenario.id is required")
		return
	}
	if req.Options.ConversationsPerScenario < 0 || req.Options.MaxTurns < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "options must not be negative")
		return
	}

	job, err := s.jobs.Start(simulation.RunRequest{
		Scenario:       req.Scenario,
		Options:        req.Options,
		SystemSpec:     req.SystemSpec,
		Safety:         req.Safety,
		SimulationOnly: req.SimulationOnly,
		Profiles:       req.Profiles,
		Generation: simulation.GenerationConfig{
			Timeout:      time.Duration(req.Generation.TimeoutMS) * time.Millisecond,
			HistoryTurns: req.Generation.HistoryTurns,
		},
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "job_start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		respondError(w, http.StatusNotImplemented, "job_runtime_disabled", "Job runtime is disabled.")
		return
	}
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "job_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "job_get_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		respondError(w, http.StatusNotImplemented, "job_runtime_disabled", "Job runtime is disabled.")
		return
	}
	reason := "Cancelled by API."
	var req cancelJobRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) != "" {
		reason = strings.TrimSpace(req.Reason)
	}

	job, err := s.jobs.Cancel(chi.URLParam(r, "id"), reason)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "job_not_found", err.Error())
	case errors.Is(err, jobs.ErrJobFinished):
		respondError(w, http.StatusConflict, "job_finished", err.Error())
	case err != nil:
		respondError(w, http.StatusBadRequest, "job_cancel_failed", err.Error())
	default:
		respondJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		respondError(w, http.StatusNotImplemented, "job_runtime_disabled", "Job runtime is disabled.")
		return
	}
	limit, err := limitParam(r, 20, 200)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List(limit)})
}

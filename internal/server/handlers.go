package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/orchestrator"
	"github.com/ashita-ai/renraku/internal/provider"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

type createRunRequest struct {
	TenantID uuid.UUID           `json:"tenant_id"`
	Brief    string              `json:"brief"`
	Policy   *model.TenantPolicy `json:"policy,omitempty"`
}

type createRunResponse struct {
	RunID uuid.UUID      `json:"run_id"`
	State model.RunState `json:"state"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)

	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.TenantID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "tenant_id is required")
		return
	}
	if req.Brief == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "brief is required")
		return
	}

	policy := s.mergePolicy(req.Policy)
	runID, err := s.cfg.Orchestrator.Admit(r.Context(), req.TenantID, req.Brief, policy)
	if err != nil {
		if errors.Is(err, orchestrator.ErrQuotaExceeded) {
			writeError(w, r, http.StatusTooManyRequests, "quota_exceeded", err.Error())
			return
		}
		s.logger.Error("server: admit run", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to admit run")
		return
	}

	writeJSON(w, r, http.StatusAccepted, createRunResponse{RunID: runID, State: model.RunStateAdmitted})
}

// mergePolicy fills fields the request omitted from the server defaults.
func (s *Server) mergePolicy(req *model.TenantPolicy) model.TenantPolicy {
	def := s.cfg.DefaultPolicy
	if req == nil {
		return def
	}
	p := *req
	if p.MaxConcurrentRuns <= 0 {
		p.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if p.QuotaPerCategory == nil {
		p.QuotaPerCategory = def.QuotaPerCategory
	}
	if p.RetryCapPerStage == nil {
		p.RetryCapPerStage = def.RetryCapPerStage
	}
	if p.GateRules == nil {
		p.GateRules = def.GateRules
	}
	return p
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	status, err := s.cfg.Orchestrator.GetStatus(runID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "run not found")
			return
		}
		s.logger.Error("server: get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load run")
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Orchestrator.Abort(r.Context(), runID); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "run not found")
			return
		}
		s.logger.Error("server: abort run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to abort run")
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"run_id": runID, "aborting": true})
}

func (s *Server) handleGetDossier(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	d, err := s.cfg.Dossiers.GetDossier(r.Context(), runID)
	if err != nil {
		if errors.Is(err, provider.ErrDossierNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "dossier not found")
			return
		}
		s.logger.Error("server: get dossier", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load dossier")
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// handleStreamEvents streams the run's event journal over SSE: the full
// journal so far, then live events as they are published. Duplicates
// across the replay/live seam are suppressed by sequence number.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	if _, err := s.cfg.Orchestrator.GetStatus(runID); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "run not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load run")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	// Subscribe before replaying the journal so no event falls in the gap.
	live, cancel := s.cfg.Bus.StreamTap(s.cfg.EventStreamBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSeq int64
	for _, e := range s.cfg.Bus.Journal(runID) {
		if err := writeSSE(w, e); err != nil {
			return
		}
		lastSeq = e.Seq
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-live:
			if !open {
				return
			}
			if e.RunID != runID || e.Seq <= lastSeq {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				return
			}
			lastSeq = e.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
	return err
}

// pathRunID parses the {run_id} path value, writing a 400 on failure.
func pathRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid run id")
		return uuid.Nil, false
	}
	return runID, true
}

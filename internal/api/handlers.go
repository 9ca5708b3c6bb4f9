package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mattjoyce/laborch/internal/orchestrator"
	"github.com/mattjoyce/laborch/internal/protocol"
	"github.com/mattjoyce/laborch/internal/recipe"
	"github.com/mattjoyce/laborch/internal/state"
)

// maxBodyBytes caps request bodies; snapshots are the largest.
const maxBodyBytes = 16 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	gs := s.orch.GlobalStatus()
	s.respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		OrchName:      gs.OrchName,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		LoopState:     gs.LoopState,
		QueueDepth:    gs.SequenceQueue + gs.ExperimentQueue + gs.ActionQueue,
	})
}

func (s *Server) loopResponse() LoopResponse {
	gs := s.orch.GlobalStatus()
	return LoopResponse{
		LoopState:   gs.LoopState,
		Intent:      gs.Intent,
		StopMessage: gs.StopMessage,
		StepThrough: gs.StepThrough,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Start(); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.loopResponse())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	msg := req.Message
	if msg == "" {
		msg = "stopped by operator"
	}
	s.orch.Stop(r.Context(), msg)
	s.respondJSON(w, http.StatusOK, s.loopResponse())
}

func (s *Server) handleEstop(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = req.Message
	}
	if reason == "" {
		reason = "estop by operator"
	}
	s.orch.Estop(r.Context(), reason)
	s.respondJSON(w, http.StatusOK, s.loopResponse())
}

func (s *Server) handleClearEstop(w http.ResponseWriter, r *http.Request) {
	n := s.orch.ClearEstop(r.Context())
	s.respondJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, CountResponse{Count: s.orch.ClearError()})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	s.orch.Skip(r.Context())
	s.respondJSON(w, http.StatusOK, s.loopResponse())
}

func (s *Server) handleCancelWait(w http.ResponseWriter, r *http.Request) {
	var req CancelWaitRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if err := s.orch.CancelWait(req.ActionUUID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	cancelled := req.ActionUUID
	if cancelled == "" {
		cancelled = "all"
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"cancelled": cancelled})
}

func (s *Server) handleStepThrough(w http.ResponseWriter, r *http.Request) {
	var req StepThroughRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	st := s.orch.StepThrough()
	if req.Actions != nil {
		st.Actions = *req.Actions
	}
	if req.Experiments != nil {
		st.Experiments = *req.Experiments
	}
	if req.Sequences != nil {
		st.Sequences = *req.Sequences
	}
	s.orch.SetStepThrough(st)
	s.respondJSON(w, http.StatusOK, s.loopResponse())
}

func (s *Server) handleAppendSequence(w http.ResponseWriter, r *http.Request) {
	var req SequenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	seq, err := s.orch.AppendSequence(req.Sequence)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, seq)
}

func (s *Server) handleAppendExperiment(w http.ResponseWriter, r *http.Request) {
	var req ExperimentRequest
	if !s.decode(w, r, &req) {
		return
	}
	exp, err := s.orch.AppendExperiment(req.Experiment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleInsertExperiment(w http.ResponseWriter, r *http.Request) {
	var req ExperimentRequest
	if !s.decode(w, r, &req) {
		return
	}
	exp, err := s.orch.InsertExperiment(req.Index, req.Experiment)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleInsertAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.orch.InsertAction(req.Index, req.Action)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleRemoveActions(w http.ResponseWriter, r *http.Request) {
	var req RemoveActionsRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids := s.orch.RemoveActions(req.Indexes)
	s.respondJSON(w, http.StatusOK, CountResponse{Count: len(ids), IDs: ids})
}

func (s *Server) handleRemoveAction(w http.ResponseWriter, r *http.Request) {
	var req RemoveActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ActionUUID == "" {
		s.writeError(w, http.StatusBadRequest, "action_uuid is required")
		return
	}
	a, err := s.orch.RemoveAction(req.ActionUUID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, CountResponse{Count: 1, IDs: []string{a.ActionUUID}})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	var req ClearQueueRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	n, err := s.orch.ClearQueue(req.Queue)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.ListSequences())
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.ListExperiments())
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.ListActions())
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.Recipes())
}

// handleUpdateStatus is the status ingress remote servers push to.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	push, err := protocol.DecodeStatusPush(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	transitions := s.orch.UpdateStatus(r.Context(), push)
	s.respondJSON(w, http.StatusOK, UpdateStatusResponse{OK: true, Transitions: len(transitions)})
}

func (s *Server) handleGlobalStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.GlobalStatus())
}

func (s *Server) handleExportQueues(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.ExportQueues(r.Context(), "api")
	if err != nil {
		s.logger.Error("export queues failed", "error", err)
		if snap == nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// handleImportQueues replaces the queues with the posted snapshot, or with the
// stored one when the body is empty.
func (s *Server) handleImportQueues(w http.ResponseWriter, r *http.Request) {
	var snap *state.Snapshot
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		snap = &state.Snapshot{}
		if err := json.Unmarshal(body, snap); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid snapshot JSON")
			return
		}
	}
	if err := s.orch.ImportQueues(r.Context(), snap); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.orch.GlobalStatus())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeEngineError maps engine sentinel errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrEstopped),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrLoopRunning):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotFound),
		errors.Is(err, state.ErrNoSnapshot):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalid),
		errors.Is(err, recipe.ErrUnknownRecipe):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

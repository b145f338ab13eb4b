package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/orchestrator"
	"github.com/implementos/agentd/internal/runtime"
)

// maxRunBodySize bounds the POST /agents/{id}/run request body.
const maxRunBodySize = 64 * 1024

type agentHandler struct {
	orch   *orchestrator.Orchestrator
	rt     *runtime.Runtime
	logger log.Logger
}

// list serves GET /agents.
func (h *agentHandler) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.orch.List()})
}

type runRequestBody struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Profile   string `json:"profile"`
}

// run serves POST /agents/{id}/run as a newline-delimited JSON stream.
func (h *agentHandler) run(w http.ResponseWriter, r *http.Request) {
	var body runRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBodySize))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if body.SessionID == "" || body.UserID == "" || body.Message == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "session_id, user_id and message are required")
		return
	}

	agentID := r.PathValue("id")
	agent, err := h.orch.Resolve(agentID, body.Profile)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, "unknown_agent", "unknown agent "+agentID)
		return
	case errors.Is(err, orchestrator.ErrForbidden):
		writeError(w, http.StatusForbidden, "profile_not_allowed", "profile may not invoke this agent")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "resolve_failed", "agent resolution failed")
		return
	}

	sub, err := h.rt.Run(r.Context(), runtime.RunRequest{
		Agent:     agent,
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Profile:   body.Profile,
		Message:   body.Message,
	})
	switch {
	case errors.Is(err, runtime.ErrBusy):
		writeError(w, http.StatusConflict, "session_busy", "session has a run in progress")
		return
	case errors.Is(err, runtime.ErrForbidden):
		writeError(w, http.StatusForbidden, "profile_not_allowed", "profile is not allowed for this agent")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	for ev := range sub.Events() {
		if err := enc.Encode(ev); err != nil {
			// Client went away; the run keeps going and persists on
			// its own goroutine.
			h.logger.Debug("stream write failed", "run_id", ev.RunID, "error", err)
			sub.Cancel()
			return
		}
		if err := rc.Flush(); err != nil {
			sub.Cancel()
			return
		}
	}
	if n := sub.Dropped(); n > 0 {
		h.logger.Warn("stream dropped token deltas", "agent_id", agentID, "dropped", n)
	}
}

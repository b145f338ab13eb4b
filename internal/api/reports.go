package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/report"
)

type reportHandler struct {
	reporter *report.Reporter
	logger   log.Logger
}

// query parses the shared report query parameters: agent_id, user_id,
// from/to (ISO-8601 with Z suffix, inclusive-exclusive) and limit.
func (h *reportHandler) query(w http.ResponseWriter, r *http.Request) (report.Query, bool) {
	q := r.URL.Query()
	from, to, err := report.ParseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
		return report.Query{}, false
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return report.Query{}, false
		}
	}

	return report.Query{
		AgentID: q.Get("agent_id"),
		UserID:  q.Get("user_id"),
		From:    from,
		To:      to,
		Limit:   limit,
	}, true
}

func (h *reportHandler) serve(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, report.Query) (any, error)) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}
	rep, err := fn(r.Context(), q)
	if err != nil {
		h.logger.Error("report query failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "report_failed", "report query failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *reportHandler) sessions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, q report.Query) (any, error) {
		return h.reporter.Sessions(ctx, q)
	})
}

func (h *reportHandler) runs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, q report.Query) (any, error) {
		return h.reporter.Runs(ctx, q)
	})
}

func (h *reportHandler) usage(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, q report.Query) (any, error) {
		return h.reporter.Usage(ctx, q)
	})
}

// Package report aggregates session-store documents into the metrics
// served under /report. All timestamps are unix seconds internally and
// rendered as UTC ISO-8601 with a Z suffix on the way out; date ranges
// are inclusive-exclusive.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/implementos/agentd/internal/session"
)

// DefaultLimit bounds how many sessions one report query scans.
const DefaultLimit = 1000

// Query selects the sessions a report aggregates over. From/To bound
// UpdatedAt as [From, To) in unix seconds; zero disables the bound.
type Query struct {
	AgentID string
	UserID  string
	From    int64
	To      int64
	Limit   int
}

func (q Query) filter() session.Filter {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return session.Filter{
		AgentID:     q.AgentID,
		UserID:      q.UserID,
		UpdatedFrom: q.From,
		UpdatedTo:   q.To,
		Limit:       limit,
	}
}

// ParseRange converts optional ISO-8601 bounds into a [from, to) pair
// of unix seconds. Empty strings disable the corresponding bound.
func ParseRange(from, to string) (int64, int64, error) {
	var f, t int64
	if from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid from %q: %w", from, err)
		}
		f = ts.Unix()
	}
	if to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid to %q: %w", to, err)
		}
		t = ts.Unix()
	}
	if f != 0 && t != 0 && t < f {
		return 0, 0, fmt.Errorf("empty range: to %q precedes from %q", to, from)
	}
	return f, t, nil
}

func isoZ(unix int64) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

// SessionRow is one session in a sessions report.
type SessionRow struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Runs      int    `json:"runs"`
	ToolCalls int    `json:"tool_calls"`
}

// SessionsReport lists sessions active in the query range.
type SessionsReport struct {
	Total    int          `json:"total"`
	Users    int          `json:"users"`
	Sessions []SessionRow `json:"sessions"`
}

// RunRow is one run in a runs report.
type RunRow struct {
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Reason     string `json:"reason"`
	ToolCalls  int    `json:"tool_calls"`
	Messages   int    `json:"messages"`
}

// RunsReport lists runs grouped with termination-reason totals.
type RunsReport struct {
	Total     int            `json:"total"`
	ByReason  map[string]int `json:"by_reason"`
	ToolCalls int            `json:"tool_calls"`
	Runs      []RunRow       `json:"runs"`
}

// AgentUsage aggregates token consumption for one agent.
type AgentUsage struct {
	AgentID      string `json:"agent_id"`
	ModelID      string `json:"model_id,omitempty"`
	Runs         int    `json:"runs"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// UsageReport sums token consumption over the query range.
type UsageReport struct {
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	Agents       []AgentUsage `json:"agents"`
}

// Reporter computes reports from the session store.
type Reporter struct {
	store session.Store
}

// New creates a Reporter over the given store.
func New(store session.Store) *Reporter {
	return &Reporter{store: store}
}

// Sessions reports the sessions updated within the query range.
func (r *Reporter) Sessions(ctx context.Context, q Query) (*SessionsReport, error) {
	sessions, err := r.store.List(ctx, q.filter())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	rep := &SessionsReport{Sessions: make([]SessionRow, 0, len(sessions))}
	users := make(map[string]struct{})
	for _, s := range sessions {
		tools := 0
		for _, run := range s.Runs {
			tools += run.ToolCalls
		}
		rep.Sessions = append(rep.Sessions, SessionRow{
			AgentID:   s.AgentID,
			SessionID: s.SessionID,
			UserID:    s.UserID,
			CreatedAt: isoZ(s.CreatedAt),
			UpdatedAt: isoZ(s.UpdatedAt),
			Runs:      len(s.Runs),
			ToolCalls: tools,
		})
		users[s.UserID] = struct{}{}
	}
	rep.Total = len(rep.Sessions)
	rep.Users = len(users)
	return rep, nil
}

// Runs reports individual runs within the query range. The range
// filters sessions by UpdatedAt and then runs by StartedAt, so a
// long-lived session only contributes the runs inside the window.
func (r *Reporter) Runs(ctx context.Context, q Query) (*RunsReport, error) {
	sessions, err := r.store.List(ctx, q.filter())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	rep := &RunsReport{ByReason: make(map[string]int)}
	for _, s := range sessions {
		for _, run := range s.Runs {
			if !inRange(run.StartedAt, q.From, q.To) {
				continue
			}
			rep.Runs = append(rep.Runs, RunRow{
				AgentID:    s.AgentID,
				SessionID:  s.SessionID,
				RunID:      run.ID,
				StartedAt:  isoZ(run.StartedAt),
				FinishedAt: isoZ(run.FinishedAt),
				Reason:     string(run.Reason),
				ToolCalls:  run.ToolCalls,
				Messages:   len(run.Messages),
			})
			rep.ByReason[string(run.Reason)]++
			rep.ToolCalls += run.ToolCalls
		}
	}
	rep.Total = len(rep.Runs)
	return rep, nil
}

// Usage sums token consumption per agent within the query range.
func (r *Reporter) Usage(ctx context.Context, q Query) (*UsageReport, error) {
	sessions, err := r.store.List(ctx, q.filter())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	byAgent := make(map[string]*AgentUsage)
	var order []string
	rep := &UsageReport{}
	for _, s := range sessions {
		au, ok := byAgent[s.AgentID]
		if !ok {
			au = &AgentUsage{AgentID: s.AgentID}
			byAgent[s.AgentID] = au
			order = append(order, s.AgentID)
		}
		if au.ModelID == "" && s.AgentData != nil {
			au.ModelID = s.AgentData.ModelID
		}
		for _, run := range s.Runs {
			if !inRange(run.StartedAt, q.From, q.To) {
				continue
			}
			au.Runs++
			au.InputTokens += run.Usage.InputTokens
			au.OutputTokens += run.Usage.OutputTokens
			rep.InputTokens += run.Usage.InputTokens
			rep.OutputTokens += run.Usage.OutputTokens
		}
	}
	rep.Agents = make([]AgentUsage, 0, len(order))
	for _, id := range order {
		rep.Agents = append(rep.Agents, *byAgent[id])
	}
	return rep, nil
}

// inRange reports whether ts falls in [from, to); zero bounds are
// open.
func inRange(ts, from, to int64) bool {
	if from != 0 && ts < from {
		return false
	}
	if to != 0 && ts >= to {
		return false
	}
	return true
}

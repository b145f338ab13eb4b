package report

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/implementos/agentd/internal/session"
)

func seedStore(t *testing.T) *session.InMemory {
	t.Helper()
	store := session.NewInMemory()
	ctx := context.Background()

	s1 := session.New("ventas", "s1", "u1", 1000)
	s1.AgentData = &session.AgentData{Name: "Ventas", ModelID: "gemini-2.5-flash"}
	s1.Runs = []*session.Run{
		{ID: "r1", StartedAt: 1000, FinishedAt: 1002, Reason: session.ReasonAnswer,
			ToolCalls: 2, Usage: session.Usage{InputTokens: 100, OutputTokens: 40},
			Messages: []session.Message{{Role: session.RoleUser, Content: "hola"}}},
		{ID: "r2", StartedAt: 2000, FinishedAt: 2001, Reason: session.ReasonMaxSteps,
			ToolCalls: 3, Usage: session.Usage{InputTokens: 200, OutputTokens: 50}},
	}
	s1.Touch(2001)
	require.NoError(t, store.Save(ctx, s1))

	s2 := session.New("ventas", "s2", "u2", 5000)
	s2.Runs = []*session.Run{
		{ID: "r3", StartedAt: 5000, FinishedAt: 5001, Reason: session.ReasonAnswer,
			Usage: session.Usage{InputTokens: 10, OutputTokens: 5}},
	}
	s2.Touch(5001)
	require.NoError(t, store.Save(ctx, s2))

	s3 := session.New("flota", "s3", "u1", 9000)
	s3.Runs = []*session.Run{
		{ID: "r4", StartedAt: 9000, FinishedAt: 9002, Reason: session.ReasonError,
			Usage: session.Usage{InputTokens: 30, OutputTokens: 0}},
	}
	s3.Touch(9002)
	require.NoError(t, store.Save(ctx, s3))

	return store
}

func TestSessionsReport(t *testing.T) {
	r := New(seedStore(t))

	rep, err := r.Sessions(context.Background(), Query{})
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.Users)

	byID := make(map[string]SessionRow)
	for _, row := range rep.Sessions {
		byID[row.SessionID] = row
	}
	assert.Equal(t, 2, byID["s1"].Runs)
	assert.Equal(t, 5, byID["s1"].ToolCalls)
	assert.Equal(t, "1970-01-01T00:16:40Z", byID["s1"].CreatedAt)
}

func TestSessionsReportAgentFilter(t *testing.T) {
	r := New(seedStore(t))

	rep, err := r.Sessions(context.Background(), Query{AgentID: "flota"})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Total)
	assert.Equal(t, "s3", rep.Sessions[0].SessionID)
}

func TestRunsReportRangeIsInclusiveExclusive(t *testing.T) {
	r := New(seedStore(t))

	// [2000, 5000): includes r2 exactly at the lower bound, excludes
	// r3 at the upper bound.
	rep, err := r.Runs(context.Background(), Query{From: 2000, To: 5000})
	require.NoError(t, err)

	require.Equal(t, 1, rep.Total)
	assert.Equal(t, "r2", rep.Runs[0].RunID)
	assert.Equal(t, map[string]int{"max_steps": 1}, rep.ByReason)
	assert.Equal(t, 3, rep.ToolCalls)
}

func TestRunsReportReasonBuckets(t *testing.T) {
	r := New(seedStore(t))

	rep, err := r.Runs(context.Background(), Query{})
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, map[string]int{"answer": 2, "max_steps": 1, "error": 1}, rep.ByReason)
}

func TestUsageReport(t *testing.T) {
	r := New(seedStore(t))

	rep, err := r.Usage(context.Background(), Query{})
	require.NoError(t, err)

	assert.Equal(t, 340, rep.InputTokens)
	assert.Equal(t, 95, rep.OutputTokens)

	byAgent := make(map[string]AgentUsage)
	for _, au := range rep.Agents {
		byAgent[au.AgentID] = au
	}
	assert.Equal(t, 3, byAgent["ventas"].Runs)
	assert.Equal(t, "gemini-2.5-flash", byAgent["ventas"].ModelID)
	assert.Equal(t, 30, byAgent["flota"].InputTokens)
}

func TestParseRange(t *testing.T) {
	from, to, err := ParseRange("2025-03-01T00:00:00Z", "2025-04-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1740787200), from)
	assert.Equal(t, int64(1743465600), to)

	_, _, err = ParseRange("yesterday", "")
	assert.Error(t, err)

	_, _, err = ParseRange("2025-04-01T00:00:00Z", "2025-03-01T00:00:00Z")
	assert.Error(t, err)

	from, to, err = ParseRange("", "")
	require.NoError(t, err)
	assert.Zero(t, from)
	assert.Zero(t, to)
}

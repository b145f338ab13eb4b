// Package testutil provides shared test doubles.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/session"
)

// MockAdapter provides deterministic model turns for testing. It
// matches the last user message against registered patterns and
// replays the corresponding events.
//
// Thread-safe for concurrent use.
type MockAdapter struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	calls    []model.Request
}

type mockRule struct {
	pattern string // substring match, case-insensitive
	text    string
	calls   []model.ToolCall
	err     error
	deltas  []string
	usage   *session.Usage
	once    bool
	used    bool
}

// NewMockAdapter creates a mock with a fallback text answer used when
// no pattern matches.
func NewMockAdapter(fallback string) *MockAdapter {
	return &MockAdapter{fallback: fallback}
}

// AddResponse registers a text answer for messages containing
// pattern. Rules match in registration order, first match wins.
func (m *MockAdapter) AddResponse(pattern, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), text: text})
}

// AddStreamedResponse registers an answer delivered as token deltas
// before the final text.
func (m *MockAdapter) AddStreamedResponse(pattern string, deltas ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{
		pattern: strings.ToLower(pattern),
		deltas:  deltas,
		text:    strings.Join(deltas, ""),
	})
}

// AddToolCalls registers a turn that requests tool invocations.
func (m *MockAdapter) AddToolCalls(pattern string, calls ...model.ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), calls: calls})
}

// AddToolCallsOnce is AddToolCalls for a rule consumed by its first
// match, so the follow-up turn can fall through to a later rule.
func (m *MockAdapter) AddToolCallsOnce(pattern string, calls ...model.ToolCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), calls: calls, once: true})
}

// AddError registers a provider failure.
func (m *MockAdapter) AddError(pattern string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), err: err})
}

// AddUsage registers a text answer preceded by a usage event.
func (m *MockAdapter) AddUsage(pattern string, usage session.Usage, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), text: text, usage: &usage})
}

// Calls returns a copy of every request seen.
func (m *MockAdapter) Calls() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.Request, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Complete implements model.Adapter.
func (m *MockAdapter) Complete(_ context.Context, req model.Request) (*model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	probe := strings.ToLower(lastUserMessage(req.Messages))
	for i := range m.rules {
		r := &m.rules[i]
		if r.used || !strings.Contains(probe, r.pattern) {
			continue
		}
		if r.once {
			r.used = true
		}
		return model.NewStaticStream(r.events()...), nil
	}
	return model.NewStaticStream(model.Event{Kind: model.EventFinal, Text: m.fallback}), nil
}

func (r *mockRule) events() []model.Event {
	if r.err != nil {
		return []model.Event{{Kind: model.EventError, Err: r.err}}
	}
	var events []model.Event
	for _, d := range r.deltas {
		events = append(events, model.Event{Kind: model.EventTokenDelta, Delta: d})
	}
	if r.usage != nil {
		events = append(events, model.Event{Kind: model.EventUsage, Usage: r.usage})
	}
	if len(r.calls) > 0 {
		events = append(events, model.Event{Kind: model.EventToolCalls, ToolCalls: r.calls})
		return events
	}
	return append(events, model.Event{Kind: model.EventFinal, Text: r.text})
}

func lastUserMessage(msgs []session.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

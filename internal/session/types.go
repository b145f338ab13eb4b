package session

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Reason records why a run terminated.
type Reason string

const (
	ReasonAnswer    Reason = "answer"
	ReasonMaxSteps  Reason = "max_steps"
	ReasonError     Reason = "error"
	ReasonCancelled Reason = "cancelled"
)

// Message is one entry in a run's conversation history.
//
// An assistant message with ToolCallID set is a tool-call request; the
// matching tool reply carries the same ToolCallID. Regular text turns
// leave the tool fields empty.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// IsToolCall reports whether m is an assistant tool-call request.
func (m Message) IsToolCall() bool {
	return m.Role == RoleAssistant && m.ToolCallID != ""
}

// Usage tracks token consumption for a run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another model call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Run is one user→assistant turn, potentially containing multiple tool
// calls. Timestamps are unix seconds.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  int64     `json:"started_at"`
	FinishedAt int64     `json:"finished_at"`
	Input      string    `json:"input"`
	Messages   []Message `json:"messages"`
	ToolCalls  int       `json:"tool_calls"`
	Usage      Usage     `json:"usage"`
	Reason     Reason    `json:"reason"`
}

// Answer returns the terminal assistant message text, or "" if the run
// has none (e.g. it was cancelled before the model answered).
func (r *Run) Answer() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role == RoleAssistant && m.ToolCallID == "" {
			return m.Content
		}
	}
	return ""
}

// Validate checks the tool-call protocol over the run's messages:
// every assistant tool-call request must be immediately followed by the
// tool reply with the same id, and a run that terminated with
// ReasonAnswer must end with a plain assistant message.
func (r *Run) Validate() error {
	for i, m := range r.Messages {
		if !m.IsToolCall() {
			continue
		}
		if i+1 >= len(r.Messages) {
			return fmt.Errorf("run %s: tool call %s has no reply", r.ID, m.ToolCallID)
		}
		next := r.Messages[i+1]
		if next.Role != RoleTool || next.ToolCallID != m.ToolCallID {
			return fmt.Errorf("run %s: tool call %s not followed by its reply", r.ID, m.ToolCallID)
		}
	}

	if r.Reason == ReasonAnswer {
		if len(r.Messages) == 0 {
			return fmt.Errorf("run %s: answered run has no messages", r.ID)
		}
		last := r.Messages[len(r.Messages)-1]
		if last.Role != RoleAssistant || last.ToolCallID != "" {
			return fmt.Errorf("run %s: answered run must end with an assistant answer", r.ID)
		}
	}
	return nil
}

// AgentData is a snapshot of the agent that served a session.
type AgentData struct {
	Name    string `json:"name"`
	ModelID string `json:"model_id"`
}

// Session is the persistent state for an (agent, user) pair across
// runs. SessionID is unique within an agent. Timestamps are unix
// seconds and never decrease.
type Session struct {
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
	Runs      []*Run         `json:"runs"`
	State     map[string]any `json:"session_state,omitempty"`
	Summary   string         `json:"session_summary,omitempty"`
	AgentData *AgentData     `json:"agent_data,omitempty"`
	Profiles  []string       `json:"profiles,omitempty"`
}

// New creates an empty session for the given identity with both
// timestamps set to now.
func New(agentID, sessionID, userID string, now int64) *Session {
	return &Session{
		AgentID:   agentID,
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		State:     make(map[string]any),
	}
}

// Touch advances UpdatedAt, keeping it monotonically non-decreasing.
func (s *Session) Touch(now int64) {
	if now > s.UpdatedAt {
		s.UpdatedAt = now
	}
}

// TrimRuns drops the oldest runs in FIFO order until at most retention
// remain. Retention <= 0 means unlimited.
func (s *Session) TrimRuns(retention int) {
	if retention <= 0 || len(s.Runs) <= retention {
		return
	}
	s.Runs = append([]*Run(nil), s.Runs[len(s.Runs)-retention:]...)
}

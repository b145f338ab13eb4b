package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/session"
)

// DefaultRecallTopK is how many user memories composition retrieves
// when the agent policy does not say otherwise.
const DefaultRecallTopK = 5

// ComposeInput carries everything Compose needs for one turn.
type ComposeInput struct {
	Instructions string
	Session      *session.Session
	UserMessage  string
	Policy       Policy
	RecallTopK   int
}

// Composed is the model-ready context for one turn.
type Composed struct {
	System   string
	Messages []session.Message
}

// Manager builds model context before a run and maintains session
// summary and user memories after it.
type Manager struct {
	adapter      model.Adapter
	summaryModel string
	store        Store
	knowledge    Searcher
	logger       log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore enables user-memory recall and extraction.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithKnowledge enables knowledge-base augmentation at composition
// time.
func WithKnowledge(k Searcher) Option {
	return func(m *Manager) { m.knowledge = k }
}

// NewManager creates a Manager. summaryModel is the model used for
// summary refresh and fact extraction; it can be a cheaper model than
// the agents'.
func NewManager(adapter model.Adapter, summaryModel string, logger log.Logger, opts ...Option) *Manager {
	m := &Manager{adapter: adapter, summaryModel: summaryModel, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Compose assembles the context for a model turn: agent instructions,
// then the rolling summary, recalled user memories and knowledge
// snippets as system notes, then the retained run transcript, and
// finally the current user message. The summary and recall notes come
// before the transcript because they cover conversation older than
// the retained runs. Tool messages stay adjacent to the assistant
// tool call that produced them because runs are flattened whole.
func (m *Manager) Compose(ctx context.Context, in ComposeInput) (*Composed, error) {
	if in.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	topK := in.RecallTopK
	if topK <= 0 {
		topK = DefaultRecallTopK
	}

	out := &Composed{System: in.Instructions}

	if in.Policy.Summarize && in.Session.Summary != "" {
		out.Messages = append(out.Messages, session.Message{
			Role:    session.RoleSystem,
			Content: "Summary of the earlier conversation:\n" + in.Session.Summary,
		})
	}

	if in.Policy.UserMemories && m.store != nil {
		records, err := m.store.Search(ctx, in.Session.UserID, in.UserMessage, topK)
		if err != nil {
			// Recall is an enhancement; the turn proceeds without it.
			m.logger.Warn("user memory recall failed",
				"user_id", in.Session.UserID, "error", err)
		} else if len(records) > 0 {
			var b strings.Builder
			b.WriteString("Known facts about this user:\n")
			for _, r := range records {
				fmt.Fprintf(&b, "- [%s] %s\n", r.Topic, r.Text)
			}
			out.Messages = append(out.Messages, session.Message{
				Role:    session.RoleSystem,
				Content: strings.TrimRight(b.String(), "\n"),
			})
		}
	}

	if in.Policy.SearchKnowledge && m.knowledge != nil {
		snippets, err := m.knowledge.Snippets(ctx, in.UserMessage, topK)
		if err != nil {
			m.logger.Warn("knowledge augmentation failed", "error", err)
		} else if len(snippets) > 0 {
			out.Messages = append(out.Messages, session.Message{
				Role:    session.RoleSystem,
				Content: "Reference material that may help answer:\n" + strings.Join(snippets, "\n---\n"),
			})
		}
	}

	for _, run := range in.Session.Runs {
		out.Messages = append(out.Messages, run.Messages...)
	}

	out.Messages = append(out.Messages, session.Message{
		Role:    session.RoleUser,
		Content: in.UserMessage,
	})
	return out, nil
}

// AfterRun maintains memory state once a run finished: refreshes the
// rolling summary and extracts user facts, per policy. Failures are
// logged and swallowed; the run outcome is already delivered.
func (m *Manager) AfterRun(ctx context.Context, sess *session.Session, run *session.Run, policy Policy) {
	if policy.Summarize {
		if summary, err := m.refreshSummary(ctx, sess.Summary, run); err != nil {
			m.logger.Warn("summary refresh failed",
				"agent_id", sess.AgentID, "session_id", sess.SessionID, "error", err)
		} else if summary != "" {
			sess.Summary = summary
		}
	}

	if policy.UserMemories && m.store != nil {
		facts, err := m.extract(ctx, run)
		if err != nil {
			m.logger.Warn("memory extraction failed",
				"user_id", sess.UserID, "error", err)
			return
		}
		for _, f := range facts {
			rec := Record{UserID: sess.UserID, Topic: f.Topic, Text: f.Text}
			if err := m.store.Add(ctx, rec); err != nil {
				m.logger.Warn("memory store add failed",
					"user_id", sess.UserID, "topic", f.Topic, "error", err)
			}
		}
	}
}

const summaryPrompt = `You maintain a rolling summary of a support conversation
between a customer and a parts-desk assistant. Merge the previous summary with
the latest exchange into a single concise summary. Keep concrete identifiers
(SKUs, order numbers, RUT, quantities) and drop pleasantries. Answer with the
summary text only.

Previous summary:
%s

Latest exchange:
%s`

func (m *Manager) refreshSummary(ctx context.Context, previous string, run *session.Run) (string, error) {
	transcript := renderTranscript(run)
	if transcript == "" {
		return "", nil
	}
	if previous == "" {
		previous = "(none)"
	}
	text, err := m.completeText(ctx, fmt.Sprintf(summaryPrompt, previous, transcript))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// completeText runs a single tool-less model turn and returns its
// final text.
func (m *Manager) completeText(ctx context.Context, prompt string) (string, error) {
	st, err := m.adapter.Complete(ctx, model.Request{
		ModelID:  m.summaryModel,
		Messages: []session.Message{{Role: session.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	defer st.Cancel()

	var final string
	for ev := range st.Events() {
		switch ev.Kind {
		case model.EventFinal:
			final = ev.Text
		case model.EventError:
			return "", ev.Err
		}
	}
	return final, nil
}

// renderTranscript flattens a run into plain text for the summary and
// extraction prompts. Tool traffic is reduced to the call names; the
// payloads add noise without adding facts.
func renderTranscript(run *session.Run) string {
	if run == nil {
		return ""
	}
	var b strings.Builder
	for _, msg := range run.Messages {
		switch {
		case msg.Role == session.RoleUser:
			fmt.Fprintf(&b, "customer: %s\n", msg.Content)
		case msg.Role == session.RoleAssistant && msg.IsToolCall():
			fmt.Fprintf(&b, "assistant: (looked up %s)\n", msg.ToolName)
		case msg.Role == session.RoleAssistant && msg.Content != "":
			fmt.Fprintf(&b, "assistant: %s\n", msg.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

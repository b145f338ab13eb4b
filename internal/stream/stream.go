// Package stream carries run events from the agent runtime to its
// consumers. Each run gets one subscription; events arrive in publish
// order, at most once. When the consumer falls behind, token deltas
// are dropped first so control events always get through.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/implementos/agentd/internal/session"
)

// Kind identifies an event type on the wire.
type Kind string

const (
	KindRunStarted   Kind = "run_started"
	KindTokenDelta   Kind = "token_delta"
	KindStatus       Kind = "status"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindRunCompleted Kind = "run_completed"
	KindError        Kind = "error"
)

// Event is one line of a run stream. Fields are populated per kind;
// unused fields are omitted from the encoding.
type Event struct {
	Kind      Kind   `json:"kind"`
	RunID     string `json:"run_id"`
	Timestamp int64  `json:"ts"`

	Delta      string          `json:"delta,omitempty"`
	Status     string          `json:"status,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     string          `json:"result,omitempty"`
	Answer     string          `json:"answer,omitempty"`
	Reason     session.Reason  `json:"reason,omitempty"`
	Usage      *session.Usage  `json:"usage,omitempty"`
	Message    string          `json:"message,omitempty"`
}

func now() int64 { return time.Now().Unix() }

// RunStarted marks the beginning of a run.
func RunStarted(runID string) Event {
	return Event{Kind: KindRunStarted, RunID: runID, Timestamp: now()}
}

// TokenDelta carries one chunk of streamed answer text.
func TokenDelta(runID, delta string) Event {
	return Event{Kind: KindTokenDelta, RunID: runID, Timestamp: now(), Delta: delta}
}

// Status reports a runtime phase change, e.g. "thinking" or
// "running_tools".
func Status(runID, status string) Event {
	return Event{Kind: KindStatus, RunID: runID, Timestamp: now(), Status: status}
}

// ToolCall announces a dispatched tool invocation.
func ToolCall(runID, callID, name string, args json.RawMessage) Event {
	return Event{Kind: KindToolCall, RunID: runID, Timestamp: now(), ToolCallID: callID, ToolName: name, Arguments: args}
}

// ToolResult carries the serialized outcome of a tool invocation.
func ToolResult(runID, callID, name, result string) Event {
	return Event{Kind: KindToolResult, RunID: runID, Timestamp: now(), ToolCallID: callID, ToolName: name, Result: result}
}

// RunCompleted closes a run with its final answer and accounting.
func RunCompleted(runID, answer string, reason session.Reason, usage session.Usage) Event {
	return Event{Kind: KindRunCompleted, RunID: runID, Timestamp: now(), Answer: answer, Reason: reason, Usage: &usage}
}

// Error reports a run-level failure. The run may still complete with
// a degraded reply, so Error does not terminate the stream by itself.
func Error(runID, message string) Event {
	return Event{Kind: KindError, RunID: runID, Timestamp: now(), Message: message}
}

// Subscription is the consumer end of one run's event stream.
type Subscription struct {
	ch      chan Event
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Events returns the receive channel. It is closed by Bus.Finish when
// the run ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many token deltas were discarded because the
// consumer was slow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the consumer. Publishes after Cancel are discarded.
func (s *Subscription) Cancel() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Bus routes run events to their subscribers. A run has at most one
// subscription at a time.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers the single consumer for runID. buffer bounds
// how far the publisher may run ahead before deltas are dropped.
func (b *Bus) Subscribe(runID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[runID] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to the run's subscriber. Token deltas are
// best-effort: if the buffer is full they are dropped. Every other
// kind blocks until delivered, the consumer detaches, or ctx ends.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	sub := b.subs[ev.RunID]
	b.mu.RUnlock()
	if sub == nil {
		return
	}

	if ev.Kind == KindTokenDelta {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
		default:
			sub.dropped.Add(1)
		}
		return
	}

	select {
	case sub.ch <- ev:
	case <-sub.done:
	case <-ctx.Done():
	}
}

// Finish removes the run's subscription and closes its channel so a
// ranging consumer terminates. The publisher must not Publish for
// runID after Finish. Safe to call when nobody subscribed.
func (b *Bus) Finish(runID string) {
	b.mu.Lock()
	sub := b.subs[runID]
	delete(b.subs, runID)
	b.mu.Unlock()
	if sub != nil {
		close(sub.ch)
	}
}

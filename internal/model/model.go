// Package model abstracts conversational model providers behind a
// streaming completion interface. The agent runtime owns the tool
// loop; an adapter only turns one request into one model turn.
package model

import (
	"context"
	"encoding/json"

	"github.com/implementos/agentd/internal/session"
)

// EventKind identifies a completion stream event.
type EventKind string

const (
	// EventTokenDelta carries an incremental chunk of answer text.
	EventTokenDelta EventKind = "token_delta"
	// EventToolCalls carries the tool invocations the model requested
	// instead of (or before) answering.
	EventToolCalls EventKind = "tool_calls"
	// EventUsage carries token accounting for the turn.
	EventUsage EventKind = "usage"
	// EventFinal carries the complete answer text and ends the stream.
	EventFinal EventKind = "final"
	// EventError reports a terminal provider failure and ends the
	// stream.
	EventError EventKind = "error"
)

// ToolCall is one tool invocation requested by the model. Arguments
// are normalized to valid JSON before they leave the adapter.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Event is one element of a completion stream.
type Event struct {
	Kind      EventKind
	Delta     string
	Text      string
	ToolCalls []ToolCall
	Usage     *session.Usage
	Err       error
}

// Request describes one model turn.
type Request struct {
	ModelID         string
	System          string
	Messages        []session.Message
	Tools           []ToolDecl
	Temperature     *float64
	MaxOutputTokens int
}

// ToolDecl is a provider-facing tool declaration, resolved by name
// against tools attached at startup.
type ToolDecl struct {
	Name string
}

// Stream is the consumer end of one model turn. Events arrive in
// order; the channel is closed after EventFinal, EventToolCalls or
// EventError.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
}

// Events returns the receive channel.
func (s *Stream) Events() <-chan Event { return s.events }

// Cancel aborts the turn. The producer stops at the next token
// boundary and closes the channel.
func (s *Stream) Cancel() { s.cancel() }

func (s *Stream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewStaticStream returns a stream pre-filled with events and already
// closed. Adapter fakes use it; production adapters build their own
// streams.
func NewStaticStream(events ...Event) *Stream {
	st := &Stream{events: make(chan Event, len(events)), cancel: func() {}}
	for _, ev := range events {
		st.events <- ev
	}
	close(st.events)
	return st
}

// Adapter is the provider abstraction consumed by the runtime.
type Adapter interface {
	// Complete starts one model turn and returns its event stream.
	// A non-nil error means the turn never started (e.g. circuit
	// open); provider failures during the turn arrive as EventError.
	Complete(ctx context.Context, req Request) (*Stream, error)
}

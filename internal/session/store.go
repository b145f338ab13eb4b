// Package session provides conversation session persistence.
//
// A session is one document keyed by (agent_id, session_id) holding the
// retained runs, the free-form session state, and the rolling summary.
// The [Store] interface abstracts the backing store; [Postgres] persists
// documents in a JSONB column, [InMemory] backs tests and dev mode.
package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no session exists for the requested key.
	ErrNotFound = errors.New("session not found")

	// ErrPersistence indicates a store write failed after retries.
	// The in-memory run is still returned to the caller.
	ErrPersistence = errors.New("session persistence failed")
)

// Filter restricts the sessions returned by Store.List.
// UpdatedFrom/UpdatedTo are unix seconds forming an inclusive-exclusive
// range over UpdatedAt; zero values disable the bound.
type Filter struct {
	AgentID     string
	UserID      string
	UpdatedFrom int64
	UpdatedTo   int64
	Limit       int
}

// Store persists sessions at document granularity with last-writer-wins
// semantics.
//
// Implementations must be safe for concurrent use; the runtime
// additionally serializes access per (agent_id, session_id).
type Store interface {
	// Load returns the session, or ErrNotFound.
	Load(ctx context.Context, agentID, sessionID string) (*Session, error)

	// Save writes the whole session document, overwriting any previous
	// version.
	Save(ctx context.Context, s *Session) error

	// AppendRun adds a run to the session, applies the retention limit
	// in FIFO order, and saves the document.
	AppendRun(ctx context.Context, s *Session, run *Run, retention int) error

	// List returns sessions matching the filter, most recently updated
	// first. Used by reporting.
	List(ctx context.Context, f Filter) ([]*Session, error)
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// InMemory is a map-backed Store used by tests and dev mode.
//
// Documents are stored as JSON so loads observe the same normalization
// as the Postgres store (Load(Save(s)) == s modulo encoding).
type InMemory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{docs: make(map[string][]byte)}
}

func key(agentID, sessionID string) string {
	return agentID + "\x00" + sessionID
}

// Load implements Store.
func (m *InMemory) Load(_ context.Context, agentID, sessionID string) (*Session, error) {
	m.mu.RLock()
	doc, ok := m.docs[key(agentID, sessionID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var s Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session %s/%s: %w", agentID, sessionID, err)
	}
	return &s, nil
}

// Save implements Store.
func (m *InMemory) Save(_ context.Context, s *Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s/%s: %w", s.AgentID, s.SessionID, err)
	}

	m.mu.Lock()
	m.docs[key(s.AgentID, s.SessionID)] = doc
	m.mu.Unlock()
	return nil
}

// AppendRun implements Store.
func (m *InMemory) AppendRun(ctx context.Context, s *Session, run *Run, retention int) error {
	s.Runs = append(s.Runs, run)
	s.TrimRuns(retention)
	s.Touch(run.FinishedAt)
	return m.Save(ctx, s)
}

// List implements Store.
func (m *InMemory) List(_ context.Context, f Filter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, doc := range m.docs {
		var s Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		if f.AgentID != "" && s.AgentID != f.AgentID {
			continue
		}
		if f.UserID != "" && s.UserID != f.UserID {
			continue
		}
		if f.UpdatedFrom != 0 && s.UpdatedAt < f.UpdatedFrom {
			continue
		}
		if f.UpdatedTo != 0 && s.UpdatedAt >= f.UpdatedTo {
			continue
		}
		sessions = append(sessions, &s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	if f.Limit > 0 && len(sessions) > f.Limit {
		sessions = sessions[:f.Limit]
	}
	return sessions, nil
}

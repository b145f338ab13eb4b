// Package memory composes model context from session history and
// long-lived user memories, and maintains both after each run.
package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	// VectorDimension is the embedding width stored in pgvector. The
	// Gemini embedding models support Matryoshka truncation to 768.
	VectorDimension int32 = 768

	// EmbedTimeout bounds a single embedding call.
	EmbedTimeout = 10 * time.Second

	// MaxTopK caps a memory search fanout.
	MaxTopK = 20

	// MaxSearchQueryLen truncates oversized search queries before
	// embedding.
	MaxSearchQueryLen = 2000
)

// Record is one long-lived fact about a user, kept across sessions.
type Record struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Topic     string    `json:"topic"`
	Text      string    `json:"text"`
	CreatedAt int64     `json:"created_at"`
}

// Policy is the per-agent memory configuration.
type Policy struct {
	// Retention is how many past runs stay in the session transcript.
	Retention int `mapstructure:"retention"`
	// Summarize enables the rolling conversation summary.
	Summarize bool `mapstructure:"summarize"`
	// UserMemories enables cross-session fact extraction and recall.
	UserMemories bool `mapstructure:"user_memories"`
	// SearchKnowledge augments composition with knowledge-base hits.
	SearchKnowledge bool `mapstructure:"search_knowledge"`
}

// Store persists user memory records with vector search.
type Store interface {
	Add(ctx context.Context, rec Record) error
	Search(ctx context.Context, userID, query string, topK int) ([]Record, error)
}

// Searcher is the knowledge-base view the composer needs. Satisfied
// by the knowledge retriever.
type Searcher interface {
	Snippets(ctx context.Context, query string, topK int) ([]string, error)
}

// Package knowledge stores the product and policy reference corpus
// and retrieves it by semantic similarity. Retrieval serves two
// paths: a registered tool the model can call, and composition-time
// augmentation for agents configured to search before answering.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"

	"github.com/implementos/agentd/internal/log"
)

const (
	// VectorDimension matches the embedding column width.
	VectorDimension int32 = 768

	// DefaultTopK is the search fanout when a caller does not choose.
	DefaultTopK = 5

	// MaxTopK caps the fanout.
	MaxTopK = 20
)

// Document is one retrieved knowledge fragment.
type Document struct {
	ID       uuid.UUID         `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// SearchOption tunes one search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	topK   int
	filter map[string]string
}

// WithTopK overrides the result count.
func WithTopK(k int) SearchOption {
	return func(o *searchOptions) { o.topK = k }
}

// WithFilter restricts results to documents whose metadata contains
// every given key/value pair.
func WithFilter(filter map[string]string) SearchOption {
	return func(o *searchOptions) { o.filter = filter }
}

// Retriever searches the knowledge corpus in PostgreSQL + pgvector.
//
// Retriever is safe for concurrent use.
type Retriever struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   log.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(pool *pgxpool.Pool, embedder ai.Embedder, logger log.Logger) (*Retriever, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Retriever{pool: pool, embedder: embedder, logger: logger}, nil
}

func (r *Retriever) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := VectorDimension
	resp, err := r.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

// Add indexes one document.
func (r *Retriever) Add(ctx context.Context, text string, metadata map[string]string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("document text is required")
	}
	vec, err := r.embed(ctx, text)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO knowledge_documents (content, metadata, embedding)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (md5(content)) DO UPDATE SET metadata = EXCLUDED.metadata`,
		text, meta, vec,
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// Search returns documents similar to query ordered by cosine
// similarity, best first.
func (r *Retriever) Search(ctx context.Context, query string, opts ...SearchOption) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return []Document{}, nil
	}

	o := searchOptions{topK: DefaultTopK}
	for _, opt := range opts {
		opt(&o)
	}
	if o.topK <= 0 {
		o.topK = DefaultTopK
	}
	if o.topK > MaxTopK {
		o.topK = MaxTopK
	}

	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	sql := `SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM knowledge_documents`
	args := []any{vec}
	if len(o.filter) > 0 {
		meta, err := json.Marshal(o.filter)
		if err != nil {
			return nil, fmt.Errorf("encoding filter: %w", err)
		}
		sql += ` WHERE metadata @> $2`
		args = append(args, meta)
	}
	sql += fmt.Sprintf(` ORDER BY embedding <=> $1 LIMIT %d`, o.topK)

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var id string
		var meta []byte
		if err := rows.Scan(&id, &d.Text, &meta, &d.Score); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing document id: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &d.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}
	return docs, nil
}

// Snippets returns the text of the topK best matches. It satisfies
// the composer's knowledge view.
func (r *Retriever) Snippets(ctx context.Context, query string, topK int) ([]string, error) {
	docs, err := r.Search(ctx, query, WithTopK(topK))
	if err != nil {
		return nil, err
	}
	snippets := make([]string, 0, len(docs))
	for _, d := range docs {
		snippets = append(snippets, d.Text)
	}
	return snippets, nil
}

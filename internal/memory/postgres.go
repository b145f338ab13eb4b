package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"

	"github.com/implementos/agentd/internal/log"
)

// PostgresStore keeps user memories in PostgreSQL with a pgvector
// embedding column for semantic recall.
//
// PostgresStore is safe for concurrent use.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   log.Logger
}

// NewPostgresStore creates a memory store.
func NewPostgresStore(pool *pgxpool.Pool, embedder ai.Embedder, logger log.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &PostgresStore{pool: pool, embedder: embedder, logger: logger}, nil
}

// embed generates the vector for text.
func (s *PostgresStore) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := VectorDimension
	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	resp, err := s.embedder.Embed(embedCtx, &ai.EmbedRequest{
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

// Add inserts a record, ignoring exact-content duplicates for the
// same user.
func (s *PostgresStore) Add(ctx context.Context, rec Record) error {
	if rec.UserID == "" || rec.Text == "" {
		return fmt.Errorf("user id and text are required")
	}

	vec, err := s.embed(ctx, rec.Text)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO memories (user_id, topic, content, embedding)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, md5(content)) DO NOTHING`,
		rec.UserID, rec.Topic, rec.Text, vec,
	)
	if err != nil {
		return fmt.Errorf("inserting memory: %w", err)
	}
	return nil
}

// Search returns up to topK records for userID ordered by cosine
// similarity to query, best match first.
func (s *PostgresStore) Search(ctx context.Context, userID, query string, topK int) ([]Record, error) {
	if query == "" || userID == "" {
		return []Record{}, nil
	}
	if topK <= 0 {
		topK = 5
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	if len(query) > MaxSearchQueryLen {
		query = query[:MaxSearchQueryLen]
	}
	if strings.ContainsRune(query, 0) {
		return []Record{}, nil
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, topic, content, extract(epoch from created_at)::bigint
		 FROM memories
		 WHERE user_id = $1
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		userID, vec, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var id string
		if err := rows.Scan(&id, &r.UserID, &r.Topic, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		r.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parsing memory id: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading memories: %w", err)
	}
	return records, nil
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RetryConfig controls the backoff applied to transient store errors.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the store retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Postgres persists session documents in a JSONB column, one row per
// (agent_id, session_id). Identity and timestamp columns are kept
// alongside the document so reporting can filter without unpacking
// JSON.
//
// Postgres is safe for concurrent use by multiple goroutines.
type Postgres struct {
	pool   *pgxpool.Pool
	retry  RetryConfig
	logger *slog.Logger
}

// NewPostgres creates a Postgres-backed session store.
func NewPostgres(pool *pgxpool.Pool, retry RetryConfig, logger *slog.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, retry: retry, logger: logger}, nil
}

// Load implements Store.
func (p *Postgres) Load(ctx context.Context, agentID, sessionID string) (*Session, error) {
	var doc []byte
	err := p.withRetry(ctx, "load", func() error {
		return p.pool.QueryRow(ctx,
			`SELECT document FROM agent_sessions WHERE agent_id = $1 AND session_id = $2`,
			agentID, sessionID,
		).Scan(&doc)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s/%s: %v", ErrPersistence, agentID, sessionID, err)
	}

	var s Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session %s/%s: %w", agentID, sessionID, err)
	}
	return &s, nil
}

// Save implements Store. The whole document is upserted; the last
// writer wins at document granularity.
func (p *Postgres) Save(ctx context.Context, s *Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s/%s: %w", s.AgentID, s.SessionID, err)
	}

	err = p.withRetry(ctx, "save", func() error {
		_, execErr := p.pool.Exec(ctx,
			`INSERT INTO agent_sessions (agent_id, session_id, user_id, document, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (agent_id, session_id)
			 DO UPDATE SET user_id = $3, document = $4, updated_at = $6`,
			s.AgentID, s.SessionID, s.UserID, doc, s.CreatedAt, s.UpdatedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: save %s/%s: %v", ErrPersistence, s.AgentID, s.SessionID, err)
	}
	return nil
}

// AppendRun implements Store.
func (p *Postgres) AppendRun(ctx context.Context, s *Session, run *Run, retention int) error {
	s.Runs = append(s.Runs, run)
	s.TrimRuns(retention)
	s.Touch(run.FinishedAt)
	return p.Save(ctx, s)
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, f Filter) ([]*Session, error) {
	query := `SELECT document FROM agent_sessions WHERE 1=1`
	args := make([]any, 0, 5)
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, n)
	}
	if f.AgentID != "" {
		add("agent_id =", f.AgentID)
	}
	if f.UserID != "" {
		add("user_id =", f.UserID)
	}
	if f.UpdatedFrom != 0 {
		add("updated_at >=", f.UpdatedFrom)
	}
	if f.UpdatedTo != 0 {
		add("updated_at <", f.UpdatedTo)
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		n++
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", n)
	}

	var rows pgx.Rows
	err := p.withRetry(ctx, "list", func() error {
		var queryErr error
		rows, queryErr = p.pool.Query(ctx, query, args...)
		return queryErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var s Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// withRetry retries op with exponential backoff while the error is
// transient. Permanent errors and context cancellation return
// immediately.
func (p *Postgres) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := p.retry.InitialInterval

	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !transientError(lastErr) || ctx.Err() != nil {
			return lastErr
		}

		p.logger.Warn("session store retry",
			"op", op, "attempt", attempt+1, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.retry.MaxInterval {
			delay = p.retry.MaxInterval
		}
	}
	return lastErr
}

// transientError reports whether err is worth retrying: network
// failures, connection drops, and the PostgreSQL classes for
// operator intervention (57xxx) and insufficient resources (53xxx).
func transientError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			class := pgErr.Code[:2]
			return class == "57" || class == "53" || class == "08"
		}
	}
	return pgconn.SafeToRetry(err)
}

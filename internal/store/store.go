package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an analysis id has no row.
var ErrNotFound = errors.New("analysis not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id            UUID PRIMARY KEY,
	request_id    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	method        TEXT NOT NULL,
	target        TEXT NOT NULL,
	user_prompt   TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	max_tokens    INTEGER NOT NULL,
	provider      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	baseline      TEXT NOT NULL DEFAULT '',
	calls         INTEGER NOT NULL DEFAULT 0,
	failed_probes INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS analyses_created_at_idx ON analyses (created_at DESC);

CREATE TABLE IF NOT EXISTS analysis_phrases (
	analysis_id  UUID NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	phrase_index INTEGER NOT NULL,
	text         TEXT NOT NULL,
	raw_score    DOUBLE PRECISION NOT NULL,
	failed       BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (analysis_id, phrase_index)
);`

// EnsureSchema creates the analysis tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AnalysisRow is one persisted run. Phrases is only filled by GetAnalysis.
type AnalysisRow struct {
	ID           uuid.UUID
	RequestID    string
	Status       string
	Method       string
	Target       string
	UserPrompt   string
	SystemPrompt string
	MaxTokens    int
	Provider     string
	Model        string
	Baseline     string
	Calls        int
	FailedProbes int
	Error        string
	CreatedAt    time.Time
	FinishedAt   *time.Time
	Phrases      []PhraseRow
}

// PhraseRow holds one phrase with its raw score. Normalized scores are
// derived from the raw ones when read.
type PhraseRow struct {
	Index  int
	Text   string
	Raw    float64
	Failed bool
}

// CreateAnalysis inserts a new run in its initial status.
func (s *Store) CreateAnalysis(ctx context.Context, a AnalysisRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analyses (id, request_id, status, method, target, user_prompt, system_prompt, max_tokens, provider, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.RequestID, a.Status, a.Method, a.Target, a.UserPrompt, a.SystemPrompt, a.MaxTokens, a.Provider, a.Model, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// UpdateStatus moves a run to status without touching its results.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE analyses SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteAnalysis stores the baseline and every phrase score in one
// transaction and marks the run completed.
func (s *Store) CompleteAnalysis(ctx context.Context, id uuid.UUID, baseline string, calls int, phrases []PhraseRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	failed := 0
	for _, p := range phrases {
		if p.Failed {
			failed++
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE analyses
		SET status = 'completed', baseline = $1, calls = $2, failed_probes = $3, finished_at = now()
		WHERE id = $4`,
		baseline, calls, failed, id,
	)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	batch := &pgx.Batch{}
	for _, p := range phrases {
		batch.Queue(`
			INSERT INTO analysis_phrases (analysis_id, phrase_index, text, raw_score, failed)
			VALUES ($1, $2, $3, $4, $5)`,
			id, p.Index, p.Text, p.Raw, p.Failed,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert phrases: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FinishWithoutScores marks a run failed or cancelled. msg is kept for
// failed runs so the API can surface it.
func (s *Store) FinishWithoutScores(ctx context.Context, id uuid.UUID, status, msg string, calls int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses SET status = $1, error = $2, calls = $3, finished_at = now()
		WHERE id = $4`,
		status, msg, calls, id,
	)
	if err != nil {
		return fmt.Errorf("finish analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InterruptedError is recorded on runs that were still pending or running
// when the service last stopped.
const InterruptedError = "interrupted by service restart"

// AbandonUnfinished marks every pending or running analysis as failed.
// Runs only execute in process memory, so at startup any such row belongs
// to a previous process and will never finish.
func (s *Store) AbandonUnfinished(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses SET status = 'failed', error = $1, finished_at = now()
		WHERE status IN ('pending', 'running')`,
		InterruptedError,
	)
	if err != nil {
		return 0, fmt.Errorf("abandon unfinished analyses: %w", err)
	}
	return tag.RowsAffected(), nil
}

const analysisColumns = `id, request_id, status, method, target, user_prompt, system_prompt, max_tokens,
	provider, model, baseline, calls, failed_probes, error, created_at, finished_at`

func scanAnalysis(row pgx.Row) (*AnalysisRow, error) {
	var a AnalysisRow
	err := row.Scan(&a.ID, &a.RequestID, &a.Status, &a.Method, &a.Target, &a.UserPrompt, &a.SystemPrompt, &a.MaxTokens,
		&a.Provider, &a.Model, &a.Baseline, &a.Calls, &a.FailedProbes, &a.Error, &a.CreatedAt, &a.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAnalysis fetches a run with its phrases in index order.
func (s *Store) GetAnalysis(ctx context.Context, id uuid.UUID) (*AnalysisRow, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT phrase_index, text, raw_score, failed
		FROM analysis_phrases WHERE analysis_id = $1
		ORDER BY phrase_index`, id)
	if err != nil {
		return nil, fmt.Errorf("query phrases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p PhraseRow
		if err := rows.Scan(&p.Index, &p.Text, &p.Raw, &p.Failed); err != nil {
			return nil, fmt.Errorf("scan phrase: %w", err)
		}
		a.Phrases = append(a.Phrases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return a, nil
}

// ListAnalyses returns the most recent runs, newest first, without phrases.
func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]AnalysisRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+analysisColumns+` FROM analyses ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []AnalysisRow
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

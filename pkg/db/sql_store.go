package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"podcast-ads/pkg/domain"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS ad_job (
  id TEXT PRIMARY KEY,
  episode_id TEXT NOT NULL,
  audio_url TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  window_count INTEGER NOT NULL DEFAULT 0,
  segments JSONB,
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  completed_at TIMESTAMPTZ,
  failed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ad_job_episode_idx ON ad_job (episode_id);
CREATE INDEX IF NOT EXISTS ad_job_status_idx ON ad_job (status, created_at);
CREATE TABLE IF NOT EXISTS ad_job_window (
  job_id TEXT NOT NULL REFERENCES ad_job (id) ON DELETE CASCADE,
  idx INTEGER NOT NULL,
  start_sec DOUBLE PRECISION NOT NULL,
  end_sec DOUBLE PRECISION NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  label TEXT,
  confidence DOUBLE PRECISION,
  PRIMARY KEY (job_id, idx)
);`

const jobColumns = `id, episode_id, audio_url, title, status, window_count, segments, error, created_at, updated_at, completed_at, failed_at`

// SQLStore persists jobs and window rows in Postgres through any DBProvider,
// so it runs against a plain Postgres server or a Supabase project.
type SQLStore struct {
	provider DBProvider
	now      func() time.Time
}

// NewSQLStore returns a store backed by provider.
func NewSQLStore(provider DBProvider) (*SQLStore, error) {
	if provider == nil {
		return nil, fmt.Errorf("sql provider is required")
	}
	return &SQLStore{provider: provider, now: time.Now}, nil
}

func (s *SQLStore) db() (*sql.DB, error) {
	db := s.provider.DB()
	if db == nil {
		return nil, ErrNotConnected
	}
	return db, nil
}

// EnsureSchema creates the ad_job and ad_job_window tables if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("create ad job tables: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateJob(ctx context.Context, job *domain.AdJob) (string, error) {
	db, err := s.db()
	if err != nil {
		return "", err
	}

	job.ID = uuid.New().String()
	segments, err := encodeSegments(job.Segments)
	if err != nil {
		return "", err
	}

	const q = `
INSERT INTO ad_job (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12)`
	_, err = db.ExecContext(ctx, q,
		job.ID, job.EpisodeID, job.AudioURL, job.Title, string(job.Status), job.WindowCount,
		segments, job.Error, job.CreatedAt, job.UpdatedAt, nullTime(job.CompletedAt), nullTime(job.FailedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*domain.AdJob, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ad_job WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) UpdateJob(ctx context.Context, id string, patch domain.JobPatch) error {
	db, err := s.db()
	if err != nil {
		return err
	}

	query, args, err := buildJobUpdate(id, patch, s.now())
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// ReplaceWindows swaps the job's rows within a transaction.
func (s *SQLStore) ReplaceWindows(ctx context.Context, jobID string, rows []domain.WindowRow) error {
	db, err := s.db()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ad_job_window WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}

	if len(rows) > 0 {
		const insertQuery = `
INSERT INTO ad_job_window (job_id, idx, start_sec, end_sec, text, label, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

		stmt, err := tx.PrepareContext(ctx, insertQuery)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, jobID, r.Index, r.Start, r.End, r.Text, nullLabel(r.Label), nullFloat(r.Confidence)); err != nil {
				return fmt.Errorf("insert window %d: %w", r.Index, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) ListWindows(ctx context.Context, jobID string) ([]domain.WindowRow, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT idx, start_sec, end_sec, text, label, confidence
FROM ad_job_window WHERE job_id = $1 ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	out := make([]domain.WindowRow, 0)
	for rows.Next() {
		var (
			r          = domain.WindowRow{JobID: jobID}
			label      sql.NullString
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&r.Index, &r.Start, &r.End, &r.Text, &label, &confidence); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		if label.Valid {
			l := domain.Label(label.String)
			r.Label = &l
		}
		if confidence.Valid {
			c := confidence.Float64
			r.Confidence = &c
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateWindowLabel(ctx context.Context, jobID string, index int, c domain.Classification) error {
	db, err := s.db()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx,
		`UPDATE ad_job_window SET label = $1, confidence = $2 WHERE job_id = $3 AND idx = $4`,
		string(c.Label), c.Confidence, jobID, index)
	if err != nil {
		return fmt.Errorf("update window label: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: job %s window %d", ErrWindowNotFound, jobID, index)
	}
	return nil
}

// ListJobsByStatus returns jobs with the given status, oldest first.
func (s *SQLStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.AdJob, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM ad_job WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.AdJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return jobs, nil
}

// ExistingEpisodeIDs returns which of episodeIDs already have a job that is
// not failed.
func (s *SQLStore) ExistingEpisodeIDs(ctx context.Context, episodeIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(episodeIDs) == 0 {
		return existing, nil
	}
	db, err := s.db()
	if err != nil {
		return nil, err
	}

	query, args := buildInQuery(
		`SELECT DISTINCT episode_id FROM ad_job WHERE status <> 'failed' AND episode_id IN (`,
		episodeIDs,
	)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query episode ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan episode id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return existing, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.AdJob, error) {
	var (
		job         domain.AdJob
		status      string
		segments    []byte
		completedAt sql.NullTime
		failedAt    sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.EpisodeID, &job.AudioURL, &job.Title, &status, &job.WindowCount,
		&segments, &job.Error, &job.CreatedAt, &job.UpdatedAt, &completedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if len(segments) > 0 {
		if err := json.Unmarshal(segments, &job.Segments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		job.FailedAt = &t
	}
	return &job, nil
}

// buildJobUpdate renders an UPDATE touching only the columns the patch sets.
func buildJobUpdate(id string, p domain.JobPatch, now time.Time) (string, []any, error) {
	sets := []string{"updated_at = $1"}
	args := []any{now}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Status != "" {
		add("status", string(p.Status))
	}
	if p.WindowCount != nil {
		add("window_count", *p.WindowCount)
	}
	if p.Segments != nil {
		encoded, err := encodeSegments(p.Segments)
		if err != nil {
			return "", nil, err
		}
		args = append(args, encoded)
		sets = append(sets, fmt.Sprintf("segments = $%d::jsonb", len(args)))
	}
	if p.Error != "" {
		add("error", p.Error)
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}
	if p.FailedAt != nil {
		add("failed_at", *p.FailedAt)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE ad_job SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return query, args, nil
}

// buildInQuery appends numbered placeholders for values and closes the IN list.
func buildInQuery(prefix string, values []string) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	args := make([]any, len(values))
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args[i] = v
	}
	b.WriteString(")")
	return b.String(), args
}

func encodeSegments(segments []domain.Segment) (any, error) {
	if segments == nil {
		return nil, nil
	}
	b, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("encode segments: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullLabel(l *domain.Label) sql.NullString {
	if l == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*l), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

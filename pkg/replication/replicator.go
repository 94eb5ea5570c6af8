// Package replication copies detected ad segments into a Postgres reporting
// table.
package replication

import (
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"podcast-ads/pkg/db"
	"podcast-ads/pkg/domain"
)

const (
	defaultBatchSize = 100
	defaultWorkers   = 5
)

// JobSource lists jobs by status. Every store in pkg/db satisfies it.
type JobSource interface {
	ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.AdJob, error)
}

// Config wires the replication dependencies.
type Config struct {
	Source   JobSource
	Postgres db.DBProvider
	Logger   *logrus.Logger

	BatchSize int
	Workers   int
}

// Stats summarises one replication run.
type Stats struct {
	Jobs         int
	JobsInserted int
	Segments     int
}

// Replicator copies the segments of completed jobs into ad_segment.
//
// Each run is a full scan of completed jobs; jobs already present in
// Postgres are skipped, so runs can be repeated.
type Replicator struct {
	source    JobSource
	pg        db.DBProvider
	logger    *logrus.Logger
	batchSize int
	workers   int
}

func NewReplicator(cfg Config) (*Replicator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("job source is required")
	}
	if cfg.Postgres == nil {
		return nil, fmt.Errorf("postgres client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Replicator{
		source:    cfg.Source,
		pg:        cfg.Postgres,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
		workers:   cfg.Workers,
	}, nil
}

// ReplicateSegments copies every completed job's segments that are not in
// Postgres yet.
func (r *Replicator) ReplicateSegments(ctx context.Context) (Stats, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return Stats{}, err
	}

	jobs, err := r.source.ListJobsByStatus(ctx, domain.JobStatusComplete)
	if err != nil {
		return Stats{}, fmt.Errorf("list completed jobs: %w", err)
	}
	r.logger.WithField("jobs", len(jobs)).Info("Loaded completed jobs, processing in batches")

	stats, err := r.processBatches(ctx, jobs)
	if err != nil {
		return stats, err
	}

	r.logger.WithFields(logrus.Fields{
		"jobs":          stats.Jobs,
		"jobs_inserted": stats.JobsInserted,
		"segments":      stats.Segments,
	}).Info("Replication complete")
	return stats, nil
}

type batchResult struct {
	jobs     int
	inserted int
	segments int
	err      error
}

// processBatches fans batches out to the workers and stops at the first
// failed batch.
func (r *Replicator) processBatches(ctx context.Context, jobs []domain.AdJob) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := splitBatches(jobs, r.batchSize)
	work := make(chan []domain.AdJob, len(batches))
	results := make(chan batchResult, len(batches))
	for _, b := range batches {
		work <- b
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range work {
				if ctx.Err() != nil {
					results <- batchResult{err: ctx.Err()}
					continue
				}
				inserted, segments, err := r.processBatch(ctx, batch)
				results <- batchResult{jobs: len(batch), inserted: inserted, segments: segments, err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var stats Stats
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		stats.Jobs += res.jobs
		stats.JobsInserted += res.inserted
		stats.Segments += res.segments
		r.logger.WithFields(logrus.Fields{
			"processed": stats.Jobs,
			"total":     len(jobs),
			"inserted":  stats.JobsInserted,
		}).Debug("Replication progress")
	}
	return stats, firstErr
}

func splitBatches(jobs []domain.AdJob, size int) [][]domain.AdJob {
	batches := make([][]domain.AdJob, 0, (len(jobs)+size-1)/size)
	for start := 0; start < len(jobs); start += size {
		end := start + size
		if end > len(jobs) {
			end = len(jobs)
		}
		batches = append(batches, jobs[start:end])
	}
	return batches
}

func (r *Replicator) processBatch(ctx context.Context, batch []domain.AdJob) (int, int, error) {
	ids := make([]string, 0, len(batch))
	for _, j := range batch {
		ids = append(ids, j.ID)
	}

	existing, err := r.existingJobIDs(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("check existing jobs: %w", err)
	}

	toInsert := make([]domain.AdJob, 0, len(batch))
	for _, j := range batch {
		if j.ID != "" && !existing[j.ID] && len(j.Segments) > 0 {
			toInsert = append(toInsert, j)
		}
	}
	if len(toInsert) == 0 {
		return 0, 0, nil
	}

	segments, err := r.insertSegmentsTx(ctx, toInsert)
	if err != nil {
		return 0, 0, err
	}
	return len(toInsert), segments, nil
}

func (r *Replicator) ensureSchema(ctx context.Context) error {
	if r.pg.DB() == nil {
		return db.ErrNotConnected
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS ad_segment (
  job_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  episode_id TEXT NOT NULL,
  start_sec DOUBLE PRECISION NOT NULL,
  end_sec DOUBLE PRECISION NOT NULL,
  label TEXT NOT NULL,
  completed_at TIMESTAMPTZ,
  PRIMARY KEY (job_id, seq)
);
CREATE INDEX IF NOT EXISTS ad_segment_episode_idx ON ad_segment (episode_id);`

	if _, err := r.pg.DB().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create ad_segment table: %w", err)
	}
	return nil
}

func (r *Replicator) existingJobIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	set := make(map[string]bool)
	if len(ids) == 0 {
		return set, nil
	}

	query, args := buildJobIDInQuery(ids)
	rows, err := r.pg.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing job ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		set[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return set, nil
}

// buildJobIDInQuery tags the query with its arity and a hash of the first id
// so concurrent batches do not share a cached prepared statement.
func buildJobIDInQuery(ids []string) (string, []any) {
	hash := md5.Sum([]byte(ids[0]))

	var b strings.Builder
	fmt.Fprintf(&b, "/* q_%d_%x */ SELECT DISTINCT job_id FROM ad_segment WHERE job_id IN (", len(ids), hash[:4])
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args[i] = id
	}
	b.WriteString(")")
	return b.String(), args
}

func (r *Replicator) insertSegmentsTx(ctx context.Context, jobs []domain.AdJob) (int, error) {
	tx, err := r.pg.DB().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertQuery = `
INSERT INTO ad_segment (job_id, seq, episode_id, start_sec, end_sec, label, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_id, seq) DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, insertQuery)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, j := range jobs {
		for seq, s := range j.Segments {
			if _, err := stmt.ExecContext(ctx, j.ID, seq, j.EpisodeID, s.Start, s.End, string(s.Label), j.CompletedAt); err != nil {
				return 0, fmt.Errorf("insert segment job=%s seq=%d: %w", j.ID, seq, err)
			}
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"

	"podcast-ads/pkg/domain"
)

var (
	// ErrJobNotFound is returned for unknown job ids by every store.
	ErrJobNotFound = domain.ErrJobNotFound
	// ErrWindowNotFound is returned when a window row does not exist.
	ErrWindowNotFound = errors.New("window row not found")
	// ErrNotConnected is returned when a store is used before Connect.
	ErrNotConnected = errors.New("database not connected")
)

// DBProvider is an interface for database clients that provide access to a sql.DB handle.
// This allows both PostgresClient and SupabaseClient to back a SQLStore.
type DBProvider interface {
	DB() *sql.DB
}

// JobStore is implemented by every job/window backend.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.AdJob) (string, error)
	GetJob(ctx context.Context, id string) (*domain.AdJob, error)
	UpdateJob(ctx context.Context, id string, patch domain.JobPatch) error
	ReplaceWindows(ctx context.Context, jobID string, rows []domain.WindowRow) error
	ListWindows(ctx context.Context, jobID string) ([]domain.WindowRow, error)
	UpdateWindowLabel(ctx context.Context, jobID string, index int, c domain.Classification) error

	ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.AdJob, error)
	ExistingEpisodeIDs(ctx context.Context, episodeIDs []string) (map[string]bool, error)
}

var (
	_ JobStore = (*MemoryStore)(nil)
	_ JobStore = (*MongoStore)(nil)
	_ JobStore = (*SQLStore)(nil)
)

// Package jobs drives ad detection jobs through transcription,
// classification and merging.
//
// Each stage runs as a scheduled task. A stage loads the job, checks that
// the job is still in a state the stage may act on, does its work from
// persisted state only, and schedules its successor. Deliveries for jobs
// that have already moved past the stage are skipped, so a scheduler with
// at-least-once delivery is safe.
package jobs

import (
	"context"
	"errors"
	"time"

	"podcast-ads/pkg/domain"
)

var (
	// ErrTranscriptionFailed marks a job failed in the transcribe stage.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrClassificationFailed marks a job failed in the classify stage.
	ErrClassificationFailed = errors.New("classification failed")
	// ErrMergeInconsistency is returned when persisted windows cannot be merged.
	ErrMergeInconsistency = errors.New("merge inconsistency")
	// ErrEmptyTranscript is wrapped into ErrTranscriptionFailed when the
	// provider returns no speech at all.
	ErrEmptyTranscript = errors.New("transcript is empty")
	// ErrInvalidRequest is returned by Start for unusable input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transcriber turns an audio URL into ordered transcript segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) ([]domain.TranscriptSegment, error)
}

// Classifier labels a single window as ad or not_ad.
type Classifier interface {
	Classify(ctx context.Context, window domain.Window) (domain.Classification, error)
}

// Repository persists jobs and their window rows.
type Repository interface {
	// CreateJob stores job with a generated id and returns that id.
	CreateJob(ctx context.Context, job *domain.AdJob) (string, error)
	// GetJob returns domain.ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*domain.AdJob, error)
	// UpdateJob applies patch atomically to a single job.
	UpdateJob(ctx context.Context, id string, patch domain.JobPatch) error
	// ReplaceWindows drops any window rows of the job and stores rows.
	ReplaceWindows(ctx context.Context, jobID string, rows []domain.WindowRow) error
	// ListWindows returns the job's window rows ordered by index.
	ListWindows(ctx context.Context, jobID string) ([]domain.WindowRow, error)
	// UpdateWindowLabel writes the classification of one window row.
	UpdateWindowLabel(ctx context.Context, jobID string, index int, c domain.Classification) error
}

// Scheduler hands a task to a worker, optionally after delay.
type Scheduler interface {
	Schedule(ctx context.Context, task domain.Task, delay time.Duration) error
}

// StartRequest describes the episode to analyse.
type StartRequest struct {
	EpisodeID string
	AudioURL  string
	Title     string
}

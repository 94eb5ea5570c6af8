package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"podcast-ads/pkg/domain"
)

// MemoryStore keeps jobs and window rows in process memory. It backs local
// runs and tests; state is lost on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*domain.AdJob
	windows map[string][]domain.WindowRow
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*domain.AdJob),
		windows: make(map[string][]domain.WindowRow),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.AdJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.ID = uuid.New().String()
	s.jobs[job.ID] = cloneJob(job)
	return job.ID, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*domain.AdJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id string, patch domain.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	patch.Apply(job, s.now())
	return nil
}

func (s *MemoryStore) ReplaceWindows(ctx context.Context, jobID string, rows []domain.WindowRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	stored := make([]domain.WindowRow, len(rows))
	for i, r := range rows {
		r.JobID = jobID
		stored[i] = cloneRow(r)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Index < stored[j].Index })
	s.windows[jobID] = stored
	return nil
}

func (s *MemoryStore) ListWindows(ctx context.Context, jobID string) ([]domain.WindowRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.windows[jobID]
	out := make([]domain.WindowRow, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out, nil
}

func (s *MemoryStore) UpdateWindowLabel(ctx context.Context, jobID string, index int, c domain.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.windows[jobID]
	for i := range rows {
		if rows[i].Index != index {
			continue
		}
		label, confidence := c.Label, c.Confidence
		rows[i].Label = &label
		rows[i].Confidence = &confidence
		return nil
	}
	return fmt.Errorf("%w: job %s window %d", ErrWindowNotFound, jobID, index)
}

// ListJobsByStatus returns jobs with the given status, oldest first.
func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.AdJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AdJob, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, *cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExistingEpisodeIDs returns which of episodeIDs already have a job that is
// not failed.
func (s *MemoryStore) ExistingEpisodeIDs(ctx context.Context, episodeIDs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(episodeIDs))
	for _, id := range episodeIDs {
		wanted[id] = true
	}

	existing := make(map[string]bool)
	for _, job := range s.jobs {
		if wanted[job.EpisodeID] && job.Status != domain.JobStatusFailed {
			existing[job.EpisodeID] = true
		}
	}
	return existing, nil
}

func cloneJob(job *domain.AdJob) *domain.AdJob {
	c := *job
	if job.Segments != nil {
		c.Segments = append([]domain.Segment(nil), job.Segments...)
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.FailedAt != nil {
		t := *job.FailedAt
		c.FailedAt = &t
	}
	return &c
}

func cloneRow(r domain.WindowRow) domain.WindowRow {
	if r.Label != nil {
		l := *r.Label
		r.Label = &l
	}
	if r.Confidence != nil {
		c := *r.Confidence
		r.Confidence = &c
	}
	return r
}

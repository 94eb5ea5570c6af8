package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"podcast-ads/pkg/domain"
)

// restJobsTable is the ad_job table as exposed by PostgREST.
const restJobsTable = "ad_job"

// RESTJobReader reads jobs through a Supabase project's REST API. It serves
// read-only commands when only the project URL and API key are configured;
// running jobs needs the direct connection used by SQLStore.
//
// The REST client takes no context, so ctx is only checked before each call.
type RESTJobReader struct {
	client *supabase.Client
}

// NewRESTJobReader returns a reader over the SDK client of c.
func NewRESTJobReader(c *SupabaseClient) (*RESTJobReader, error) {
	if c == nil || c.SDK() == nil {
		return nil, fmt.Errorf("supabase SDK client not initialised: %w", ErrNotConnected)
	}
	return &RESTJobReader{client: c.SDK()}, nil
}

type restJob struct {
	ID          string           `json:"id"`
	EpisodeID   string           `json:"episode_id"`
	AudioURL    string           `json:"audio_url"`
	Title       *string          `json:"title"`
	Status      domain.JobStatus `json:"status"`
	WindowCount int              `json:"window_count"`
	Segments    []domain.Segment `json:"segments"`
	Error       *string          `json:"error"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at"`
	FailedAt    *time.Time       `json:"failed_at"`
}

func (r restJob) toDomain() domain.AdJob {
	job := domain.AdJob{
		ID:          r.ID,
		EpisodeID:   r.EpisodeID,
		AudioURL:    r.AudioURL,
		Status:      r.Status,
		WindowCount: r.WindowCount,
		Segments:    r.Segments,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
		FailedAt:    r.FailedAt,
	}
	if r.Title != nil {
		job.Title = *r.Title
	}
	if r.Error != nil {
		job.Error = *r.Error
	}
	return job
}

func (s *RESTJobReader) GetJob(ctx context.Context, id string) (*domain.AdJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []restJob
	_, err := s.client.From(restJobsTable).
		Select(jobColumns, "", false).
		Eq("id", id).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := rows[0].toDomain()
	return &job, nil
}

// ListJobsByStatus returns jobs with the given status, oldest first.
func (s *RESTJobReader) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.AdJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []restJob
	_, err := s.client.From(restJobsTable).
		Select(jobColumns, "", false).
		Eq("status", string(status)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	jobs := make([]domain.AdJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toDomain())
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// ExistingEpisodeIDs returns which of episodeIDs already have a job that is
// not failed.
func (s *RESTJobReader) ExistingEpisodeIDs(ctx context.Context, episodeIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(episodeIDs) == 0 {
		return existing, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []struct {
		EpisodeID string `json:"episode_id"`
	}
	_, err := s.client.From(restJobsTable).
		Select("episode_id", "", false).
		In("episode_id", episodeIDs).
		Neq("status", string(domain.JobStatusFailed)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query episode ids: %w", err)
	}

	for _, r := range rows {
		if r.EpisodeID != "" {
			existing[r.EpisodeID] = true
		}
	}
	return existing, nil
}

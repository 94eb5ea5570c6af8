package domain

import (
	"errors"
	"time"
)

// JobStatus tracks each pipeline stage of an ad detection job.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusTranscribing JobStatus = "transcribing"
	JobStatusClassifying  JobStatus = "classifying"
	JobStatusComplete     JobStatus = "complete"
	JobStatusFailed       JobStatus = "failed"
)

// IsTerminal reports whether no further stage will run for the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusTranscribing, JobStatusClassifying, JobStatusComplete, JobStatusFailed:
		return true
	default:
		return false
	}
}

// AdJob is the persistent record driving one episode's ad detection run.
//
// It is created once per detection request and mutated in place by the
// stage that currently owns it. Readers only observe it.
type AdJob struct {
	// ID is generated by the store on insert.
	ID string `bson:"_id" json:"id"`

	// EpisodeID identifies the podcast episode the job belongs to.
	EpisodeID string `bson:"episode_id" json:"episodeId"`

	// AudioURL is the location of the episode audio handed to the transcriber.
	AudioURL string `bson:"audio_url" json:"audioUrl"`

	// Title is the episode title, when known.
	Title string `bson:"title,omitempty" json:"title,omitempty"`

	Status JobStatus `bson:"status" json:"status"`

	// WindowCount is the number of window rows persisted by the transcribe stage.
	WindowCount int `bson:"window_count" json:"windowCount"`

	// Segments is only set once the job reaches JobStatusComplete.
	Segments []Segment `bson:"segments,omitempty" json:"segments,omitempty"`

	// Error carries the failure message when Status is JobStatusFailed.
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	FailedAt    *time.Time `bson:"failed_at,omitempty" json:"failedAt,omitempty"`
}

// IsDone reports whether the job reached a terminal state.
func (j *AdJob) IsDone() bool {
	return j.Status.IsTerminal()
}

// AdSegments returns only the segments labelled as advertisements.
func (j *AdJob) AdSegments() []Segment {
	out := make([]Segment, 0, len(j.Segments))
	for _, s := range j.Segments {
		if s.Label == LabelAd {
			out = append(out, s)
		}
	}
	return out
}

// JobPatch is a partial update of an AdJob. Zero-valued fields are left
// untouched by stores, so a patch only ever writes what a stage produced.
type JobPatch struct {
	Status      JobStatus
	WindowCount *int
	Segments    []Segment
	Error       string
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Apply writes the patch onto job. Stores without partial-update support
// use it to keep patch semantics identical across backends.
func (p JobPatch) Apply(job *AdJob, now time.Time) {
	if p.Status != "" {
		job.Status = p.Status
	}
	if p.WindowCount != nil {
		job.WindowCount = *p.WindowCount
	}
	if p.Segments != nil {
		job.Segments = append([]Segment(nil), p.Segments...)
	}
	if p.Error != "" {
		job.Error = p.Error
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		job.CompletedAt = &t
	}
	if p.FailedAt != nil {
		t := *p.FailedAt
		job.FailedAt = &t
	}
	job.UpdatedAt = now
}

// ErrJobNotFound is returned by every job store when no job has the
// requested id.
var ErrJobNotFound = errors.New("ad job not found")

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-ads/pkg/adsegments"
	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/metrics"
)

// Config wires the orchestrator's collaborators and tuning.
type Config struct {
	Repository  Repository
	Transcriber Transcriber
	Classifier  Classifier
	Scheduler   Scheduler
	Logger      *logrus.Logger

	WindowSec float64
	StepSec   float64

	// ClassifyConcurrency bounds in-flight Classify calls per job.
	ClassifyConcurrency int

	// StageTimeout bounds a single stage execution. Zero means no limit.
	StageTimeout time.Duration
}

// Orchestrator runs the ad detection state machine.
type Orchestrator struct {
	repo        Repository
	transcriber Transcriber
	classifier  Classifier
	scheduler   Scheduler
	logger      *logrus.Logger

	windowSec   float64
	stepSec     float64
	concurrency int
	timeout     time.Duration

	now func() time.Time
}

// New validates cfg and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Repository == nil:
		return nil, fmt.Errorf("repository is required")
	case cfg.Transcriber == nil:
		return nil, fmt.Errorf("transcriber is required")
	case cfg.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case cfg.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	}

	windowSec, stepSec := cfg.WindowSec, cfg.StepSec
	if windowSec == 0 && stepSec == 0 {
		windowSec, stepSec = adsegments.DefaultWindowSec, adsegments.DefaultStepSec
	}
	if err := adsegments.ValidateParams(windowSec, stepSec); err != nil {
		return nil, err
	}

	concurrency := cfg.ClassifyConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Orchestrator{
		repo:        cfg.Repository,
		transcriber: cfg.Transcriber,
		classifier:  cfg.Classifier,
		scheduler:   cfg.Scheduler,
		logger:      logger,
		windowSec:   windowSec,
		stepSec:     stepSec,
		concurrency: concurrency,
		timeout:     cfg.StageTimeout,
		now:         time.Now,
	}, nil
}

// Start creates a pending job for the episode and schedules transcription.
// It returns as soon as the job is persisted and the first stage queued.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	req.EpisodeID = strings.TrimSpace(req.EpisodeID)
	req.AudioURL = strings.TrimSpace(req.AudioURL)
	if req.EpisodeID == "" {
		return "", fmt.Errorf("%w: episode id is required", ErrInvalidRequest)
	}
	if req.AudioURL == "" {
		return "", fmt.Errorf("%w: audio url is required", ErrInvalidRequest)
	}

	now := o.now()
	job := &domain.AdJob{
		EpisodeID: req.EpisodeID,
		AudioURL:  req.AudioURL,
		Title:     strings.TrimSpace(req.Title),
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	id, err := o.repo.CreateJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	log := o.logger.WithFields(logrus.Fields{
		"job_id":     id,
		"episode_id": req.EpisodeID,
	})

	if err := o.scheduler.Schedule(ctx, domain.Task{JobID: id, Stage: domain.StageTranscribe}, 0); err != nil {
		err = fmt.Errorf("schedule %s: %w", domain.StageTranscribe, err)
		o.fail(ctx, log, id, err)
		return id, err
	}

	metrics.RecordJobStarted()
	log.WithField("audio_url", req.AudioURL).Info("Ad detection job started")
	return id, nil
}

// Get returns the current state of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.AdJob, error) {
	return o.repo.GetJob(ctx, id)
}

// Wait polls the job every interval until it reaches a terminal state or
// ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string, interval time.Duration) (*domain.AdJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := o.repo.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.IsDone() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleTask runs one stage for one job. It is the handler given to the
// scheduler. Stage failures are recorded on the job and not returned; the
// returned error only signals that the task could not be processed and
// should be delivered again.
func (o *Orchestrator) HandleTask(ctx context.Context, task domain.Task) error {
	if err := task.Validate(); err != nil {
		o.logger.WithError(err).WithField("task", task.String()).Error("Dropping malformed task")
		return nil
	}

	log := o.logger.WithFields(logrus.Fields{
		"job_id": task.JobID,
		"stage":  task.Stage,
	})

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	job, err := o.repo.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			log.Warn("Job not found, dropping task")
			return nil
		}
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}

	if !acceptsStage(job.Status, task.Stage) {
		metrics.RecordStageSkipped(string(task.Stage))
		log.WithField("status", job.Status).Warn("Job is not in a state for this stage, skipping")
		return nil
	}

	done := metrics.ObserveStage(string(task.Stage))
	var stageErr error
	switch task.Stage {
	case domain.StageTranscribe:
		stageErr = o.transcribe(ctx, log, job)
	case domain.StageClassify:
		stageErr = o.classify(ctx, log, job)
	case domain.StageMerge:
		stageErr = o.merge(ctx, log, job)
	}

	if stageErr != nil {
		done("failed")
		o.fail(ctx, log, job.ID, stageErr)
		return nil
	}
	done("ok")
	return nil
}

// fail moves the job to failed unless it is already terminal.
func (o *Orchestrator) fail(ctx context.Context, log *logrus.Entry, jobID string, cause error) {
	log.WithError(cause).Error("Ad detection job failed")

	// The stage context may be the reason for the failure.
	ctx = context.WithoutCancel(ctx)

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		log.WithError(err).Error("Failed to load job to mark it failed")
		return
	}
	if err := checkTransition(job.Status, domain.JobStatusFailed); err != nil {
		log.WithError(err).Warn("Not marking job failed")
		return
	}

	now := o.now()
	patch := domain.JobPatch{
		Status:   domain.JobStatusFailed,
		Error:    cause.Error(),
		FailedAt: &now,
	}
	if err := o.repo.UpdateJob(ctx, jobID, patch); err != nil {
		log.WithError(err).Error("Failed to mark job failed")
		return
	}
	metrics.RecordJobFinished(string(domain.JobStatusFailed))
}

// setStatus moves the job to status after checking the transition table.
func (o *Orchestrator) setStatus(ctx context.Context, job *domain.AdJob, patch domain.JobPatch) error {
	if err := checkTransition(job.Status, patch.Status); err != nil {
		return err
	}
	if err := o.repo.UpdateJob(ctx, job.ID, patch); err != nil {
		return fmt.Errorf("update job to %s: %w", patch.Status, err)
	}
	patch.Apply(job, o.now())
	return nil
}

func (o *Orchestrator) scheduleNext(ctx context.Context, jobID string, stage domain.Stage) error {
	if err := o.scheduler.Schedule(ctx, domain.Task{JobID: jobID, Stage: stage}, 0); err != nil {
		return fmt.Errorf("schedule %s: %w", stage, err)
	}
	return nil
}

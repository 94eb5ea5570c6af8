package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"podcast-ads/pkg/adsegments"
	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/metrics"
)

// transcribe fetches the transcript, windows it and persists the windows.
// Nothing is persisted when the provider fails.
func (o *Orchestrator) transcribe(ctx context.Context, log *logrus.Entry, job *domain.AdJob) error {
	if err := o.setStatus(ctx, job, domain.JobPatch{Status: domain.JobStatusTranscribing}); err != nil {
		return err
	}
	log.WithField("audio_url", job.AudioURL).Info("Transcribing episode")

	segments, err := o.transcriber.Transcribe(ctx, job.AudioURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}
	if len(segments) == 0 {
		return fmt.Errorf("%w: %w", ErrTranscriptionFailed, ErrEmptyTranscript)
	}

	windows, err := adsegments.BuildWindows(segments, o.windowSec, o.stepSec)
	if err != nil {
		return fmt.Errorf("%w: build windows: %w", ErrTranscriptionFailed, err)
	}

	rows := make([]domain.WindowRow, len(windows))
	for i, w := range windows {
		rows[i] = domain.WindowRow{
			JobID: job.ID,
			Index: i,
			Start: w.Start,
			End:   w.End,
			Text:  w.Text,
		}
	}
	if err := o.repo.ReplaceWindows(ctx, job.ID, rows); err != nil {
		return fmt.Errorf("persist windows: %w", err)
	}
	metrics.RecordWindowsBuilt(len(rows))

	count := len(rows)
	if err := o.setStatus(ctx, job, domain.JobPatch{Status: domain.JobStatusClassifying, WindowCount: &count}); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"segments": len(segments),
		"windows":  count,
		"duration": segments[len(segments)-1].End,
	}).Info("Transcript windowed")

	return o.scheduleNext(ctx, job.ID, domain.StageClassify)
}

// classify labels every window row that has no label yet. Rows already
// labelled by an earlier delivery are kept. On failure the rows stay in
// place for inspection.
func (o *Orchestrator) classify(ctx context.Context, log *logrus.Entry, job *domain.AdJob) error {
	rows, err := o.repo.ListWindows(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load windows: %w", err)
	}

	pending := make([]domain.WindowRow, 0, len(rows))
	for _, row := range rows {
		if !row.Classified() {
			pending = append(pending, row)
		}
	}
	log.WithFields(logrus.Fields{
		"windows": len(rows),
		"pending": len(pending),
	}).Info("Classifying windows")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, row := range pending {
		row := row
		g.Go(func() error {
			c, err := o.classifier.Classify(gctx, row.Window())
			if err != nil {
				return fmt.Errorf("%w: window %d: %w", ErrClassificationFailed, row.Index, err)
			}
			c.Label = normaliseLabel(c.Label)

			if err := o.repo.UpdateWindowLabel(gctx, job.ID, row.Index, c); err != nil {
				return fmt.Errorf("persist label for window %d: %w", row.Index, err)
			}
			log.WithFields(logrus.Fields{
				"index":      row.Index,
				"label":      c.Label,
				"confidence": c.Confidence,
			}).Debug("Window classified")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return o.scheduleNext(ctx, job.ID, domain.StageMerge)
}

// merge coalesces the labelled windows into segments and completes the job
// in a single update.
func (o *Orchestrator) merge(ctx context.Context, log *logrus.Entry, job *domain.AdJob) error {
	rows, err := o.repo.ListWindows(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load windows: %w", err)
	}
	if len(rows) != job.WindowCount {
		return fmt.Errorf("%w: expected %d windows, found %d", ErrMergeInconsistency, job.WindowCount, len(rows))
	}

	windows := make([]domain.ClassifiedWindow, len(rows))
	for i, row := range rows {
		if row.Index != i {
			return fmt.Errorf("%w: window index %d at position %d", ErrMergeInconsistency, row.Index, i)
		}
		if !row.Classified() {
			return fmt.Errorf("%w: window %d has no label", ErrMergeInconsistency, row.Index)
		}
		cw := domain.ClassifiedWindow{Window: row.Window(), Label: *row.Label}
		if row.Confidence != nil {
			cw.Confidence = *row.Confidence
		}
		windows[i] = cw
	}

	segments := adsegments.MergeAdWindows(windows)
	if err := adsegments.Validate(segments); err != nil {
		return fmt.Errorf("%w: %w", ErrMergeInconsistency, err)
	}

	now := o.now()
	patch := domain.JobPatch{
		Status:      domain.JobStatusComplete,
		Segments:    segments,
		CompletedAt: &now,
	}
	if err := o.setStatus(ctx, job, patch); err != nil {
		return err
	}

	adSeconds := 0.0
	for _, s := range segments {
		metrics.RecordSegment(string(s.Label), s.Duration())
		if s.Label == domain.LabelAd {
			adSeconds += s.Duration()
		}
	}
	metrics.RecordJobFinished(string(domain.JobStatusComplete))

	log.WithFields(logrus.Fields{
		"segments":   len(segments),
		"ad_seconds": adSeconds,
	}).Info("Ad detection job complete")
	return nil
}

func normaliseLabel(l domain.Label) domain.Label {
	if l == domain.LabelAd || l == domain.LabelNotAd {
		return l
	}
	return domain.ParseLabel(string(l))
}

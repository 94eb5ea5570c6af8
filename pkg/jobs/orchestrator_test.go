package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-ads/pkg/adsegments"
	"podcast-ads/pkg/db"
	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/logger"
)

type fakeTranscriber struct {
	segments []domain.TranscriptSegment
	err      error
	calls    atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioURL string) ([]domain.TranscriptSegment, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.segments, nil
}

type fakeClassifier struct {
	fn       func(w domain.Window) (domain.Classification, error)
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeClassifier) Classify(ctx context.Context, w domain.Window) (domain.Classification, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return f.fn(w)
}

// sponsorClassifier labels windows mentioning "sponsor" as ads.
func sponsorClassifier() *fakeClassifier {
	return &fakeClassifier{fn: func(w domain.Window) (domain.Classification, error) {
		if strings.Contains(w.Text, "sponsor") {
			return domain.Classification{Label: domain.LabelAd, Confidence: 0.9}, nil
		}
		return domain.Classification{Label: domain.LabelNotAd, Confidence: 0.8}, nil
	}}
}

// queueScheduler records tasks; drain runs them in order on the caller's goroutine.
type queueScheduler struct {
	mu    sync.Mutex
	tasks []domain.Task
	err   error
}

func (q *queueScheduler) Schedule(ctx context.Context, task domain.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queueScheduler) next() (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return domain.Task{}, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

func (q *queueScheduler) step(t *testing.T, o *Orchestrator) domain.Task {
	t.Helper()
	task, ok := q.next()
	require.True(t, ok, "no task queued")
	require.NoError(t, o.HandleTask(context.Background(), task))
	return task
}

func (q *queueScheduler) drain(t *testing.T, o *Orchestrator) {
	t.Helper()
	for {
		task, ok := q.next()
		if !ok {
			return
		}
		require.NoError(t, o.HandleTask(context.Background(), task))
	}
}

type harness struct {
	orch        *Orchestrator
	repo        *db.MemoryStore
	sched       *queueScheduler
	transcriber *fakeTranscriber
	classifier  *fakeClassifier
}

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, segments []domain.TranscriptSegment, classifier *fakeClassifier) *harness {
	t.Helper()
	h := &harness{
		repo:        db.NewMemoryStore(),
		sched:       &queueScheduler{},
		transcriber: &fakeTranscriber{segments: segments},
		classifier:  classifier,
	}

	orch, err := New(Config{
		Repository:          h.repo,
		Transcriber:         h.transcriber,
		Classifier:          h.classifier,
		Scheduler:           h.sched,
		Logger:              logger.Discard(),
		WindowSec:           15,
		StepSec:             7.5,
		ClassifyConcurrency: 4,
		StageTimeout:        time.Minute,
	})
	require.NoError(t, err)
	orch.now = func() time.Time { return fixedNow }
	h.orch = orch
	return h
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	id, err := h.orch.Start(context.Background(), StartRequest{
		EpisodeID: "ep-42",
		AudioURL:  "https://cdn.example.com/ep42.mp3",
		Title:     "Episode 42",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) job(t *testing.T, id string) *domain.AdJob {
	t.Helper()
	job, err := h.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func threeSegmentTranscript() []domain.TranscriptSegment {
	return []domain.TranscriptSegment{
		{Start: 0, End: 5, Text: "this episode"},
		{Start: 5, End: 10, Text: "is brought to you"},
		{Start: 10, End: 20, Text: "by our sponsor"},
	}
}

func TestOrchestrator_StateProgression(t *testing.T) {
	classifier := &fakeClassifier{fn: func(w domain.Window) (domain.Classification, error) {
		if w.Start == 0 {
			return domain.Classification{Label: domain.LabelAd, Confidence: 0.95}, nil
		}
		return domain.Classification{Label: domain.LabelNotAd, Confidence: 0.6}, nil
	}}
	h := newHarness(t, threeSegmentTranscript(), classifier)

	id := h.start(t)
	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, fixedNow, job.CreatedAt)
	assert.Equal(t, "ep-42", job.EpisodeID)

	task := h.sched.step(t, h.orch)
	assert.Equal(t, domain.StageTranscribe, task.Stage)
	job = h.job(t, id)
	assert.Equal(t, domain.JobStatusClassifying, job.Status)
	assert.Equal(t, 2, job.WindowCount)

	rows, err := h.repo.ListWindows(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "this episode is brought to you by our sponsor", rows[0].Text)
	assert.Equal(t, 7.5, rows[1].Start)
	assert.Equal(t, 20.0, rows[1].End)

	task = h.sched.step(t, h.orch)
	assert.Equal(t, domain.StageClassify, task.Stage)
	job = h.job(t, id)
	assert.Equal(t, domain.JobStatusClassifying, job.Status)
	assert.Nil(t, job.Segments)

	task = h.sched.step(t, h.orch)
	assert.Equal(t, domain.StageMerge, task.Stage)
	job = h.job(t, id)
	assert.Equal(t, domain.JobStatusComplete, job.Status)
	assert.Equal(t, []domain.Segment{
		{Start: 0, End: 15, Label: domain.LabelAd},
		{Start: 15, End: 20, Label: domain.LabelNotAd},
	}, job.Segments)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, fixedNow, *job.CompletedAt)
	assert.Empty(t, job.Error)
	assert.Nil(t, job.FailedAt)

	_, ok := h.sched.next()
	assert.False(t, ok, "no stage should follow merge")
}

func TestOrchestrator_LongEpisode(t *testing.T) {
	segments := make([]domain.TranscriptSegment, 0, 120)
	for i := 0; i < 120; i++ {
		text := "regular talk"
		if i >= 40 && i < 52 {
			text = "a word from our sponsor"
		}
		segments = append(segments, domain.TranscriptSegment{Start: float64(i) * 5, End: float64(i+1) * 5, Text: text})
	}

	h := newHarness(t, segments, sponsorClassifier())
	id := h.start(t)
	h.sched.drain(t, h.orch)

	job := h.job(t, id)
	require.Equal(t, domain.JobStatusComplete, job.Status)
	require.NoError(t, adsegments.Validate(job.Segments))
	assert.Equal(t, 0.0, job.Segments[0].Start)
	assert.Equal(t, 600.0, job.Segments[len(job.Segments)-1].End)

	ads := job.AdSegments()
	require.Len(t, ads, 1)
	assert.LessOrEqual(t, ads[0].Start, 200.0)
	assert.GreaterOrEqual(t, ads[0].End, 260.0)

	assert.LessOrEqual(t, h.classifier.maxSeen.Load(), int32(4))
	assert.Equal(t, int32(job.WindowCount), h.classifier.calls.Load())
}

func TestOrchestrator_TranscriptionFailure(t *testing.T) {
	h := newHarness(t, nil, sponsorClassifier())
	h.transcriber.err = errors.New("provider returned 503")

	id := h.start(t)
	h.sched.drain(t, h.orch)

	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, ErrTranscriptionFailed.Error())
	assert.Contains(t, job.Error, "503")
	assert.Nil(t, job.Segments)
	require.NotNil(t, job.FailedAt)

	rows, err := h.repo.ListWindows(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int32(0), h.classifier.calls.Load())
}

func TestOrchestrator_StageErrorsKeepProviderCause(t *testing.T) {
	errProvider := errors.New("provider returned 503")
	errModel := errors.New("model timeout")
	classifier := &fakeClassifier{fn: func(w domain.Window) (domain.Classification, error) {
		return domain.Classification{}, errModel
	}}
	h := newHarness(t, threeSegmentTranscript(), classifier)
	ctx := context.Background()
	log := logrus.NewEntry(logger.Discard())

	h.transcriber.err = errProvider
	job := h.job(t, h.start(t))
	err := h.orch.transcribe(ctx, log, job)
	assert.ErrorIs(t, err, ErrTranscriptionFailed)
	assert.ErrorIs(t, err, errProvider)

	h.transcriber.err = nil
	job = h.job(t, h.start(t))
	require.NoError(t, h.orch.transcribe(ctx, log, job))
	err = h.orch.classify(ctx, log, h.job(t, job.ID))
	assert.ErrorIs(t, err, ErrClassificationFailed)
	assert.ErrorIs(t, err, errModel)
}

func TestOrchestrator_EmptyTranscriptFails(t *testing.T) {
	h := newHarness(t, []domain.TranscriptSegment{}, sponsorClassifier())

	id := h.start(t)
	h.sched.drain(t, h.orch)

	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, ErrEmptyTranscript.Error())
}

func TestOrchestrator_ClassificationFailureKeepsWindows(t *testing.T) {
	classifier := &fakeClassifier{fn: func(w domain.Window) (domain.Classification, error) {
		if w.Start > 0 {
			return domain.Classification{}, errors.New("model timeout")
		}
		return domain.Classification{Label: domain.LabelNotAd}, nil
	}}
	h := newHarness(t, threeSegmentTranscript(), classifier)

	id := h.start(t)
	h.sched.drain(t, h.orch)

	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, ErrClassificationFailed.Error())
	assert.Nil(t, job.Segments)

	rows, err := h.repo.ListWindows(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestOrchestrator_MergeRejectsUnlabelledWindows(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())

	id := h.start(t)
	h.sched.step(t, h.orch) // transcribe
	_, ok := h.sched.next() // drop the classify task
	require.True(t, ok)

	require.NoError(t, h.orch.HandleTask(context.Background(), domain.Task{JobID: id, Stage: domain.StageMerge}))

	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, ErrMergeInconsistency.Error())
	assert.Nil(t, job.Segments)
}

func TestOrchestrator_MergeRejectsMissingWindows(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())

	id := h.start(t)
	h.sched.step(t, h.orch) // transcribe
	h.sched.step(t, h.orch) // classify

	rows, err := h.repo.ListWindows(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, h.repo.ReplaceWindows(context.Background(), id, rows[:1]))

	h.sched.drain(t, h.orch)

	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "expected 2 windows, found 1")
}

func TestOrchestrator_RedeliveredStagesAreSkipped(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())

	id := h.start(t)
	h.sched.drain(t, h.orch)
	completed := h.job(t, id)
	require.Equal(t, domain.JobStatusComplete, completed.Status)

	for _, stage := range []domain.Stage{domain.StageTranscribe, domain.StageClassify, domain.StageMerge} {
		require.NoError(t, h.orch.HandleTask(context.Background(), domain.Task{JobID: id, Stage: stage}))
	}

	assert.Equal(t, completed, h.job(t, id))
	assert.Equal(t, int32(1), h.transcriber.calls.Load())
	assert.Equal(t, int32(2), h.classifier.calls.Load())
	_, ok := h.sched.next()
	assert.False(t, ok)
}

func TestOrchestrator_DuplicateClassifyOnlyLabelsPendingWindows(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())

	id := h.start(t)
	h.sched.step(t, h.orch) // transcribe
	h.sched.step(t, h.orch) // classify
	require.Equal(t, int32(2), h.classifier.calls.Load())

	// At-least-once delivery hands classify over again before merge runs.
	require.NoError(t, h.orch.HandleTask(context.Background(), domain.Task{JobID: id, Stage: domain.StageClassify}))
	assert.Equal(t, int32(2), h.classifier.calls.Load())

	h.sched.drain(t, h.orch)
	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusComplete, job.Status)
}

func TestOrchestrator_RedeliveredTranscribeWhileTranscribing(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())
	id := h.start(t)

	// A worker crashed after moving the job to transcribing.
	require.NoError(t, h.repo.UpdateJob(context.Background(), id, domain.JobPatch{Status: domain.JobStatusTranscribing}))

	h.sched.drain(t, h.orch)
	assert.Equal(t, domain.JobStatusComplete, h.job(t, id).Status)
}

func TestOrchestrator_NormalisesClassifierLabels(t *testing.T) {
	classifier := &fakeClassifier{fn: func(w domain.Window) (domain.Classification, error) {
		return domain.Classification{Label: "Sponsored", Confidence: 0.7}, nil
	}}
	h := newHarness(t, threeSegmentTranscript(), classifier)

	id := h.start(t)
	h.sched.drain(t, h.orch)

	job := h.job(t, id)
	require.Equal(t, domain.JobStatusComplete, job.Status)
	assert.Equal(t, []domain.Segment{{Start: 0, End: 20, Label: domain.LabelAd}}, job.Segments)
}

func TestOrchestrator_StartValidation(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())

	_, err := h.orch.Start(context.Background(), StartRequest{AudioURL: "https://x/a.mp3"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.orch.Start(context.Background(), StartRequest{EpisodeID: "ep", AudioURL: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, ok := h.sched.next()
	assert.False(t, ok)
}

func TestOrchestrator_StartScheduleFailureFailsJob(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())
	h.sched.err = errors.New("broker unavailable")

	id, err := h.orch.Start(context.Background(), StartRequest{EpisodeID: "ep", AudioURL: "https://x/a.mp3"})
	require.Error(t, err)
	require.NotEmpty(t, id)

	job := h.job(t, id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "broker unavailable")
}

func TestOrchestrator_UnknownJobAndMalformedTasksAreDropped(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())

	assert.NoError(t, h.orch.HandleTask(context.Background(), domain.Task{JobID: "missing", Stage: domain.StageClassify}))
	assert.NoError(t, h.orch.HandleTask(context.Background(), domain.Task{JobID: "x", Stage: "publish"}))
	assert.Equal(t, int32(0), h.transcriber.calls.Load())
}

func TestOrchestrator_Wait(t *testing.T) {
	h := newHarness(t, threeSegmentTranscript(), sponsorClassifier())
	id := h.start(t)

	go func() {
		for {
			task, ok := h.sched.next()
			if !ok {
				return
			}
			_ = h.orch.HandleTask(context.Background(), task)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.orch.Wait(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, job.IsDone())
}

func TestNew_Validation(t *testing.T) {
	base := Config{
		Repository:  db.NewMemoryStore(),
		Transcriber: &fakeTranscriber{},
		Classifier:  sponsorClassifier(),
		Scheduler:   &queueScheduler{},
	}

	orch, err := New(base)
	require.NoError(t, err)
	assert.Equal(t, adsegments.DefaultWindowSec, orch.windowSec)
	assert.Equal(t, adsegments.DefaultStepSec, orch.stepSec)

	bad := base
	bad.WindowSec, bad.StepSec = 10, 20
	_, err = New(bad)
	assert.ErrorIs(t, err, adsegments.ErrInvalidWindowParameters)

	bad = base
	bad.Scheduler = nil
	_, err = New(bad)
	assert.Error(t, err)
}

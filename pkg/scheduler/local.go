package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/metrics"
)

const localBackend = "local"

// LocalConfig tunes a LocalScheduler.
type LocalConfig struct {
	// Workers is the number of goroutines running tasks.
	Workers int
	// QueueSize bounds tasks waiting for a worker.
	QueueSize int
	// MaxAttempts bounds deliveries of a task whose handler keeps failing.
	MaxAttempts int
	// RetryDelay is the wait before redelivering a failed task.
	RetryDelay time.Duration
}

type envelope struct {
	task    domain.Task
	attempt int
}

// LocalScheduler runs tasks on an in-process worker pool. Tasks live only
// in memory, so it suits single-process runs.
type LocalScheduler struct {
	cfg    LocalConfig
	logger *logrus.Logger

	queue chan envelope
	done  chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	timers  map[*time.Timer]struct{}

	// overflow holds tasks that found the queue full, in FIFO order. The
	// dispatcher moves them to the queue so a worker scheduling a follow-up
	// stage never waits on the other workers.
	overflow []envelope
	wake     chan struct{}

	// pending counts tasks queued, delayed or running.
	pending atomic.Int64

	workers sync.WaitGroup
}

// NewLocalScheduler creates an unstarted scheduler.
func NewLocalScheduler(cfg LocalConfig, logger *logrus.Logger) *LocalScheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &LocalScheduler{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan envelope, cfg.QueueSize),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (s *LocalScheduler) Start(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return fmt.Errorf("local scheduler already started")
	}
	s.started = true

	s.workers.Add(1)
	go s.dispatch(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.work(ctx, i, handler)
	}
	s.logger.WithField("workers", s.cfg.Workers).Info("Local scheduler started")
	return nil
}

// Schedule enqueues task, after delay if positive.
func (s *LocalScheduler) Schedule(ctx context.Context, task domain.Task, delay time.Duration) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.enqueue(envelope{task: task, attempt: 1}, delay); err != nil {
		return err
	}
	metrics.RecordTaskScheduled(localBackend, string(task.Stage))
	return nil
}

func (s *LocalScheduler) enqueue(env envelope, delay time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.pending.Add(1)

	if delay > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				s.pending.Add(-1)
				return
			}
			delete(s.timers, timer)
			s.pushLocked(env)
			s.mu.Unlock()
		})
		s.timers[timer] = struct{}{}
		s.mu.Unlock()
		return nil
	}
	s.pushLocked(env)
	s.mu.Unlock()
	return nil
}

// pushLocked hands env to the queue, or to the overflow list when the queue
// is full or older tasks are already waiting there. It never blocks. The
// caller holds s.mu and has already counted env as pending.
func (s *LocalScheduler) pushLocked(env envelope) {
	if len(s.overflow) == 0 {
		select {
		case s.queue <- env:
			return
		default:
		}
	}
	s.overflow = append(s.overflow, env)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch moves overflowed tasks to the queue as workers free up space.
func (s *LocalScheduler) dispatch(ctx context.Context) {
	defer s.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.overflow) == 0 {
				s.mu.Unlock()
				break
			}
			head := s.overflow[0]
			s.mu.Unlock()

			// The head stays in the list while it is being sent so later
			// pushes keep queueing behind it.
			select {
			case s.queue <- head:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}

			s.mu.Lock()
			s.overflow[0] = envelope{}
			s.overflow = s.overflow[1:]
			s.mu.Unlock()
		}
	}
}

func (s *LocalScheduler) work(ctx context.Context, workerID int, handler Handler) {
	defer s.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case env := <-s.queue:
			s.handle(ctx, workerID, handler, env)
		}
	}
}

func (s *LocalScheduler) handle(ctx context.Context, workerID int, handler Handler, env envelope) {
	defer s.pending.Add(-1)

	log := s.logger.WithFields(logrus.Fields{
		"worker":  workerID,
		"job_id":  env.task.JobID,
		"stage":   env.task.Stage,
		"attempt": env.attempt,
	})

	err := handler(ctx, env.task)
	if err == nil {
		metrics.RecordTaskHandled(localBackend, string(env.task.Stage), "ok")
		return
	}

	if env.attempt >= s.cfg.MaxAttempts {
		metrics.RecordTaskHandled(localBackend, string(env.task.Stage), "dropped")
		log.WithError(err).Error("Task failed, giving up")
		return
	}

	metrics.RecordTaskHandled(localBackend, string(env.task.Stage), "retry")
	log.WithError(err).Warn("Task failed, retrying")
	if rerr := s.enqueue(envelope{task: env.task, attempt: env.attempt + 1}, s.cfg.RetryDelay); rerr != nil {
		log.WithError(rerr).Error("Failed to requeue task")
	}
}

// Idle blocks until no task is queued, delayed or running, or ctx is done.
func (s *LocalScheduler) Idle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop cancels pending delayed tasks and waits for the workers to exit.
// Tasks still queued or overflowed are dropped.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for timer := range s.timers {
		if timer.Stop() {
			s.pending.Add(-1)
		}
	}
	s.timers = nil
	s.pending.Add(-int64(len(s.overflow)))
	s.overflow = nil
	close(s.done)
	s.mu.Unlock()

	s.workers.Wait()
	s.logger.Info("Local scheduler stopped")
}

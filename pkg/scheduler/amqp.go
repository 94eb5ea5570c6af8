package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/metrics"
)

const amqpBackend = "amqp"

// AMQPConfig holds AMQP scheduler configuration.
type AMQPConfig struct {
	URL       string
	QueueName string
	// Prefetch bounds unacknowledged deliveries per consumer, which is the
	// number of tasks this process runs at once.
	Prefetch int
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration
}

// AMQPScheduler publishes stage tasks to a durable queue and consumes them.
//
// Delayed tasks go to a companion "<queue>.delay" queue with a per-message
// TTL; the broker dead-letters them into the main queue once they expire.
// Deliveries are acknowledged after the handler returns, so a crashed
// worker's task is redelivered.
type AMQPScheduler struct {
	cfg    AMQPConfig
	logger *logrus.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex

	consumers sync.WaitGroup
}

// NewAMQPScheduler creates an unconnected scheduler.
func NewAMQPScheduler(cfg AMQPConfig, logger *logrus.Logger) *AMQPScheduler {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AMQPScheduler{cfg: cfg, logger: logger}
}

func delayQueueName(queue string) string {
	return queue + ".delay"
}

// Connect dials the broker and declares the work and delay queues.
func (s *AMQPScheduler) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}
	if s.cfg.URL == "" || s.cfg.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(s.cfg.DialTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		s.cfg.QueueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", s.cfg.QueueName, err)
	}

	if _, err := channel.QueueDeclare(
		delayQueueName(s.cfg.QueueName),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": s.cfg.QueueName,
		},
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare delay queue: %w", err)
	}

	if err := channel.Qos(s.cfg.Prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	s.conn = conn
	s.channel = channel
	s.logger.WithFields(logrus.Fields{
		"queue":    s.cfg.QueueName,
		"prefetch": s.cfg.Prefetch,
	}).Info("Connected to AMQP server")
	return nil
}

// Schedule publishes task as a persistent message.
func (s *AMQPScheduler) Schedule(ctx context.Context, task domain.Task, delay time.Duration) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, routingKey, err := buildPublishing(task, delay, s.cfg.QueueName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return ErrNotStarted
	}

	if err := s.channel.Publish("", routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish task %s: %w", task, err)
	}
	metrics.RecordTaskScheduled(amqpBackend, string(task.Stage))
	return nil
}

// buildPublishing encodes task and picks the queue it is routed to.
func buildPublishing(task domain.Task, delay time.Duration, queue string) (amqp.Publishing, string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("encode task: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         string(task.Stage),
		Body:         body,
	}
	if delay <= 0 {
		return msg, queue, nil
	}

	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	msg.Expiration = strconv.FormatInt(ms, 10)
	return msg, delayQueueName(queue), nil
}

func decodeTask(body []byte) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if err := task.Validate(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Start consumes the work queue with workers goroutines until ctx is done
// or the channel closes.
func (s *AMQPScheduler) Start(ctx context.Context, workers int, handler Handler) error {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()
	if channel == nil {
		return ErrNotStarted
	}
	if workers <= 0 {
		workers = 1
	}

	deliveries, err := channel.Consume(
		s.cfg.QueueName,
		"",    // Consumer tag
		false, // Auto-ack
		false, // Exclusive
		false, // No-local
		false, // No-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", s.cfg.QueueName, err)
	}

	for i := 0; i < workers; i++ {
		s.consumers.Add(1)
		go func(workerID int) {
			defer s.consumers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						s.logger.WithField("worker", workerID).Warn("AMQP delivery channel closed")
						return
					}
					s.handleDelivery(ctx, workerID, handler, d)
				}
			}
		}(i)
	}

	s.logger.WithFields(logrus.Fields{
		"queue":   s.cfg.QueueName,
		"workers": workers,
	}).Info("Consuming stage tasks")
	return nil
}

func (s *AMQPScheduler) handleDelivery(ctx context.Context, workerID int, handler Handler, d amqp.Delivery) {
	task, err := decodeTask(d.Body)
	if err != nil {
		s.logger.WithError(err).WithField("worker", workerID).Error("Rejecting malformed task message")
		_ = d.Reject(false)
		metrics.RecordTaskHandled(amqpBackend, "unknown", "rejected")
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"worker":      workerID,
		"job_id":      task.JobID,
		"stage":       task.Stage,
		"redelivered": d.Redelivered,
	})

	if err := handler(ctx, task); err != nil {
		// Requeue once; a second failure drops the task so a poison message
		// cannot loop forever.
		requeue := !d.Redelivered
		log.WithError(err).WithField("requeue", requeue).Warn("Task failed")
		_ = d.Nack(false, requeue)
		metrics.RecordTaskHandled(amqpBackend, string(task.Stage), "nack")
		return
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("Failed to ack task")
	}
	metrics.RecordTaskHandled(amqpBackend, string(task.Stage), "ok")
}

// Close closes the channel and connection and waits for consumers.
func (s *AMQPScheduler) Close() error {
	s.mu.Lock()
	var firstErr error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			firstErr = err
		}
		s.channel = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.conn = nil
	}
	s.mu.Unlock()

	s.consumers.Wait()
	return firstErr
}

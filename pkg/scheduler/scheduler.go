// Package scheduler delivers pipeline stage tasks to a handler, either
// through an in-process worker pool or through an AMQP queue.
package scheduler

import (
	"context"
	"errors"

	"podcast-ads/pkg/domain"
)

// Handler processes one task. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, task domain.Task) error

// ErrStopped is returned by Schedule after the scheduler has been stopped.
var ErrStopped = errors.New("scheduler stopped")

// ErrNotStarted is returned when a scheduler needs Start before use.
var ErrNotStarted = errors.New("scheduler not started")

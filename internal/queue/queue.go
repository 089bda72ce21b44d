// Package queue holds send tasks until they are due and hands each one to
// exactly one worker at a time.
//
// Two retry paths meet here and are kept apart: Requeue is a business
// reschedule (quota deferral) and never touches Attempts, while Nack is an
// infrastructure failure and spends one unit of the retry budget.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"PulseDispatch/internal/models"
)

var (
	ErrNotInFlight = errors.New("queue: entry is not in flight")
)

// Entry wraps a task with the queue's own bookkeeping. Attempts counts
// infrastructure failures only; the task's AttemptCount is domain history.
type Entry struct {
	Task      models.EmailTask `json:"task"`
	Attempts  int              `json:"attempts"`
	DueAt     time.Time        `json:"due_at"`
	LastError string           `json:"last_error,omitempty"`
}

type Outcome int

const (
	Retried Outcome = iota + 1
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Retried:
		return "retried"
	case DeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

type Queue interface {
	// Enqueue adds task with the given visibility delay. It reports false and
	// does nothing when an entry with the same task id is queued or in flight.
	Enqueue(ctx context.Context, task models.EmailTask, delay time.Duration) (bool, error)
	// DequeueDue blocks until an entry is due, marks it in flight and returns
	// it, or returns the context error.
	DequeueDue(ctx context.Context) (Entry, error)
	// Requeue makes an in-flight entry visible again after delay without
	// spending retry budget.
	Requeue(ctx context.Context, e Entry, delay time.Duration) error
	Ack(ctx context.Context, e Entry) error
	// Nack records a processing failure and either schedules a retry with
	// backoff or moves the entry to the dead-letter set.
	Nack(ctx context.Context, e Entry, cause error) (Outcome, error)
	Len(ctx context.Context) (int, error)
	Dead(ctx context.Context) ([]Entry, error)
	Policy() RetryPolicy
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// Exhausted reports whether the given number of failures uses up the budget.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

// Delay returns the wait after the n-th failure: BaseDelay * 2^(n-1).
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

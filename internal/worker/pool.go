package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/models"
	"PulseDispatch/internal/queue"
	"PulseDispatch/internal/quota"
	"PulseDispatch/internal/taskstate"
)

type Store interface {
	GetTaskStatus(ctx context.Context, id string) (models.TaskState, error)
	UpdateTaskStatus(ctx context.Context, u models.StatusUpdate) error
}

type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

type QuotaChecker interface {
	TryConsume(ctx context.Context, senderID string, limit int) (quota.Decision, error)
}

type Pool struct {
	Queue     queue.Queue
	Store     Store
	Quota     QuotaChecker
	Transport Transport
	Throttle  *rate.Limiter
	Log       *zap.Logger

	Workers          int
	ThrottleFallback time.Duration
	Now              func() time.Time
}

// NewThrottle admits one task start per interval across every worker that
// shares the limiter.
func NewThrottle(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}

func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.Log.With(zap.Int("worker_id", id))
	log.Info("worker started")

	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = 500 * time.Millisecond
	pause.MaxInterval = 30 * time.Second
	pause.MaxElapsedTime = 0
	pause.Reset()

	for {
		entry, err := p.Queue.DequeueDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker shutting down")
				return
			}
			metrics.WorkerErrors.WithLabelValues("queue").Inc()
			log.Error("dequeue failed", zap.Error(err))
			if !sleep(ctx, pause.NextBackOff()) {
				return
			}
			continue
		}

		// ----------------------------
		// Global Throttle
		// ----------------------------
		if p.Throttle != nil {
			if err := p.Throttle.Wait(ctx); err != nil {
				log.Warn("rate limiter stopped by context",
					zap.String("task_id", entry.Task.ID),
					zap.Error(err),
				)
				p.release(entry, log)
				return
			}
		}

		// a started task runs to completion; shutdown takes effect between tasks
		err = p.Process(context.WithoutCancel(ctx), entry)
		if errors.Is(err, models.ErrStoreUnavailable) || errors.Is(err, models.ErrQueue) {
			if !sleep(ctx, pause.NextBackOff()) {
				return
			}
			continue
		}
		pause.Reset()
	}
}

// Process drives one dequeued entry through the send protocol: idempotency
// guard, quota check, send. Every outcome ends in exactly one of ack,
// requeue or nack. The returned error is informational; the queue already
// holds the retry.
func (p *Pool) Process(ctx context.Context, e queue.Entry) error {
	t := e.Task
	log := p.Log.With(
		zap.String("task_id", t.ID),
		zap.String("campaign_id", t.CampaignID),
		zap.String("sender_id", t.SenderID),
	)

	// ----------------------------
	// Idempotency Guard
	// ----------------------------
	cur, err := p.Store.GetTaskStatus(ctx, t.ID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("task has no persisted record, dropping")
		p.ack(ctx, e, log)
		return nil
	}
	if err != nil {
		return p.fail(ctx, e, nil, "store", err, log)
	}
	if taskstate.IsTerminal(cur) {
		log.Info("task already final, skipping", zap.String("status", string(cur.Status)))
		p.ack(ctx, e, log)
		return nil
	}
	t.AttemptCount = cur.AttemptCount

	if taskstate.NeedsReentry(cur) {
		if err := p.transition(ctx, &cur, t, models.StatusPending, nil, ""); err != nil {
			return p.fail(ctx, e, nil, "store", err, log)
		}
	}

	// ----------------------------
	// Quota Check
	// ----------------------------
	decision, err := p.Quota.TryConsume(ctx, t.SenderID, t.HourlyLimit)
	if err != nil {
		err = fmt.Errorf("%w: quota: %w", models.ErrStoreUnavailable, err)
		return p.fail(ctx, e, &cur, "store", err, log)
	}
	if !decision.Allowed {
		delay := decision.RetryAfter
		if delay <= 0 {
			delay = p.fallback()
		}
		if err := p.transition(ctx, &cur, t, models.StatusThrottled, nil, ""); err != nil {
			return p.fail(ctx, e, nil, "store", err, log)
		}
		if err := p.Queue.Requeue(ctx, e, delay); err != nil {
			metrics.WorkerErrors.WithLabelValues("queue").Inc()
			log.Error("failed to requeue throttled task", zap.Error(err))
			return fmt.Errorf("requeue: %w", err)
		}

		metrics.EmailsThrottled.Inc()
		log.Info("sender quota exhausted, task deferred",
			zap.Int64("usage", decision.Usage),
			zap.Duration("delay", delay),
		)
		return nil
	}

	// ----------------------------
	// Send Email
	// ----------------------------
	t.AttemptCount++
	e.Task = t

	if err := p.Transport.Send(ctx, t.Recipient, t.Subject, t.Body); err != nil {
		metrics.EmailFailures.Inc()
		log.Error("email send failed",
			zap.String("to", t.Recipient),
			zap.Int("attempt", e.Attempts+1),
			zap.Error(err),
		)

		final := taskstate.Exhausted(e.Attempts+1, p.Queue.Policy().MaxAttempts)
		if werr := p.transitionFailed(ctx, &cur, t, final, err); werr != nil {
			metrics.WorkerErrors.WithLabelValues("store").Inc()
			log.Error("failed to update failure status", zap.Error(werr))
		}
		p.nack(ctx, e, err, log)
		return err
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	sentAt := p.now()
	if err := p.transition(ctx, &cur, t, models.StatusSent, &sentAt, ""); err != nil {
		// The message is out but unrecorded. Redelivery will send it again;
		// the transport is not idempotent.
		log.Error("failed to update sent status", zap.Error(err))
		return p.fail(ctx, e, nil, "store", err, log)
	}
	p.ack(ctx, e, log)

	log.Info("email sent successfully",
		zap.String("to", t.Recipient),
		zap.Int("attempt_count", t.AttemptCount),
	)
	metrics.EmailsSent.Inc()
	return nil
}

func (p *Pool) transition(ctx context.Context, cur *models.TaskState, t models.EmailTask, to models.EmailStatus, sentAt *time.Time, lastErr string) error {
	if err := taskstate.Transition(*cur, to); err != nil {
		return err
	}
	u := models.StatusUpdate{
		ID:           t.ID,
		Status:       to,
		SentAt:       sentAt,
		AttemptCount: t.AttemptCount,
		LastError:    lastErr,
	}
	if err := p.Store.UpdateTaskStatus(ctx, u); err != nil {
		return err
	}
	cur.Status = to
	cur.AttemptCount = t.AttemptCount
	return nil
}

func (p *Pool) transitionFailed(ctx context.Context, cur *models.TaskState, t models.EmailTask, final bool, cause error) error {
	if err := taskstate.Transition(*cur, models.StatusFailed); err != nil {
		return err
	}
	u := models.StatusUpdate{
		ID:           t.ID,
		Status:       models.StatusFailed,
		AttemptCount: t.AttemptCount,
		Terminal:     final,
		LastError:    cause.Error(),
	}
	if err := p.Store.UpdateTaskStatus(ctx, u); err != nil {
		return err
	}
	cur.Status = models.StatusFailed
	cur.Terminal = final
	return nil
}

// fail hands an infrastructure error to the queue retry path. When cur is
// known and this failure spends the last attempt, the terminal FAILED status
// is recorded first.
func (p *Pool) fail(ctx context.Context, e queue.Entry, cur *models.TaskState, kind string, cause error, log *zap.Logger) error {
	metrics.WorkerErrors.WithLabelValues(kind).Inc()
	log.Error("task attempt aborted",
		zap.String("kind", kind),
		zap.Int("attempt", e.Attempts+1),
		zap.Error(cause),
	)

	if cur != nil {
		// the persisted count is authoritative over the queue's copy
		e.Task.AttemptCount = cur.AttemptCount

		if taskstate.Exhausted(e.Attempts+1, p.Queue.Policy().MaxAttempts) {
			if err := p.transitionFailed(ctx, cur, e.Task, true, cause); err != nil {
				log.Error("failed to record terminal failure", zap.Error(err))
			}
		}
	}
	p.nack(ctx, e, cause, log)
	return cause
}

func (p *Pool) nack(ctx context.Context, e queue.Entry, cause error, log *zap.Logger) {
	outcome, err := p.Queue.Nack(ctx, e, cause)
	if err != nil {
		metrics.WorkerErrors.WithLabelValues("queue").Inc()
		log.Error("nack failed", zap.Error(err))
		return
	}

	attempt := e.Attempts + 1
	switch outcome {
	case queue.Retried:
		metrics.EmailRetries.Inc()
		log.Warn("retry scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", p.Queue.Policy().Delay(attempt)),
		)
	case queue.DeadLettered:
		metrics.EmailsDeadLettered.Inc()
		log.Error("retry budget exhausted, task dead-lettered", zap.Int("attempt", attempt))
	}
}

func (p *Pool) ack(ctx context.Context, e queue.Entry, log *zap.Logger) {
	if err := p.Queue.Ack(ctx, e); err != nil {
		metrics.WorkerErrors.WithLabelValues("queue").Inc()
		log.Error("ack failed", zap.Error(err))
	}
}

// release hands a claimed but unstarted entry back to the queue.
func (p *Pool) release(e queue.Entry, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Queue.Requeue(ctx, e, 0); err != nil {
		metrics.WorkerErrors.WithLabelValues("queue").Inc()
		log.Error("failed to release task", zap.String("task_id", e.Task.ID), zap.Error(err))
	}
}

func (p *Pool) fallback() time.Duration {
	if p.ThrottleFallback > 0 {
		return p.ThrottleFallback
	}
	return time.Minute
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

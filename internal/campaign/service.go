// Package campaign accepts scheduling requests, persists the planned tasks and
// hands them to the queue. It also serves the read side used by the API.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/models"
	"PulseDispatch/internal/planner"
	"PulseDispatch/internal/queue"
)

type Store interface {
	CreateCampaign(ctx context.Context, c models.Campaign) error
	CreateTasks(ctx context.Context, tasks []models.EmailTask) error
	GetTask(ctx context.Context, id string) (models.EmailTask, error)
	CampaignStats(ctx context.Context, campaignID string) (models.StatusCounts, error)
	SenderStats(ctx context.Context, senderID string) (models.SenderStats, error)
	ListSenderTasks(ctx context.Context, senderID string, limit int) ([]models.EmailTask, error)
	ListUnfinished(ctx context.Context) ([]models.EmailTask, error)
}

type Service struct {
	Store Store
	Queue queue.Queue
	Log   *zap.Logger

	DefaultHourlyLimit int
	Now                func() time.Time
	NewID              func(prefix string) string
}

func NewService(store Store, q queue.Queue, log *zap.Logger, defaultLimit int) *Service {
	return &Service{
		Store:              store,
		Queue:              q,
		Log:                log,
		DefaultHourlyLimit: defaultLimit,
		Now:                time.Now,
		NewID:              NewID,
	}
}

// NewID returns a lexically sortable id such as cmp_01J9Z3....
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

func (s *Service) Schedule(ctx context.Context, req models.ScheduleRequest) (models.ScheduleResult, error) {
	now := s.Now()

	limit := req.HourlyLimit
	if limit == 0 {
		limit = s.DefaultHourlyLimit
	}
	if limit == 0 {
		limit = models.DefaultHourlyLimit
	}

	scheduleAt := now
	if req.ScheduleAt != nil {
		scheduleAt = *req.ScheduleAt
	}

	c := models.Campaign{
		ID:              s.NewID("cmp"),
		SenderID:        req.SenderID,
		ScheduleAt:      scheduleAt,
		MinDelaySeconds: req.MinDelaySeconds,
		HourlyLimit:     limit,
		Subject:         req.Subject,
		Body:            req.Body,
		CreatedAt:       now,
	}

	plan, err := planner.Build(c, req.Recipients, now, func() string { return s.NewID("eml") })
	if err != nil {
		return models.ScheduleResult{Rejected: plan.Rejected}, err
	}

	if err := s.Store.CreateCampaign(ctx, c); err != nil {
		return models.ScheduleResult{}, fmt.Errorf("create campaign: %w", err)
	}
	if err := s.Store.CreateTasks(ctx, plan.Tasks); err != nil {
		return models.ScheduleResult{}, fmt.Errorf("create tasks: %w", err)
	}

	res := models.ScheduleResult{
		CampaignID: c.ID,
		TaskCount:  len(plan.Tasks),
		Rejected:   plan.Rejected,
	}

	failed := s.enqueue(ctx, plan.Tasks, now)
	s.Log.Info("campaign scheduled",
		zap.String("campaign_id", c.ID),
		zap.String("sender_id", c.SenderID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("rejected", len(plan.Rejected)),
		zap.Time("first_due", plan.Tasks[0].DueAt),
	)
	if failed > 0 {
		// persisted as PENDING; Resume picks them up on the next start
		return res, fmt.Errorf("%w: %d of %d tasks not enqueued", models.ErrQueue, failed, len(plan.Tasks))
	}
	return res, nil
}

// Resume re-enqueues every task the store still considers unfinished.
// Entries already queued are skipped by the queue's deduplication.
func (s *Service) Resume(ctx context.Context) (int, error) {
	tasks, err := s.Store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished: %w", err)
	}

	now := s.Now()
	queued := 0
	for _, t := range tasks {
		ok, err := s.Queue.Enqueue(ctx, t, t.DueAt.Sub(now))
		if err != nil {
			metrics.TasksEnqueued.WithLabelValues("error").Inc()
			return queued, fmt.Errorf("resume %s: %w", t.ID, err)
		}
		if ok {
			queued++
			metrics.TasksEnqueued.WithLabelValues("queued").Inc()
		} else {
			metrics.TasksEnqueued.WithLabelValues("duplicate").Inc()
		}
	}

	s.Log.Info("unfinished tasks resumed", zap.Int("found", len(tasks)), zap.Int("queued", queued))
	return queued, nil
}

func (s *Service) enqueue(ctx context.Context, tasks []models.EmailTask, now time.Time) int {
	failed := 0
	for _, t := range tasks {
		ok, err := s.Queue.Enqueue(ctx, t, t.DueAt.Sub(now))
		switch {
		case err != nil:
			failed++
			metrics.TasksEnqueued.WithLabelValues("error").Inc()
			s.Log.Error("enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
		case !ok:
			metrics.TasksEnqueued.WithLabelValues("duplicate").Inc()
		default:
			metrics.TasksEnqueued.WithLabelValues("queued").Inc()
		}
	}
	return failed
}

func (s *Service) Task(ctx context.Context, id string) (models.EmailTask, error) {
	return s.Store.GetTask(ctx, id)
}

func (s *Service) CampaignStats(ctx context.Context, campaignID string) (models.StatusCounts, error) {
	return s.Store.CampaignStats(ctx, campaignID)
}

func (s *Service) SenderStats(ctx context.Context, senderID string) (models.SenderStats, error) {
	return s.Store.SenderStats(ctx, senderID)
}

func (s *Service) SenderEmails(ctx context.Context, senderID string, limit int) ([]models.EmailTask, error) {
	return s.Store.ListSenderTasks(ctx, senderID, limit)
}

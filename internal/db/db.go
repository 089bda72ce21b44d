package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"PulseDispatch/internal/models"
)

//go:embed schema.sql
var schema string

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

func (s *Store) CreateCampaign(ctx context.Context, c models.Campaign) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO campaigns
		 (id, sender_id, schedule_at, min_delay_seconds, hourly_limit, subject, body, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID,
		c.SenderID,
		c.ScheduleAt,
		c.MinDelaySeconds,
		c.HourlyLimit,
		c.Subject,
		c.Body,
		c.CreatedAt,
	)
	return unavailable(err)
}

// CreateTasks inserts all tasks of a campaign in one batch. Re-inserting an
// existing id is ignored.
func (s *Store) CreateTasks(ctx context.Context, tasks []models.EmailTask) error {
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(
			`INSERT INTO emails
			 (id, campaign_id, sender_id, recipient, subject, body, hourly_limit, status, due_at, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID,
			t.CampaignID,
			t.SenderID,
			t.Recipient,
			t.Subject,
			t.Body,
			t.HourlyLimit,
			t.Status,
			t.DueAt,
			t.CreatedAt,
		)
	}
	return unavailable(s.Pool.SendBatch(ctx, batch).Close())
}

func (s *Store) GetTaskStatus(ctx context.Context, id string) (models.TaskState, error) {
	var st models.TaskState
	err := s.Pool.QueryRow(ctx,
		`SELECT status, attempt_count, terminal FROM emails WHERE id=$1`,
		id,
	).Scan(&st.Status, &st.AttemptCount, &st.Terminal)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return st, unavailable(err)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, u models.StatusUpdate) error {
	ct, err := s.Pool.Exec(ctx,
		`UPDATE emails
		 SET status=$1,
		     sent_at=COALESCE($2, sent_at),
		     attempt_count=$3,
		     terminal=$4,
		     last_error=NULLIF($5, ''),
		     updated_at=NOW()
		 WHERE id=$6`,
		u.Status,
		u.SentAt,
		u.AttemptCount,
		u.Terminal,
		u.LastError,
		u.ID,
	)
	if err != nil {
		return unavailable(err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", u.ID, models.ErrNotFound)
	}
	return nil
}

const taskColumns = `id, campaign_id, sender_id, recipient, subject, body, hourly_limit,
	status, due_at, sent_at, attempt_count, terminal, COALESCE(last_error, ''), created_at, updated_at`

func scanTask(row pgx.Row) (models.EmailTask, error) {
	var t models.EmailTask
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.SenderID, &t.Recipient, &t.Subject, &t.Body, &t.HourlyLimit,
		&t.Status, &t.DueAt, &t.SentAt, &t.AttemptCount, &t.Terminal, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (s *Store) GetTask(ctx context.Context, id string) (models.EmailTask, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM emails WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t, unavailable(err)
}

func (s *Store) CampaignStats(ctx context.Context, campaignID string) (models.StatusCounts, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM emails WHERE campaign_id=$1 GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := models.StatusCounts{}
	for rows.Next() {
		var st models.EmailStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, unavailable(err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	if len(out) == 0 {
		var exists bool
		if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id=$1)`, campaignID).Scan(&exists); err != nil {
			return nil, unavailable(err)
		}
		if !exists {
			return nil, fmt.Errorf("campaign %s: %w", campaignID, models.ErrNotFound)
		}
	}
	return out, nil
}

func (s *Store) SenderStats(ctx context.Context, senderID string) (models.SenderStats, error) {
	var st models.SenderStats
	err := s.Pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status='PENDING'),
		   COUNT(*) FILTER (WHERE status='THROTTLED'),
		   COUNT(*) FILTER (WHERE status='SENT'),
		   COUNT(*) FILTER (WHERE status='FAILED')
		 FROM emails WHERE sender_id=$1`,
		senderID,
	).Scan(&st.Scheduled, &st.Throttled, &st.Sent, &st.Failed)
	return st, unavailable(err)
}

func (s *Store) ListSenderTasks(ctx context.Context, senderID string, limit int) ([]models.EmailTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskColumns+` FROM emails
		 WHERE sender_id=$1
		 ORDER BY sent_at DESC NULLS LAST, due_at DESC
		 LIMIT $2`,
		senderID, limit,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListUnfinished returns every task that may still need a send attempt.
func (s *Store) ListUnfinished(ctx context.Context) ([]models.EmailTask, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskColumns+` FROM emails
		 WHERE status IN ('PENDING','THROTTLED') OR (status='FAILED' AND NOT terminal)
		 ORDER BY due_at, id`,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]models.EmailTask, error) {
	var out []models.EmailTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, t)
	}
	return out, unavailable(rows.Err())
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
}

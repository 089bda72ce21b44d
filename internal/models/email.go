package models

import "time"

type EmailStatus string

const (
	StatusPending   EmailStatus = "PENDING"
	StatusThrottled EmailStatus = "THROTTLED"
	StatusSent      EmailStatus = "SENT"
	StatusFailed    EmailStatus = "FAILED"
)

// DefaultHourlyLimit is applied once, when a campaign is created without a limit.
const DefaultHourlyLimit = 10

func (s EmailStatus) Valid() bool {
	switch s {
	case StatusPending, StatusThrottled, StatusSent, StatusFailed:
		return true
	}
	return false
}

type Campaign struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"sender_id"`
	ScheduleAt      time.Time `json:"schedule_at"`
	MinDelaySeconds int       `json:"min_delay_seconds"`
	HourlyLimit     int       `json:"hourly_limit"`
	Subject         string    `json:"subject"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"created_at"`
}

// EmailTask is one recipient's send unit. ID is the persisted record id and
// doubles as the queue deduplication key.
type EmailTask struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	SenderID    string `json:"sender_id"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	HourlyLimit int    `json:"hourly_limit"`

	Status       EmailStatus `json:"status"`
	DueAt        time.Time   `json:"due_at"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
	AttemptCount int         `json:"attempt_count"`
	Terminal     bool        `json:"terminal"`
	LastError    string      `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskState is the slice of a persisted task the worker needs for its
// idempotency guard.
type TaskState struct {
	Status       EmailStatus
	AttemptCount int
	Terminal     bool
}

type StatusUpdate struct {
	ID           string
	Status       EmailStatus
	SentAt       *time.Time
	AttemptCount int
	Terminal     bool
	LastError    string
}

type StatusCounts map[EmailStatus]int

type SenderStats struct {
	Scheduled int `json:"scheduled"`
	Throttled int `json:"throttled"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

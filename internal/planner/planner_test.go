package planner

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"PulseDispatch/internal/models"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("eml_%03d", n)
	}
}

func campaign(now time.Time) models.Campaign {
	return models.Campaign{
		ID:              "cmp_1",
		SenderID:        "user-1",
		ScheduleAt:      now,
		MinDelaySeconds: 10,
		HourlyLimit:     5,
		Subject:         "hello",
		Body:            "body",
	}
}

func TestBuildSpacesRecipientsByMinDelay(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := campaign(now)
	c.ScheduleAt = now.Add(2 * time.Minute)

	p, err := Build(c, []string{"a@example.com", "b@example.com", "c@example.com"}, now, seqIDs())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(p.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(p.Tasks))
	}

	for i, task := range p.Tasks {
		want := now.Add(2*time.Minute + time.Duration(i)*10*time.Second)
		if !task.DueAt.Equal(want) {
			t.Fatalf("task %d: expected due %s, got %s", i, want, task.DueAt)
		}
		if task.Status != models.StatusPending {
			t.Fatalf("task %d: expected PENDING, got %s", i, task.Status)
		}
		if task.HourlyLimit != 5 || task.SenderID != "user-1" || task.CampaignID != "cmp_1" {
			t.Fatalf("task %d: campaign fields not copied: %+v", i, task)
		}
	}
	if p.Tasks[0].ID != "eml_001" || p.Tasks[2].ID != "eml_003" {
		t.Fatalf("ids not assigned in list order: %s, %s", p.Tasks[0].ID, p.Tasks[2].ID)
	}
}

func TestBuildPastScheduleStartsNow(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := campaign(now)
	c.ScheduleAt = now.Add(-time.Hour)
	c.MinDelaySeconds = 0

	p, err := Build(c, []string{"a@example.com", "b@example.com"}, now, seqIDs())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, task := range p.Tasks {
		if !task.DueAt.Equal(now) {
			t.Fatalf("expected due now, got %s", task.DueAt)
		}
	}
}

func TestBuildRejectsMalformedWithoutBlockingOthers(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := campaign(now)

	recipients := []string{"a@example.com", "not-an-address", "Bob <b@example.com>", "", "c@example.com"}
	p, err := Build(c, recipients, now, seqIDs())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(p.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(p.Tasks))
	}
	if len(p.Rejected) != 3 {
		t.Fatalf("expected 3 rejections, got %d", len(p.Rejected))
	}
	if p.Rejected[0].Index != 1 || p.Rejected[1].Index != 2 || p.Rejected[2].Index != 3 {
		t.Fatalf("unexpected rejection indexes: %+v", p.Rejected)
	}

	// list position, not accepted position, drives the offset
	if want := now.Add(40 * time.Second); !p.Tasks[1].DueAt.Equal(want) {
		t.Fatalf("expected %s, got %s", want, p.Tasks[1].DueAt)
	}
}

func TestBuildDueTimesMonotonic(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := campaign(now)
	c.MinDelaySeconds = 3

	recipients := make([]string, 50)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("r%d@example.com", i)
	}
	p, err := Build(c, recipients, now, seqIDs())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 1; i < len(p.Tasks); i++ {
		if p.Tasks[i].DueAt.Before(p.Tasks[i-1].DueAt) {
			t.Fatalf("due time decreased at %d", i)
		}
	}
}

func TestBuildValidation(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name   string
		mutate func(*models.Campaign)
		field  string
	}{
		{"missing sender", func(c *models.Campaign) { c.SenderID = "" }, "senderId"},
		{"missing subject", func(c *models.Campaign) { c.Subject = " " }, "subject"},
		{"negative delay", func(c *models.Campaign) { c.MinDelaySeconds = -1 }, "minDelaySeconds"},
		{"zero limit", func(c *models.Campaign) { c.HourlyLimit = 0 }, "hourlyLimit"},
		{"huge delay", func(c *models.Campaign) { c.MinDelaySeconds = 5_000_000_000 }, "minDelaySeconds"},
		{"distant start", func(c *models.Campaign) { c.ScheduleAt = now.Add(MaxSpan + time.Hour) }, "scheduleAt"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := campaign(now)
			tc.mutate(&c)

			_, err := Build(c, []string{"a@example.com"}, now, seqIDs())
			var errs models.ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("expected validation errors, got %v", err)
			}
			if errs[0].Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, errs[0].Field)
			}
		})
	}
}

func TestBuildAllRecipientsRejected(t *testing.T) {
	now := time.Now()
	_, err := Build(campaign(now), []string{"nope", "also nope"}, now, seqIDs())
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildRejectsTimelinePastHorizon(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := campaign(now)
	c.MinDelaySeconds = int(MaxSpan / time.Second / 2)

	// offsets 0, MaxSpan/2, MaxSpan: the last one still fits
	p, err := Build(c, []string{"a@example.com", "b@example.com", "c@example.com"}, now, seqIDs())
	if err != nil {
		t.Fatalf("build at the horizon: %v", err)
	}
	for i := 1; i < len(p.Tasks); i++ {
		if p.Tasks[i].DueAt.Before(p.Tasks[i-1].DueAt) {
			t.Fatalf("due time decreased at %d", i)
		}
	}

	_, err = Build(c, []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}, now, seqIDs())
	var errs models.ValidationErrors
	if !errors.As(err, &errs) || errs[0].Field != "minDelaySeconds" {
		t.Fatalf("expected minDelaySeconds rejection past the horizon, got %v", err)
	}
}

func TestBuildLargeDelayNeverGoesBackwards(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := campaign(now)
	c.MinDelaySeconds = 5_000_000_000

	p, err := Build(c, []string{"a@example.com", "b@example.com", "c@example.com"}, now, seqIDs())
	if err == nil {
		t.Fatalf("expected rejection, got due times %s .. %s", p.Tasks[0].DueAt, p.Tasks[len(p.Tasks)-1].DueAt)
	}
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

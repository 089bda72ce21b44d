// Package planner turns a campaign and its recipient list into send tasks with
// computed due times. It has no side effects: callers persist and enqueue the
// result.
package planner

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"PulseDispatch/internal/models"
)

// MaxSpan caps how far ahead of now the last task of a campaign may be due.
// It keeps due-time arithmetic well inside time.Duration's range.
const MaxSpan = 400 * 24 * time.Hour

type Plan struct {
	Tasks    []models.EmailTask
	Rejected []models.Rejection
}

// Build plans one task per well-formed recipient. The due time of the i-th
// recipient (by list position, rejected entries included) is
//
//	now + max(0, ScheduleAt-now) + i*MinDelaySeconds
//
// so due times never decrease along the list. newID assigns the record id
// that also serves as the queue deduplication key.
func Build(c models.Campaign, recipients []string, now time.Time, newID func() string) (Plan, error) {
	if errs := ValidateCampaign(c); len(errs) > 0 {
		return Plan{}, errs
	}

	initial := c.ScheduleAt.Sub(now)
	if initial < 0 {
		initial = 0
	}
	gap := time.Duration(c.MinDelaySeconds) * time.Second
	if errs := validateSpan(initial, gap, len(recipients)); len(errs) > 0 {
		return Plan{}, errs
	}

	var p Plan
	for i, raw := range recipients {
		addr, reason := normalizeRecipient(raw)
		if reason != "" {
			p.Rejected = append(p.Rejected, models.Rejection{Index: i, Recipient: raw, Reason: reason})
			continue
		}

		p.Tasks = append(p.Tasks, models.EmailTask{
			ID:          newID(),
			CampaignID:  c.ID,
			SenderID:    c.SenderID,
			Recipient:   addr,
			Subject:     c.Subject,
			Body:        c.Body,
			HourlyLimit: c.HourlyLimit,
			Status:      models.StatusPending,
			DueAt:       now.Add(initial + time.Duration(i)*gap),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if len(p.Tasks) == 0 {
		return p, models.ValidationErrors{{Field: "recipients", Msg: "no addressable recipients"}}
	}
	return p, nil
}

func ValidateCampaign(c models.Campaign) models.ValidationErrors {
	var errs models.ValidationErrors
	if strings.TrimSpace(c.SenderID) == "" {
		errs = append(errs, models.ValidationError{Field: "senderId", Msg: "required"})
	}
	if strings.TrimSpace(c.Subject) == "" {
		errs = append(errs, models.ValidationError{Field: "subject", Msg: "required"})
	}
	if c.MinDelaySeconds < 0 {
		errs = append(errs, models.ValidationError{Field: "minDelaySeconds", Msg: "must be >= 0"})
	}
	if int64(c.MinDelaySeconds) > int64(MaxSpan/time.Second) {
		errs = append(errs, models.ValidationError{Field: "minDelaySeconds", Msg: fmt.Sprintf("must be <= %d", int64(MaxSpan/time.Second))})
	}
	if c.HourlyLimit <= 0 {
		errs = append(errs, models.ValidationError{Field: "hourlyLimit", Msg: "must be > 0"})
	}
	return errs
}

// validateSpan rejects timelines whose last due offset would pass MaxSpan.
// The check is done by division so it cannot overflow itself.
func validateSpan(initial, gap time.Duration, n int) models.ValidationErrors {
	if initial > MaxSpan {
		return models.ValidationErrors{{Field: "scheduleAt", Msg: "too far in the future"}}
	}
	if gap > 0 && n > 1 && int64(n-1) > int64((MaxSpan-initial)/gap) {
		return models.ValidationErrors{{Field: "minDelaySeconds", Msg: "campaign would extend past the scheduling horizon"}}
	}
	return nil
}

// normalizeRecipient accepts bare addresses only; display-name forms are
// rejected so the stored recipient is exactly what the transport receives.
func normalizeRecipient(raw string) (string, string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "empty address"
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", "malformed address"
	}
	if addr.Name != "" || !strings.EqualFold(addr.Address, s) {
		return "", "address must not carry a display name"
	}
	if !strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".") {
		return "", "domain is not routable"
	}
	return addr.Address, ""
}

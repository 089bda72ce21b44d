package models

import "time"

type ScheduleRequest struct {
	SenderID        string     `json:"senderId"`
	Subject         string     `json:"subject"`
	Body            string     `json:"body"`
	ScheduleAt      *time.Time `json:"scheduleAt,omitempty"`
	MinDelaySeconds int        `json:"minDelaySeconds"`
	HourlyLimit     int        `json:"hourlyLimit"`
	Recipients      []string   `json:"recipients"`
}

type Rejection struct {
	Index     int    `json:"index"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

type ScheduleResult struct {
	CampaignID string      `json:"campaignId"`
	TaskCount  int         `json:"taskCount"`
	Rejected   []Rejection `json:"rejected,omitempty"`
}

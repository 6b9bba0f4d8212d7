package models

import "time"

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign is a configured batch of outbound messages governed by one rate policy
type Campaign struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	MessageText string           `json:"message_text"` // template, supports {{recipient}} and {{username}}
	RateLimit   RateLimitConfig  `json:"rate_limit"`
	Status      CampaignStatus   `json:"status"`
	Counters    CampaignCounters `json:"counters"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// CampaignCounters holds per-campaign aggregate message counts
type CampaignCounters struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Replied int `json:"replied"`
}

// CounterDelta is an atomic adjustment to campaign counters
type CounterDelta struct {
	Pending int
	Sent    int
	Failed  int
	Replied int
}

// Apply adds the delta to the counters
func (c *CampaignCounters) Apply(d CounterDelta) {
	c.Pending += d.Pending
	c.Sent += d.Sent
	c.Failed += d.Failed
	c.Replied += d.Replied
}

package models

import "time"

// Response is an inbound reply correlated to a previously sent message.
// Rows are append-only; at most one response is recorded per message.
type Response struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	CampaignID string    `json:"campaign_id"`
	Recipient  string    `json:"recipient"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

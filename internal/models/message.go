package models

import "time"

// MessageStatus represents the delivery state of a message.
// Transitions are monotone: pending -> sent|failed, sent -> replied.
// failed and replied are terminal.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
	MessageReplied MessageStatus = "replied"
)

// Message is a single outbound message to one recipient
type Message struct {
	ID            string        `json:"id"`
	CampaignID    string        `json:"campaign_id"`
	Recipient     string        `json:"recipient"`          // stable provider identifier
	Username      string        `json:"username,omitempty"` // optional handle
	Text          string        `json:"text"`
	Status        MessageStatus `json:"status"`
	RetryCount    int           `json:"retry_count"`
	ErrorType     string        `json:"error_type,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	ProviderMsgID string        `json:"provider_msg_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Terminal reports whether the message can no longer change status
// except for the sent -> replied transition
func (s MessageStatus) Terminal() bool {
	return s == MessageFailed || s == MessageReplied
}

// CanTransition reports whether a status change is allowed
func CanTransition(from, to MessageStatus) bool {
	switch from {
	case MessagePending:
		return to == MessageSent || to == MessageFailed
	case MessageSent:
		return to == MessageReplied
	default:
		return false
	}
}

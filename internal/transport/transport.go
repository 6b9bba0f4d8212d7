// Package transport defines the contract with the messaging provider and
// ships two implementations: an HTTP client for an out-of-process provider
// gateway (which owns the authenticated session) and an in-process sandbox
// used for dry runs and tests.
package transport

import (
	"context"
	"time"
)

// InboundEvent is a message received from a recipient
type InboundEvent struct {
	EventID       string    `json:"event_id,omitempty"` // stable provider id, may be empty
	FromRecipient string    `json:"from_recipient"`
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Transport sends messages through the provider and delivers inbound events.
// SendMessage returns the provider message handle on success or a classified
// *SendError on failure. Timeout behavior belongs to the implementation.
type Transport interface {
	SendMessage(ctx context.Context, recipient, username, text string) (string, error)
	Inbound() <-chan InboundEvent
	Close() error
}

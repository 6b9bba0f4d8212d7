// Package sender delivers individual messages through a transport,
// handling retries, flood-wait pacing and permanent-failure
// classification. Every attempt outcome is persisted before the next
// attempt starts, so a crash mid-retry resumes from durable state.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"outreachd/internal/clock"
	"outreachd/internal/metrics"
	"outreachd/internal/models"
	"outreachd/internal/store"
	"outreachd/internal/transport"
)

const (
	// MaxAttempts bounds total transport invocations per message,
	// flood-wait retries included.
	MaxAttempts = 3

	// RetryDelay is the pause before retrying a transient failure
	RetryDelay = 5 * time.Second
)

// MessageStore is the slice of the store the sender needs
type MessageStore interface {
	UpdateMessageStatus(ctx context.Context, id string, upd store.MessageUpdate) error
}

// Sender pushes messages through a transport with retry handling
type Sender struct {
	transport transport.Transport
	store     MessageStore
	clk       clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a sender
func New(t transport.Transport, st MessageStore, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Sender {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		transport: t,
		store:     st,
		clk:       clk,
		metrics:   m,
		logger:    logger.With("component", "sender"),
	}
}

// Send attempts delivery of a single message, persisting the outcome of
// every attempt. It returns nil when the message reached the provider
// and an error when the message ended up failed (or the context was
// cancelled mid-retry, leaving the message pending for a later sweep).
func (s *Sender) Send(ctx context.Context, msg *models.Message) error {
	lastCode := transport.CodeUnknown

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		providerID, err := s.transport.SendMessage(ctx, msg.Recipient, msg.Username, msg.Text)
		if err == nil {
			return s.markSent(ctx, msg, attempt, providerID)
		}

		se := transport.Classify(err)
		lastCode = se.Code

		if se.Permanent() {
			s.logger.Warn("permanent send failure",
				"message_id", msg.ID,
				"recipient", msg.Recipient,
				"error_type", string(se.Code))
			return s.markFailed(ctx, msg, attempt-1, se.Code, se.Error())
		}

		if attempt == MaxAttempts {
			break
		}

		var delay time.Duration
		if se.Code == transport.CodeFloodWait {
			delay = se.Wait
			s.metrics.FloodWait(delay)
			s.logger.Info("flood wait",
				"message_id", msg.ID,
				"recipient", msg.Recipient,
				"wait", delay,
				"attempt", attempt)
		} else {
			delay = RetryDelay
			s.logger.Warn("transient send failure, will retry",
				"message_id", msg.ID,
				"recipient", msg.Recipient,
				"error", se.Error(),
				"attempt", attempt)
		}

		if err := s.persistRetry(ctx, msg, attempt, se); err != nil {
			return err
		}
		s.metrics.MessageRetried()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(delay):
		}
	}

	s.logger.Warn("retries exhausted",
		"message_id", msg.ID,
		"recipient", msg.Recipient,
		"error_type", string(lastCode))
	return s.markFailed(ctx, msg, MaxAttempts, lastCode,
		fmt.Sprintf("retries exhausted after %d attempts (%s)", MaxAttempts, lastCode))
}

func (s *Sender) markSent(ctx context.Context, msg *models.Message, attempt int, providerID string) error {
	now := s.clk.Now()
	retries := attempt - 1
	upd := store.MessageUpdate{
		Status:     models.MessageSent,
		RetryCount: &retries,
		SentAt:     &now,
	}
	if providerID != "" {
		upd.ProviderMsgID = &providerID
	}
	if err := s.store.UpdateMessageStatus(ctx, msg.ID, upd); err != nil {
		return fmt.Errorf("failed to persist sent status: %w", err)
	}
	s.metrics.MessageSent()
	s.logger.Info("message sent",
		"message_id", msg.ID,
		"campaign_id", msg.CampaignID,
		"recipient", msg.Recipient,
		"retries", retries)
	return nil
}

func (s *Sender) markFailed(ctx context.Context, msg *models.Message, retries int, code transport.ErrorCode, detail string) error {
	errType := string(code)
	upd := store.MessageUpdate{
		Status:     models.MessageFailed,
		RetryCount: &retries,
		ErrorType:  &errType,
		LastError:  &detail,
	}
	if err := s.store.UpdateMessageStatus(ctx, msg.ID, upd); err != nil {
		return fmt.Errorf("failed to persist failed status: %w", err)
	}
	s.metrics.MessageFailed(errType)
	return fmt.Errorf("message %s failed: %s", msg.ID, detail)
}

// persistRetry records an interim attempt so the retry count survives a
// restart. The message stays pending.
func (s *Sender) persistRetry(ctx context.Context, msg *models.Message, attempt int, se *transport.SendError) error {
	errType := string(se.Code)
	detail := se.Error()
	upd := store.MessageUpdate{
		Status:     models.MessagePending,
		RetryCount: &attempt,
		ErrorType:  &errType,
		LastError:  &detail,
	}
	if err := s.store.UpdateMessageStatus(ctx, msg.ID, upd); err != nil {
		return fmt.Errorf("failed to persist retry state: %w", err)
	}
	return nil
}

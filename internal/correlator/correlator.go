// Package correlator consumes inbound events from the transport and
// matches each reply to the most recent sent message for that recipient.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"outreachd/internal/metrics"
	"outreachd/internal/models"
	"outreachd/internal/store"
	"outreachd/internal/transport"
)

// ReplyStore is the slice of the store the correlator needs
type ReplyStore interface {
	LatestSentMessage(ctx context.Context, recipient string) (*models.Message, error)
	RecordReply(ctx context.Context, eventKey string, resp *models.Response) (bool, error)
}

// Correlator matches inbound replies to outbound messages
type Correlator struct {
	transport transport.Transport
	store     ReplyStore
	metrics   *metrics.Metrics
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a correlator
func New(t transport.Transport, st ReplyStore, m *metrics.Metrics, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		transport: t,
		store:     st,
		metrics:   m,
		logger:    logger.With("component", "correlator"),
	}
}

// Start begins consuming inbound events until Stop or context cancel
func (c *Correlator) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(loopCtx)
}

// Stop halts event consumption
func (c *Correlator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Correlator) loop(ctx context.Context) {
	defer c.wg.Done()
	events := c.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("inbound event stream closed")
				return
			}
			if err := c.Handle(ctx, ev); err != nil {
				c.logger.Error("failed to process inbound event",
					"recipient", ev.FromRecipient,
					"error", err)
			}
		}
	}
}

// Handle processes a single inbound event. Events from recipients with no
// sent message on file are dropped; redelivered events are absorbed by the
// store's processed-event set.
func (c *Correlator) Handle(ctx context.Context, ev transport.InboundEvent) error {
	msg, err := c.store.LatestSentMessage(ctx, ev.FromRecipient)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Debug("inbound event without matching sent message",
				"recipient", ev.FromRecipient)
			return nil
		}
		return err
	}

	resp := &models.Response{
		ID:         uuid.New().String(),
		MessageID:  msg.ID,
		CampaignID: msg.CampaignID,
		Recipient:  ev.FromRecipient,
		Text:       ev.Text,
		ReceivedAt: ev.ReceivedAt,
	}

	recorded, err := c.store.RecordReply(ctx, eventKey(ev), resp)
	if err != nil {
		return err
	}
	if !recorded {
		c.logger.Debug("duplicate inbound event skipped",
			"recipient", ev.FromRecipient,
			"event_key", eventKey(ev))
		return nil
	}

	c.metrics.ReplyRecorded()
	c.logger.Info("reply recorded",
		"campaign_id", msg.CampaignID,
		"message_id", msg.ID,
		"recipient", ev.FromRecipient)
	return nil
}

// eventKey derives a dedupe key for an inbound event. When the provider
// supplies a stable event id that is used directly; otherwise the key
// falls back to recipient plus receive second, which coalesces rapid
// redeliveries of the same reply.
func eventKey(ev transport.InboundEvent) string {
	if ev.EventID != "" {
		return "ev:" + ev.EventID
	}
	return fmt.Sprintf("rc:%s:%d", ev.FromRecipient, ev.ReceivedAt.Unix())
}

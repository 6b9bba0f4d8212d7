package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"outreachd/internal/models"
)

// RecordReply records an inbound reply in a single transaction: it marks
// the event key as processed, inserts the response row, transitions the
// message from sent to replied and bumps the campaign's replied counter.
//
// It returns false without touching anything when the event key was already
// processed or the message is no longer in the sent state, which makes
// redelivered events harmless.
func (s *Store) RecordReply(ctx context.Context, eventKey string, resp *models.Response) (bool, error) {
	var recorded bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if events.Get([]byte(eventKey)) != nil {
			return nil // duplicate delivery
		}
		markProcessed := func() error {
			return events.Put([]byte(eventKey), []byte(strconv.FormatInt(resp.ReceivedAt.UnixNano(), 10)))
		}

		m, err := getMessage(tx, resp.MessageID)
		if err != nil {
			return err
		}
		if m.Status != models.MessageSent {
			return markProcessed()
		}
		if tx.Bucket(bucketResponses).Get([]byte(m.ID)) != nil {
			return markProcessed()
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}
		if err := tx.Bucket(bucketResponses).Put([]byte(m.ID), data); err != nil {
			return fmt.Errorf("failed to store response: %w", err)
		}

		prev := m.Status
		m.Status = models.MessageReplied
		m.UpdatedAt = time.Now()
		if err := putMessage(tx, m); err != nil {
			return err
		}
		if err := applyTransition(tx, m, prev); err != nil {
			return err
		}
		recorded = true
		return markProcessed()
	})
	return recorded, err
}

// GetResponse returns the response recorded for a message, if any
func (s *Store) GetResponse(ctx context.Context, messageID string) (*models.Response, error) {
	var r *models.Response
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResponses).Get([]byte(messageID))
		if data == nil {
			return fmt.Errorf("response for message %s: %w", messageID, ErrNotFound)
		}
		var resp models.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		r = &resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListResponses returns all responses for a campaign
func (s *Store) ListResponses(ctx context.Context, campaignID string) ([]*models.Response, error) {
	var out []*models.Response
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).ForEach(func(k, v []byte) error {
			var r models.Response
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if campaignID == "" || r.CampaignID == campaignID {
				out = append(out, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

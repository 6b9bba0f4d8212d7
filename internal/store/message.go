package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"outreachd/internal/models"
)

// MessageUpdate is a partial update to a message. Nil pointer fields are
// left untouched; an empty Status leaves the status alone.
type MessageUpdate struct {
	Status        models.MessageStatus
	RetryCount    *int
	ErrorType     *string
	LastError     *string
	SentAt        *time.Time
	ProviderMsgID *string
}

// AddMessages stores a batch of messages for a campaign and adjusts the
// campaign's total and pending counters in the same transaction
func (s *Store) AddMessages(ctx context.Context, campaignID string, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, campaignID)
		if err != nil {
			return err
		}

		msgBucket := tx.Bucket(bucketMessages)
		pendingBucket := tx.Bucket(bucketPending)

		for _, m := range msgs {
			m.CampaignID = campaignID
			if m.Status == "" {
				m.Status = models.MessagePending
			}
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := msgBucket.Put([]byte(m.ID), data); err != nil {
				return fmt.Errorf("failed to store message: %w", err)
			}
			key := makeIndexKey(campaignID, m.CreatedAt, m.ID)
			if err := pendingBucket.Put(key, []byte(m.ID)); err != nil {
				return fmt.Errorf("failed to add to pending index: %w", err)
			}
		}

		c.Counters.Total += len(msgs)
		c.Counters.Pending += len(msgs)
		return putCampaign(tx, c)
	})
}

// GetMessage retrieves a message by id
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m *models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = getMessage(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetPendingMessages returns a campaign's pending messages oldest-first
func (s *Store) GetPendingMessages(ctx context.Context, campaignID string) ([]*models.Message, error) {
	var out []*models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketPending).Cursor()
		prefix := indexPrefix(campaignID)

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := msgBucket.Get(v)
			if data == nil {
				continue // message deleted, stale index entry
			}
			var m models.Message
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns a campaign's messages with optional status filtering
func (s *Store) ListMessages(ctx context.Context, campaignID string, status models.MessageStatus) ([]*models.Message, error) {
	var out []*models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if m.CampaignID != campaignID {
				return nil
			}
			if status != "" && m.Status != status {
				return nil
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMessageStatus applies a partial update to a message. Repeating an
// update with the same terminal status is a no-op, so the sender can safely
// re-persist after a crash without double-counting. Counter deltas and
// index maintenance for an actual status transition happen in the same
// transaction.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, upd MessageUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}

		prev := m.Status
		next := prev
		if upd.Status != "" && upd.Status != prev {
			if !models.CanTransition(prev, upd.Status) {
				return fmt.Errorf("message %s: %s -> %s: %w", id, prev, upd.Status, ErrInvalidTransition)
			}
			next = upd.Status
		}

		if upd.RetryCount != nil {
			m.RetryCount = *upd.RetryCount
		}
		if upd.ErrorType != nil {
			m.ErrorType = *upd.ErrorType
		}
		if upd.LastError != nil {
			m.LastError = *upd.LastError
		}
		if upd.SentAt != nil {
			m.SentAt = upd.SentAt
		}
		if upd.ProviderMsgID != nil {
			m.ProviderMsgID = *upd.ProviderMsgID
		}
		m.Status = next
		m.UpdatedAt = time.Now()

		if err := putMessage(tx, m); err != nil {
			return err
		}
		if next == prev {
			return nil
		}
		return applyTransition(tx, m, prev)
	})
}

// applyTransition maintains the pending/sent indexes and campaign counters
// for a message that actually changed status
func applyTransition(tx *bolt.Tx, m *models.Message, prev models.MessageStatus) error {
	var delta models.CounterDelta

	if prev == models.MessagePending {
		key := makeIndexKey(m.CampaignID, m.CreatedAt, m.ID)
		if err := tx.Bucket(bucketPending).Delete(key); err != nil {
			return fmt.Errorf("failed to remove pending index: %w", err)
		}
		delta.Pending = -1
	}

	switch m.Status {
	case models.MessageSent:
		delta.Sent = 1
		sentAt := time.Now()
		if m.SentAt != nil {
			sentAt = *m.SentAt
		}
		key := makeIndexKey(m.Recipient, sentAt, m.ID)
		if err := tx.Bucket(bucketSent).Put(key, []byte(m.ID)); err != nil {
			return fmt.Errorf("failed to add sent index: %w", err)
		}
	case models.MessageFailed:
		delta.Failed = 1
	case models.MessageReplied:
		delta.Replied = 1
		if m.SentAt != nil {
			key := makeIndexKey(m.Recipient, *m.SentAt, m.ID)
			if err := tx.Bucket(bucketSent).Delete(key); err != nil {
				return fmt.Errorf("failed to remove sent index: %w", err)
			}
		}
	}

	return applyCounterDelta(tx, m.CampaignID, delta)
}

// LatestSentMessage returns the most recent message to the recipient whose
// status is still sent (not yet replied)
func (s *Store) LatestSentMessage(ctx context.Context, recipient string) (*models.Message, error) {
	var m *models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSent).Cursor()
		prefix := indexPrefix(recipient)

		var lastID []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			lastID = v
		}
		if lastID == nil {
			return fmt.Errorf("no sent message for %s: %w", recipient, ErrNotFound)
		}
		var err error
		m, err = getMessage(tx, string(lastID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func getMessage(tx *bolt.Tx, id string) (*models.Message, error) {
	data := tx.Bucket(bucketMessages).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

func putMessage(tx *bolt.Tx, m *models.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return tx.Bucket(bucketMessages).Put([]byte(m.ID), data)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"outreachd/internal/models"
)

// CreateCampaign stores a new campaign
func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		if bucket.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s: %w", c.ID, ErrDuplicate)
		}
		return putCampaign(tx, c)
	})
}

// GetCampaign retrieves a campaign by id
func (s *Store) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c *models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getCampaign(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns returns all campaigns ordered by creation time
func (s *Store) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	var out []*models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c models.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip invalid entries
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetActiveCampaigns returns campaigns with status active
func (s *Store) GetActiveCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	all, err := s.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Campaign
	for _, c := range all {
		if c.Status == models.CampaignActive {
			out = append(out, c)
		}
	}
	return out, nil
}

// StartCampaign transitions a draft or paused campaign to active. The
// started-at timestamp is stamped on the first activation only.
func (s *Store) StartCampaign(ctx context.Context, id string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		switch c.Status {
		case models.CampaignDraft, models.CampaignPaused:
		case models.CampaignActive:
			return nil // already running
		default:
			return fmt.Errorf("campaign %s is %s: %w", id, c.Status, ErrInvalidTransition)
		}
		c.Status = models.CampaignActive
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
		return putCampaign(tx, c)
	})
}

// PauseCampaign transitions an active campaign to paused
func (s *Store) PauseCampaign(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		if c.Status == models.CampaignPaused {
			return nil
		}
		if c.Status != models.CampaignActive {
			return fmt.Errorf("campaign %s is %s: %w", id, c.Status, ErrInvalidTransition)
		}
		c.Status = models.CampaignPaused
		return putCampaign(tx, c)
	})
}

// CompleteCampaign marks an active campaign with zero pending messages as
// completed and stamps the completion time. It reports whether the
// transition happened; a campaign that is not active or still has pending
// work is left untouched.
func (s *Store) CompleteCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	var completed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		c, err := getCampaign(tx, id)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignActive || c.Counters.Pending != 0 {
			return nil
		}
		c.Status = models.CampaignCompleted
		c.CompletedAt = &now
		completed = true
		return putCampaign(tx, c)
	})
	return completed, err
}

// UpdateCampaignCounters applies a counter delta atomically
func (s *Store) UpdateCampaignCounters(ctx context.Context, id string, delta models.CounterDelta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return applyCounterDelta(tx, id, delta)
	})
}

func getCampaign(tx *bolt.Tx, id string) (*models.Campaign, error) {
	data := tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	var c models.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return &c, nil
}

func putCampaign(tx *bolt.Tx, c *models.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
}

func applyCounterDelta(tx *bolt.Tx, id string, delta models.CounterDelta) error {
	c, err := getCampaign(tx, id)
	if err != nil {
		return err
	}
	c.Counters.Apply(delta)
	return putCampaign(tx, c)
}

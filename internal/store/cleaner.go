package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"outreachd/internal/models"
)

// CleanerConfig contains retention settings
type CleanerConfig struct {
	// EventMaxAge prunes processed inbound-event keys older than this
	// (0 = keep forever)
	EventMaxAge time.Duration

	// CampaignMaxAge prunes campaigns completed longer ago than this,
	// together with their messages and responses (0 = keep forever)
	CampaignMaxAge time.Duration

	// Interval between cleanup passes
	Interval time.Duration
}

// Cleaner prunes aged data in the background: processed-event keys so the
// correlator's idempotency bucket does not grow without bound, and
// long-completed campaigns with their message history
type Cleaner struct {
	store  *Store
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a cleaner service
func NewCleaner(store *Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "cleaner"),
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 || (c.cfg.EventMaxAge <= 0 && c.cfg.CampaignMaxAge <= 0) {
		return
	}
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("cleaner started",
		"event_max_age", c.cfg.EventMaxAge,
		"campaign_max_age", c.cfg.CampaignMaxAge,
		"interval", c.cfg.Interval)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	now := time.Now()
	if c.cfg.EventMaxAge > 0 {
		removed, err := c.store.PruneProcessedEvents(ctx, now.Add(-c.cfg.EventMaxAge))
		if err != nil {
			c.logger.Error("event cleanup failed", "error", err)
		} else if removed > 0 {
			c.logger.Info("pruned processed events", "removed", removed)
		}
	}
	if c.cfg.CampaignMaxAge > 0 {
		removed, err := c.store.PruneCompletedCampaigns(ctx, now.Add(-c.cfg.CampaignMaxAge))
		if err != nil {
			c.logger.Error("campaign cleanup failed", "error", err)
		} else if removed > 0 {
			c.logger.Info("pruned completed campaigns", "removed", removed)
		}
	}
}

// PruneProcessedEvents deletes processed-event keys received before the
// cutoff and returns the number removed
func (s *Store) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			nanos, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				continue
			}
			if time.Unix(0, nanos).Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// PruneCompletedCampaigns deletes campaigns completed before the cutoff
// along with their messages, responses and sent-index entries. It returns
// the number of campaigns removed.
func (s *Store) PruneCompletedCampaigns(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		expired := make(map[string]struct{})

		campaigns := tx.Bucket(bucketCampaigns)
		cur := campaigns.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var c models.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				continue
			}
			if c.Status == models.CampaignCompleted && c.CompletedAt != nil && c.CompletedAt.Before(cutoff) {
				expired[c.ID] = struct{}{}
				if err := cur.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		if len(expired) == 0 {
			return nil
		}

		msgs := tx.Bucket(bucketMessages)
		sent := tx.Bucket(bucketSent)
		responses := tx.Bucket(bucketResponses)
		mc := msgs.Cursor()
		for k, v := mc.First(); k != nil; k, v = mc.Next() {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if _, ok := expired[m.CampaignID]; !ok {
				continue
			}
			if m.SentAt != nil {
				if err := sent.Delete(makeIndexKey(m.Recipient, *m.SentAt, m.ID)); err != nil {
					return err
				}
			}
			if err := responses.Delete([]byte(m.ID)); err != nil {
				return err
			}
			if err := mc.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

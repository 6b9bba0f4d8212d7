// Package worker runs the campaign sweep loop: it pulls pending
// messages for every active campaign, feeds them into the campaign's
// dispatcher, and completes campaigns that have drained.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outreachd/internal/clock"
	"outreachd/internal/dispatch"
	"outreachd/internal/metrics"
	"outreachd/internal/models"
)

// DefaultPollInterval is the sweep spacing when none is configured
const DefaultPollInterval = 30 * time.Second

// Store is the slice of the persistence layer the worker needs
type Store interface {
	GetActiveCampaigns(ctx context.Context) ([]*models.Campaign, error)
	GetPendingMessages(ctx context.Context, campaignID string) ([]*models.Message, error)
	CompleteCampaign(ctx context.Context, id string, now time.Time) (bool, error)
}

// MessageSender delivers a single message, blocking through its retries
type MessageSender interface {
	Send(ctx context.Context, msg *models.Message) error
}

// CampaignStatus is the per-campaign slice of a worker status snapshot
type CampaignStatus struct {
	Queue               dispatch.Stats `json:"queue"`
	EstimatedCompletion *time.Time     `json:"estimatedCompletion,omitempty"`
}

// Status is a snapshot of worker progress
type Status struct {
	Running         bool                      `json:"running"`
	Processed       int64                     `json:"processed"`
	CurrentCampaign string                    `json:"currentCampaign,omitempty"`
	CurrentMessage  string                    `json:"currentMessage,omitempty"`
	LastSweep       *time.Time                `json:"lastSweep,omitempty"`
	Campaigns       map[string]CampaignStatus `json:"campaigns"`
}

// Worker owns the sweep loop and the dispatcher registry
type Worker struct {
	store    Store
	sender   MessageSender
	registry *dispatch.Registry
	clk      clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration

	mu              sync.Mutex
	running         bool
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	processed       int64
	currentCampaign string
	currentMessage  string
	lastSweep       *time.Time
}

// New creates a worker
func New(st Store, sender MessageSender, registry *dispatch.Registry, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Worker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Worker{
		store:    st,
		sender:   sender,
		registry: registry,
		clk:      clk,
		metrics:  m,
		logger:   logger.With("component", "worker"),
		interval: interval,
	}
}

// Start launches the sweep loop. It reports whether the worker was
// actually started; calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(loopCtx)

	w.logger.Info("worker started", "poll_interval", w.interval)
	return true
}

// Stop halts the sweep loop and all dispatchers. Messages left in
// dispatcher queues stay pending and are re-offered on the next start.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.registry.StopAll()
	w.logger.Info("worker stopped")
}

// Running reports whether the sweep loop is active
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Status returns a snapshot of sweep progress and per-campaign queues
func (w *Worker) Status() Status {
	w.mu.Lock()
	s := Status{
		Running:         w.running,
		Processed:       w.processed,
		CurrentCampaign: w.currentCampaign,
		CurrentMessage:  w.currentMessage,
		LastSweep:       w.lastSweep,
		Campaigns:       make(map[string]CampaignStatus),
	}
	w.mu.Unlock()

	for id, stats := range w.registry.Stats() {
		cs := CampaignStatus{Queue: stats}
		if d, ok := w.registry.Get(id); ok {
			if eta := d.EstimateCompletion(); !eta.IsZero() {
				cs.EstimatedCompletion = &eta
			}
		}
		s.Campaigns[id] = cs
	}
	return s
}

// QueueDepths exposes per-campaign dispatcher backlog for the metrics
// collector
func (w *Worker) QueueDepths() map[string]int {
	stats := w.registry.Stats()
	depths := make(map[string]int, len(stats))
	for id, s := range stats {
		depths[id] = s.Pending + s.Processing
	}
	return depths
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	// first sweep immediately so a restart picks up pending work without
	// waiting a full interval
	w.Process(ctx)

	ticker := w.clk.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.Process(ctx)
		}
	}
}

// Process runs a single sweep over all active campaigns. It is also
// callable directly for an on-demand sweep.
func (w *Worker) Process(ctx context.Context) {
	campaigns, err := w.store.GetActiveCampaigns(ctx)
	if err != nil {
		w.logger.Error("failed to list active campaigns", "error", err)
		return
	}

	for _, c := range campaigns {
		if ctx.Err() != nil {
			return
		}
		w.sweepCampaign(ctx, c)
	}

	now := w.clk.Now()
	w.mu.Lock()
	w.lastSweep = &now
	w.mu.Unlock()
}

func (w *Worker) sweepCampaign(ctx context.Context, c *models.Campaign) {
	pending, err := w.store.GetPendingMessages(ctx, c.ID)
	if err != nil {
		w.logger.Error("failed to load pending messages", "campaign_id", c.ID, "error", err)
		return
	}

	if len(pending) == 0 {
		completed, err := w.store.CompleteCampaign(ctx, c.ID, w.clk.Now())
		if err != nil {
			w.logger.Error("failed to complete campaign", "campaign_id", c.ID, "error", err)
			return
		}
		if completed {
			w.registry.Remove(c.ID)
			w.metrics.CampaignCompleted()
			w.logger.Info("campaign completed", "campaign_id", c.ID)
		}
		return
	}

	d := w.registry.GetOrCreate(c.ID, c.RateLimit)
	queued := 0
	for _, msg := range pending {
		if d.Enqueue(msg, w.handle) {
			queued++
		}
	}
	if queued > 0 {
		w.logger.Debug("messages queued",
			"campaign_id", c.ID,
			"queued", queued,
			"pending", len(pending))
	}
}

// handle is the dispatcher release callback: it marks the message as in
// flight and hands it to the sender
func (w *Worker) handle(ctx context.Context, msg *models.Message) error {
	w.mu.Lock()
	w.currentCampaign = msg.CampaignID
	w.currentMessage = msg.ID
	w.mu.Unlock()

	err := w.sender.Send(ctx, msg)

	w.mu.Lock()
	w.processed++
	w.currentCampaign = ""
	w.currentMessage = ""
	w.mu.Unlock()
	return err
}

package dispatch

import (
	"io"
	"log/slog"
	"sync"

	"outreachd/internal/clock"
	"outreachd/internal/models"
)

// Registry owns the dispatchers, one per active campaign id. It is passed
// explicitly to whoever needs it; there is no package-level instance.
type Registry struct {
	clk    clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	dispatchers map[string]*Dispatcher
}

// NewRegistry creates an empty registry
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		clk:         clk,
		logger:      logger,
		dispatchers: make(map[string]*Dispatcher),
	}
}

// Get returns the campaign's dispatcher if one exists
func (r *Registry) Get(campaignID string) (*Dispatcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dispatchers[campaignID]
	return d, ok
}

// GetOrCreate returns the campaign's dispatcher, creating it with the given
// config on first use. At most one dispatcher exists per campaign id.
func (r *Registry) GetOrCreate(campaignID string, cfg models.RateLimitConfig) *Dispatcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dispatchers[campaignID]; ok {
		return d
	}
	d := New(campaignID, cfg, r.clk, r.logger)
	r.dispatchers[campaignID] = d
	return d
}

// Remove stops and drops the campaign's dispatcher
func (r *Registry) Remove(campaignID string) {
	r.mu.Lock()
	d, ok := r.dispatchers[campaignID]
	delete(r.dispatchers, campaignID)
	r.mu.Unlock()
	if ok {
		d.Stop()
	}
}

// Stats returns per-campaign dispatcher snapshots
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.dispatchers))
	for id, d := range r.dispatchers {
		out[id] = d.Stats()
	}
	return out
}

// StopAll stops every dispatcher and clears the registry
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Dispatcher, 0, len(r.dispatchers))
	for _, d := range r.dispatchers {
		all = append(all, d)
	}
	r.dispatchers = make(map[string]*Dispatcher)
	r.mu.Unlock()
	for _, d := range all {
		d.Stop()
	}
}

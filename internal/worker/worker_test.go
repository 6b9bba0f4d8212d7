package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"outreachd/internal/clock"
	"outreachd/internal/dispatch"
	"outreachd/internal/metrics"
	"outreachd/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign
	pending   map[string][]*models.Message
	completed map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[string]*models.Campaign),
		pending:   make(map[string][]*models.Message),
		completed: make(map[string]int),
	}
}

func (f *fakeStore) addCampaign(id string, rate models.RateLimitConfig, msgs ...*models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[id] = &models.Campaign{ID: id, Status: models.CampaignActive, RateLimit: rate}
	f.pending[id] = msgs
}

func (f *fakeStore) GetActiveCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Campaign
	for _, c := range f.campaigns {
		if c.Status == models.CampaignActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPendingMessages(ctx context.Context, campaignID string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Message(nil), f.pending[campaignID]...), nil
}

func (f *fakeStore) CompleteCampaign(ctx context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != models.CampaignActive || len(f.pending[id]) > 0 {
		return false, nil
	}
	c.Status = models.CampaignCompleted
	f.completed[id]++
	return true, nil
}

// markDone drops a message from the pending set, as the real store does
// when the sender persists a terminal status
func (f *fakeStore) markDone(campaignID, msgID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rest := f.pending[campaignID][:0]
	for _, m := range f.pending[campaignID] {
		if m.ID != msgID {
			rest = append(rest, m)
		}
	}
	f.pending[campaignID] = rest
}

type fakeSender struct {
	store *fakeStore
	mu    sync.Mutex
	sent  []string
	block chan struct{} // when set, Send waits on it
}

func (s *fakeSender) Send(ctx context.Context, msg *models.Message) error {
	if s.block != nil {
		<-s.block
	}
	s.store.markDone(msg.CampaignID, msg.ID)
	s.mu.Lock()
	s.sent = append(s.sent, msg.ID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastRate() models.RateLimitConfig {
	return models.RateLimitConfig{MessagesPerHour: 3600}
}

func newWorker(st *fakeStore, s MessageSender, clk clock.Clock) *Worker {
	reg := dispatch.NewRegistry(clk, slog.Default())
	return New(st, s, reg, clk, metrics.New(), slog.Default(), time.Minute)
}

func TestProcessDeliversAndCompletes(t *testing.T) {
	st := newFakeStore()
	st.addCampaign("c1", fastRate(),
		&models.Message{ID: "m1", CampaignID: "c1", Recipient: "r1"},
	)
	snd := &fakeSender{store: st}
	clk := clock.NewMock()
	w := newWorker(st, snd, clk)
	defer w.registry.StopAll()

	ctx := context.Background()
	w.Process(ctx)

	waitFor(t, func() bool { return snd.sentCount() == 1 }, "message delivery")

	// the campaign is not completed until a later sweep observes the
	// drained pending set
	st.mu.Lock()
	status := st.campaigns["c1"].Status
	st.mu.Unlock()
	if status != models.CampaignActive {
		t.Fatalf("campaign completed too early: %s", status)
	}

	w.Process(ctx)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.campaigns["c1"].Status != models.CampaignCompleted {
		t.Errorf("campaign status = %s, want completed", st.campaigns["c1"].Status)
	}
	if st.completed["c1"] != 1 {
		t.Errorf("completed %d times, want 1", st.completed["c1"])
	}
	if _, ok := w.registry.Get("c1"); ok {
		t.Error("dispatcher not removed after completion")
	}
}

func TestProcessDoesNotCompleteWithBacklog(t *testing.T) {
	st := newFakeStore()
	st.addCampaign("c1", fastRate(),
		&models.Message{ID: "m1", CampaignID: "c1"},
		&models.Message{ID: "m2", CampaignID: "c1"},
	)
	snd := &fakeSender{store: st, block: make(chan struct{})}
	clk := clock.NewMock()
	w := newWorker(st, snd, clk)
	defer w.registry.StopAll()

	w.Process(context.Background())
	w.Process(context.Background())

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.campaigns["c1"].Status != models.CampaignActive {
		t.Errorf("campaign status = %s, want active", st.campaigns["c1"].Status)
	}
	close(snd.block)
}

func TestRepeatedSweepsDoNotDuplicate(t *testing.T) {
	st := newFakeStore()
	st.addCampaign("c1", fastRate(),
		&models.Message{ID: "m1", CampaignID: "c1"},
	)
	release := make(chan struct{})
	snd := &fakeSender{store: st, block: release}
	clk := clock.NewMock()
	w := newWorker(st, snd, clk)
	defer w.registry.StopAll()

	ctx := context.Background()
	w.Process(ctx)
	// re-offer while the first delivery is still in flight
	w.Process(ctx)
	w.Process(ctx)
	close(release)

	waitFor(t, func() bool { return snd.sentCount() >= 1 }, "message delivery")
	time.Sleep(30 * time.Millisecond)
	if n := snd.sentCount(); n != 1 {
		t.Errorf("message delivered %d times, want 1", n)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	st := newFakeStore()
	snd := &fakeSender{store: st}
	clk := clock.NewMock()
	w := newWorker(st, snd, clk)

	ctx := context.Background()
	if !w.Start(ctx) {
		t.Fatal("first Start returned false")
	}
	if w.Start(ctx) {
		t.Error("second Start returned true")
	}
	if !w.Running() {
		t.Error("worker not reported running")
	}

	w.Stop()
	if w.Running() {
		t.Error("worker still reported running after Stop")
	}
	w.Stop() // safe to repeat

	if !w.Start(ctx) {
		t.Error("restart returned false")
	}
	w.Stop()
}

func TestStatusAndQueueDepths(t *testing.T) {
	st := newFakeStore()
	st.addCampaign("c1", models.RateLimitConfig{MessagesPerHour: 1},
		&models.Message{ID: "m1", CampaignID: "c1"},
		&models.Message{ID: "m2", CampaignID: "c1"},
		&models.Message{ID: "m3", CampaignID: "c1"},
	)
	snd := &fakeSender{store: st}
	clk := clock.NewMock()
	w := newWorker(st, snd, clk)
	defer w.registry.StopAll()

	w.Process(context.Background())
	waitFor(t, func() bool { return snd.sentCount() == 1 }, "first release")

	status := w.Status()
	if status.Running {
		t.Error("worker reported running without Start")
	}
	if status.Processed != 1 {
		t.Errorf("processed = %d, want 1", status.Processed)
	}
	cs, ok := status.Campaigns["c1"]
	if !ok {
		t.Fatal("campaign missing from status")
	}
	if cs.Queue.Pending != 2 {
		t.Errorf("queue pending = %d, want 2", cs.Queue.Pending)
	}
	if cs.EstimatedCompletion == nil {
		t.Error("no completion estimate for backlogged campaign")
	}

	depths := w.QueueDepths()
	if depths["c1"] != 2 {
		t.Errorf("queue depth = %d, want 2", depths["c1"])
	}
}

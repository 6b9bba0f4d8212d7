package correlator

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"outreachd/internal/metrics"
	"outreachd/internal/models"
	"outreachd/internal/store"
	"outreachd/internal/transport"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedSent(t *testing.T, st *store.Store, msgID, recipient string, sentAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.GetCampaign(ctx, "camp-1"); err != nil {
		c := &models.Campaign{ID: "camp-1", Name: "test", Status: models.CampaignActive, CreatedAt: time.Now()}
		if err := st.CreateCampaign(ctx, c); err != nil {
			t.Fatalf("failed to create campaign: %v", err)
		}
	}
	m := &models.Message{ID: msgID, Recipient: recipient, Text: "hi", CreatedAt: sentAt}
	if err := st.AddMessages(ctx, "camp-1", []*models.Message{m}); err != nil {
		t.Fatalf("failed to add message: %v", err)
	}
	if err := st.UpdateMessageStatus(ctx, msgID, store.MessageUpdate{
		Status: models.MessageSent,
		SentAt: &sentAt,
	}); err != nil {
		t.Fatalf("failed to mark sent: %v", err)
	}
}

func newCorrelator(st *store.Store) *Correlator {
	sandbox := transport.NewSandbox(transport.SandboxConfig{}, slog.Default())
	return New(sandbox, st, metrics.New(), slog.Default())
}

func TestHandleRecordsReply(t *testing.T) {
	st := newTestStore(t)
	seedSent(t, st, "m1", "+15550001", time.Now())
	c := newCorrelator(st)

	ev := transport.InboundEvent{
		EventID:       "ev-1",
		FromRecipient: "+15550001",
		Text:          "interested, tell me more",
		ReceivedAt:    time.Now(),
	}
	if err := c.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	got, err := st.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.MessageReplied {
		t.Errorf("status = %s, want replied", got.Status)
	}

	resp, err := st.GetResponse(context.Background(), "m1")
	if err != nil {
		t.Fatalf("response not stored: %v", err)
	}
	if resp.Text != ev.Text {
		t.Errorf("response text = %q, want %q", resp.Text, ev.Text)
	}

	camp, err := st.GetCampaign(context.Background(), "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if camp.Counters.Replied != 1 {
		t.Errorf("replied counter = %d, want 1", camp.Counters.Replied)
	}
}

func TestHandleDuplicateEventOnce(t *testing.T) {
	st := newTestStore(t)
	seedSent(t, st, "m1", "+15550001", time.Now())
	c := newCorrelator(st)

	ev := transport.InboundEvent{
		EventID:       "ev-1",
		FromRecipient: "+15550001",
		Text:          "yes",
		ReceivedAt:    time.Now(),
	}
	for i := 0; i < 3; i++ {
		if err := c.Handle(context.Background(), ev); err != nil {
			t.Fatalf("handle %d failed: %v", i, err)
		}
	}

	camp, err := st.GetCampaign(context.Background(), "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if camp.Counters.Replied != 1 {
		t.Errorf("replied counter = %d, want 1", camp.Counters.Replied)
	}
	responses, err := st.ListResponses(context.Background(), "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 {
		t.Errorf("stored %d responses, want 1", len(responses))
	}
}

func TestHandleMatchesLatestSent(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	seedSent(t, st, "m-old", "+15550001", base)
	seedSent(t, st, "m-new", "+15550001", base.Add(30*time.Minute))
	c := newCorrelator(st)

	ev := transport.InboundEvent{
		EventID:       "ev-1",
		FromRecipient: "+15550001",
		Text:          "reply",
		ReceivedAt:    time.Now(),
	}
	if err := c.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	newer, err := st.GetMessage(context.Background(), "m-new")
	if err != nil {
		t.Fatal(err)
	}
	if newer.Status != models.MessageReplied {
		t.Errorf("newest message status = %s, want replied", newer.Status)
	}
	older, err := st.GetMessage(context.Background(), "m-old")
	if err != nil {
		t.Fatal(err)
	}
	if older.Status != models.MessageSent {
		t.Errorf("older message status = %s, want sent", older.Status)
	}
}

func TestHandleUnknownRecipientIgnored(t *testing.T) {
	st := newTestStore(t)
	c := newCorrelator(st)

	ev := transport.InboundEvent{
		FromRecipient: "+19990000",
		Text:          "who is this?",
		ReceivedAt:    time.Now(),
	}
	if err := c.Handle(context.Background(), ev); err != nil {
		t.Errorf("unexpected error for unknown recipient: %v", err)
	}
}

func TestEventKeyFallback(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := eventKey(transport.InboundEvent{FromRecipient: "+1", ReceivedAt: at})
	b := eventKey(transport.InboundEvent{FromRecipient: "+1", ReceivedAt: at.Add(500 * time.Millisecond)})
	if a != b {
		t.Errorf("sub-second redelivery produced distinct keys: %q vs %q", a, b)
	}
	c := eventKey(transport.InboundEvent{FromRecipient: "+1", ReceivedAt: at.Add(2 * time.Second)})
	if a == c {
		t.Error("distinct replies coalesced")
	}
}

func TestStartConsumesInjectedEvents(t *testing.T) {
	st := newTestStore(t)
	seedSent(t, st, "m1", "+15550001", time.Now())

	sandbox := transport.NewSandbox(transport.SandboxConfig{}, slog.Default())
	c := New(sandbox, st, metrics.New(), slog.Default())
	c.Start(context.Background())
	defer c.Stop()

	sandbox.InjectInbound(transport.InboundEvent{
		EventID:       "ev-1",
		FromRecipient: "+15550001",
		Text:          "hello back",
		ReceivedAt:    time.Now(),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetMessage(context.Background(), "m1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == models.MessageReplied {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("injected event never recorded")
}

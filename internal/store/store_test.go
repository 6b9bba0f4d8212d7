package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"outreachd/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "outreach.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCampaign(t *testing.T, s *Store, status models.CampaignStatus) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		ID:          uuid.NewString(),
		Name:        "test campaign",
		MessageText: "hi {{username}}",
		RateLimit:   models.RateLimitConfig{MessagesPerHour: 60},
		Status:      status,
		CreatedAt:   time.Now(),
	}
	if err := s.CreateCampaign(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func addTestMessage(t *testing.T, s *Store, campaignID, recipient string, createdAt time.Time) *models.Message {
	t.Helper()
	m := &models.Message{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Text:      "hello",
		Status:    models.MessagePending,
		CreatedAt: createdAt,
	}
	if err := s.AddMessages(context.Background(), campaignID, []*models.Message{m}); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateCampaignDuplicate(t *testing.T) {
	s := newTestStore(t)
	c := newTestCampaign(t, s, models.CampaignDraft)

	err := s.CreateCampaign(context.Background(), c)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestStartCampaignStampsStartedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignDraft)

	first := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := s.StartCampaign(ctx, c.ID, first); err != nil {
		t.Fatal(err)
	}
	if err := s.PauseCampaign(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.StartCampaign(ctx, c.ID, first.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.CampaignActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(first) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, first)
	}
}

func TestStartCompletedCampaignRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)

	if _, err := s.CompleteCampaign(ctx, c.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	err := s.StartCampaign(ctx, c.ID, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestGetPendingMessagesOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)

	base := time.Now()
	third := addTestMessage(t, s, c.ID, "r3", base.Add(2*time.Second))
	first := addTestMessage(t, s, c.ID, "r1", base)
	second := addTestMessage(t, s, c.ID, "r2", base.Add(time.Second))

	msgs, err := s.GetPendingMessages(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	want := []string{first.ID, second.ID, third.ID}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, m.ID, want[i])
		}
	}
}

func TestPendingMessagesScopedToCampaign(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c1 := newTestCampaign(t, s, models.CampaignActive)
	c2 := newTestCampaign(t, s, models.CampaignActive)

	addTestMessage(t, s, c1.ID, "r1", time.Now())
	addTestMessage(t, s, c2.ID, "r2", time.Now())

	msgs, err := s.GetPendingMessages(ctx, c1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Recipient != "r1" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestAddMessagesAdjustsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)

	addTestMessage(t, s, c.ID, "r1", time.Now())
	addTestMessage(t, s, c.ID, "r2", time.Now())

	got, _ := s.GetCampaign(ctx, c.ID)
	if got.Counters.Total != 2 || got.Counters.Pending != 2 {
		t.Errorf("counters = %+v, want total=2 pending=2", got.Counters)
	}
}

func TestUpdateMessageStatusSentTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)
	m := addTestMessage(t, s, c.ID, "r1", time.Now())

	now := time.Now()
	handle := "prov-1"
	retry := 0
	upd := MessageUpdate{Status: models.MessageSent, RetryCount: &retry, SentAt: &now, ProviderMsgID: &handle}
	if err := s.UpdateMessageStatus(ctx, m.ID, upd); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetMessage(ctx, m.ID)
	if got.Status != models.MessageSent || got.ProviderMsgID != "prov-1" {
		t.Errorf("message = %+v", got)
	}

	camp, _ := s.GetCampaign(ctx, c.ID)
	if camp.Counters.Pending != 0 || camp.Counters.Sent != 1 {
		t.Errorf("counters = %+v, want pending=0 sent=1", camp.Counters)
	}

	pending, _ := s.GetPendingMessages(ctx, c.ID)
	if len(pending) != 0 {
		t.Errorf("pending index not cleared: %d entries", len(pending))
	}
}

func TestUpdateMessageStatusTerminalIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)
	m := addTestMessage(t, s, c.ID, "r1", time.Now())

	et := "USER_IS_BLOCKED"
	upd := MessageUpdate{Status: models.MessageFailed, ErrorType: &et}
	for i := 0; i < 3; i++ {
		if err := s.UpdateMessageStatus(ctx, m.ID, upd); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	camp, _ := s.GetCampaign(ctx, c.ID)
	if camp.Counters.Failed != 1 || camp.Counters.Pending != 0 {
		t.Errorf("counters = %+v, want failed=1 pending=0 after repeated updates", camp.Counters)
	}
}

func TestUpdateMessageStatusRejectsBackwardTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)
	m := addTestMessage(t, s, c.ID, "r1", time.Now())

	if err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageFailed}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageSent})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteCampaignOnlyWhenDrained(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)
	m := addTestMessage(t, s, c.ID, "r1", time.Now())

	done, err := s.CompleteCampaign(ctx, c.ID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("campaign completed while a message was still pending")
	}

	if err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageSent}); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	done, err = s.CompleteCampaign(ctx, c.ID, at)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("campaign should complete once pending reaches zero")
	}

	got, _ := s.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, at)
	}

	// a second call must not flip anything again
	done, _ = s.CompleteCampaign(ctx, c.ID, time.Now())
	if done {
		t.Error("completed campaign completed twice")
	}
}

func TestUpdateCampaignCountersConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.UpdateCampaignCounters(ctx, c.ID, models.CounterDelta{Sent: 1}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetCampaign(ctx, c.ID)
	if got.Counters.Sent != n {
		t.Errorf("sent = %d, want %d", got.Counters.Sent, n)
	}
}

func TestLatestSentMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)

	base := time.Now()
	older := addTestMessage(t, s, c.ID, "r1", base)
	newer := addTestMessage(t, s, c.ID, "r1", base.Add(time.Second))

	for i, m := range []*models.Message{older, newer} {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageSent, SentAt: &at}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LatestSentMessage(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != newer.ID {
		t.Errorf("got %s, want the most recently sent %s", got.ID, newer.ID)
	}

	if _, err := s.LatestSentMessage(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLatestSentMessageRecipientNotPrefixMatched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)

	m := addTestMessage(t, s, c.ID, "a:b", time.Now())
	at := time.Now()
	if err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageSent, SentAt: &at}); err != nil {
		t.Fatal(err)
	}

	// "a" must not pick up "a:b"'s index entries
	if _, err := s.LatestSentMessage(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("recipient %q matched another recipient's messages: %v", "a", err)
	}

	got, err := s.LatestSentMessage(ctx, "a:b")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID {
		t.Errorf("got %s, want %s", got.ID, m.ID)
	}
}

func TestRecordReplyIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)
	m := addTestMessage(t, s, c.ID, "r1", time.Now())

	at := time.Now()
	if err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageSent, SentAt: &at}); err != nil {
		t.Fatal(err)
	}

	resp := &models.Response{
		ID:         uuid.NewString(),
		MessageID:  m.ID,
		CampaignID: c.ID,
		Recipient:  "r1",
		Text:       "sounds good",
		ReceivedAt: time.Now(),
	}

	recorded, err := s.RecordReply(ctx, "ev1", resp)
	if err != nil {
		t.Fatal(err)
	}
	if !recorded {
		t.Fatal("first delivery should record the reply")
	}

	// same event redelivered
	recorded, err = s.RecordReply(ctx, "ev1", resp)
	if err != nil {
		t.Fatal(err)
	}
	if recorded {
		t.Error("redelivered event recorded twice")
	}

	camp, _ := s.GetCampaign(ctx, c.ID)
	if camp.Counters.Replied != 1 {
		t.Errorf("replied = %d, want 1", camp.Counters.Replied)
	}

	got, _ := s.GetMessage(ctx, m.ID)
	if got.Status != models.MessageReplied {
		t.Errorf("status = %s, want replied", got.Status)
	}

	if _, err := s.GetResponse(ctx, m.ID); err != nil {
		t.Errorf("response row missing: %v", err)
	}
}

func TestRecordReplySkipsNonSentMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)
	m := addTestMessage(t, s, c.ID, "r1", time.Now())

	resp := &models.Response{ID: uuid.NewString(), MessageID: m.ID, CampaignID: c.ID, Recipient: "r1", ReceivedAt: time.Now()}
	recorded, err := s.RecordReply(ctx, "ev1", resp)
	if err != nil {
		t.Fatal(err)
	}
	if recorded {
		t.Error("reply recorded for a message never sent")
	}
}

func TestPruneProcessedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCampaign(t, s, models.CampaignActive)

	now := time.Now()
	for i := 0; i < 4; i++ {
		m := addTestMessage(t, s, c.ID, fmt.Sprintf("r%d", i), now)
		at := now
		if err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageSent, SentAt: &at}); err != nil {
			t.Fatal(err)
		}
		resp := &models.Response{
			ID:         uuid.NewString(),
			MessageID:  m.ID,
			CampaignID: c.ID,
			Recipient:  m.Recipient,
			ReceivedAt: now.Add(time.Duration(i-10) * time.Hour),
		}
		if _, err := s.RecordReply(ctx, fmt.Sprintf("ev%d", i), resp); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.PruneProcessedEvents(ctx, now.Add(-8*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed %d keys, want 2", removed)
	}
}

func TestPruneCompletedCampaigns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	send := func(c *models.Campaign, recipient string) *models.Message {
		m := addTestMessage(t, s, c.ID, recipient, now)
		at := now
		if err := s.UpdateMessageStatus(ctx, m.ID, MessageUpdate{Status: models.MessageSent, SentAt: &at}); err != nil {
			t.Fatal(err)
		}
		return m
	}
	complete := func(c *models.Campaign, completedAt time.Time) {
		done, err := s.CompleteCampaign(ctx, c.ID, completedAt)
		if err != nil {
			t.Fatal(err)
		}
		if !done {
			t.Fatalf("campaign %s not completed", c.ID)
		}
	}

	old := newTestCampaign(t, s, models.CampaignActive)
	oldSent := send(old, "r-old")
	oldReplied := send(old, "r-old-2")
	resp := &models.Response{ID: uuid.NewString(), MessageID: oldReplied.ID, CampaignID: old.ID, Recipient: "r-old-2", ReceivedAt: now}
	if _, err := s.RecordReply(ctx, "ev-"+oldReplied.ID, resp); err != nil {
		t.Fatal(err)
	}
	complete(old, now.Add(-48*time.Hour))

	recent := newTestCampaign(t, s, models.CampaignActive)
	recentMsg := send(recent, "r-recent")
	complete(recent, now)

	removed, err := s.PruneCompletedCampaigns(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed %d campaigns, want 1", removed)
	}

	if _, err := s.GetCampaign(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired campaign still present: %v", err)
	}
	if _, err := s.GetMessage(ctx, oldSent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired message still present: %v", err)
	}
	if _, err := s.GetResponse(ctx, oldReplied.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired response still present: %v", err)
	}
	if _, err := s.LatestSentMessage(ctx, "r-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("sent index entry still present: %v", err)
	}

	if _, err := s.GetCampaign(ctx, recent.ID); err != nil {
		t.Errorf("recent campaign missing: %v", err)
	}
	if _, err := s.GetMessage(ctx, recentMsg.ID); err != nil {
		t.Errorf("recent message missing: %v", err)
	}
}

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SandboxConfig controls the simulated provider
type SandboxConfig struct {
	// FailureRate is the probability [0,1] that a send fails with a random
	// transient error. Zero disables random failures.
	FailureRate float64

	// FloodEvery makes every Nth send return FLOOD_WAIT (0 = never)
	FloodEvery       int
	FloodWaitSeconds int

	// RatePerSec caps outgoing sends globally regardless of campaign
	// pacing, as a last line of defense. Zero disables the cap.
	RatePerSec float64
	Burst      int
}

// SentRecord captures one simulated delivery
type SentRecord struct {
	Handle    string
	Recipient string
	Username  string
	Text      string
	SentAt    time.Time
}

// Sandbox is an in-process Transport simulator. It records every send,
// supports scripted per-recipient outcomes and random error injection, and
// lets callers inject inbound events to exercise reply correlation.
type Sandbox struct {
	cfg     SandboxConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	seq      int
	sent     []SentRecord
	scripted map[string]*SendError // recipient -> forced outcome

	events chan InboundEvent
	closed bool
}

// NewSandbox creates a sandbox transport
func NewSandbox(cfg SandboxConfig, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.FloodWaitSeconds <= 0 {
		cfg.FloodWaitSeconds = 30
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	return &Sandbox{
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger.With("component", "sandbox"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		scripted: make(map[string]*SendError),
		events:   make(chan InboundEvent, 64),
	}
}

// SendMessage simulates one delivery attempt
func (s *Sandbox) SendMessage(ctx context.Context, recipient, username, text string) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", NewSendError(CodeUnknown, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++

	if se, ok := s.scripted[recipient]; ok {
		s.logger.Debug("scripted outcome", "recipient", recipient, "code", se.Code)
		return "", se
	}

	if s.cfg.FloodEvery > 0 && s.seq%s.cfg.FloodEvery == 0 {
		return "", NewFloodWait(time.Duration(s.cfg.FloodWaitSeconds) * time.Second)
	}

	if s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate {
		return "", NewSendError(CodeUnknown, fmt.Errorf("simulated transient failure"))
	}

	handle := fmt.Sprintf("sandbox-%d", s.seq)
	s.sent = append(s.sent, SentRecord{
		Handle:    handle,
		Recipient: recipient,
		Username:  username,
		Text:      text,
		SentAt:    time.Now(),
	})
	s.logger.Debug("message sent", "recipient", recipient, "handle", handle)
	return handle, nil
}

// FailRecipient forces every send to the recipient to fail with the given
// outcome until cleared with ClearRecipient
func (s *Sandbox) FailRecipient(recipient string, se *SendError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[recipient] = se
}

// ClearRecipient removes a scripted outcome
func (s *Sandbox) ClearRecipient(recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scripted, recipient)
}

// Sent returns a copy of all recorded deliveries
func (s *Sandbox) Sent() []SentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentRecord, len(s.sent))
	copy(out, s.sent)
	return out
}

// InjectInbound feeds an inbound event into the stream. The lock is held
// across the send so a concurrent Close cannot close the channel under
// us; when the buffer is full the event is dropped.
func (s *Sandbox) InjectInbound(ev InboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("inbound buffer full, event dropped", "event_id", ev.EventID)
	}
}

// Inbound returns the stream of injected inbound events
func (s *Sandbox) Inbound() <-chan InboundEvent {
	return s.events
}

// Close closes the inbound stream
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// GatewayConfig contains provider gateway connection settings
type GatewayConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Gateway is a Transport backed by an out-of-process provider gateway that
// holds the authenticated session. Sends are synchronous HTTP calls; inbound
// events are long-polled from the gateway's event feed.
type Gateway struct {
	cfg        GatewayConfig
	httpClient *http.Client
	logger     *slog.Logger

	events chan InboundEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type gatewaySendRequest struct {
	Recipient string `json:"recipient"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
}

type gatewaySendResponse struct {
	MessageID string `json:"message_id"`
}

type gatewayErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	WaitSeconds int    `json:"wait_seconds,omitempty"`
}

type gatewayEvent struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	Cursor     int64     `json:"cursor"`
}

// NewGateway creates a gateway transport and starts the event poll loop
func NewGateway(cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "gateway"),
		events:     make(chan InboundEvent, 64),
		cancel:     cancel,
	}

	g.wg.Add(1)
	go g.pollLoop(ctx)

	return g
}

// SendMessage delivers one message through the gateway
func (g *Gateway) SendMessage(ctx context.Context, recipient, username, text string) (string, error) {
	req := gatewaySendRequest{Recipient: recipient, Username: username, Text: text}

	var resp gatewaySendResponse
	if err := g.request(ctx, http.MethodPost, "/api/v1/messages", req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// Inbound returns the stream of inbound events
func (g *Gateway) Inbound() <-chan InboundEvent {
	return g.events
}

// Close stops the poll loop and closes the inbound stream
func (g *Gateway) Close() error {
	g.cancel()
	g.wg.Wait()
	close(g.events)
	return nil
}

func (g *Gateway) pollLoop(ctx context.Context) {
	defer g.wg.Done()

	var cursor int64
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := g.fetchEvents(ctx, cursor)
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Warn("event poll failed", "error", err)
				}
				continue
			}
			cursor = next
		}
	}
}

func (g *Gateway) fetchEvents(ctx context.Context, cursor int64) (int64, error) {
	path := "/api/v1/events?cursor=" + url.QueryEscape(strconv.FormatInt(cursor, 10))

	var evs []gatewayEvent
	if err := g.request(ctx, http.MethodGet, path, nil, &evs); err != nil {
		return cursor, err
	}

	for _, ev := range evs {
		ie := InboundEvent{
			EventID:       ev.ID,
			FromRecipient: ev.From,
			Text:          ev.Text,
			ReceivedAt:    ev.ReceivedAt,
		}
		select {
		case g.events <- ie:
		case <-ctx.Done():
			return cursor, ctx.Err()
		}
		if ev.Cursor > cursor {
			cursor = ev.Cursor
		}
	}
	return cursor, nil
}

// request performs one JSON HTTP call against the gateway, mapping error
// payloads to the send error taxonomy
func (g *Gateway) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return NewSendError(CodeUnknown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp gatewayErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return NewSendError(CodeUnknown, fmt.Errorf("HTTP %d", resp.StatusCode))
		}
		code := ParseCode(errResp.Code)
		if code == CodeFloodWait {
			return NewFloodWait(time.Duration(errResp.WaitSeconds) * time.Second)
		}
		return NewSendError(code, fmt.Errorf("gateway: %s", errResp.Error))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

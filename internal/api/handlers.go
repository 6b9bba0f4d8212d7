package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"outreachd/internal/models"
	"outreachd/internal/store"
)

// RecipientInput is one target of a new campaign
type RecipientInput struct {
	Recipient string `json:"recipient"`
	Username  string `json:"username,omitempty"`
}

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Name        string                  `json:"name"`
	MessageText string                  `json:"message_text"`
	RateLimit   *models.RateLimitConfig `json:"rate_limit,omitempty"`
	Recipients  []RecipientInput        `json:"recipients"`
}

// CampaignResponse is a campaign as returned by the API
type CampaignResponse struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Status      string                  `json:"status"`
	Counters    models.CampaignCounters `json:"counters"`
	RateLimit   models.RateLimitConfig  `json:"rate_limit"`
	CreatedAt   time.Time               `json:"created_at"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	ETA         *time.Time              `json:"estimated_completion,omitempty"`
}

// MessageSummary is a message as returned by the API
type MessageSummary struct {
	ID         string     `json:"id"`
	Recipient  string     `json:"recipient"`
	Status     string     `json:"status"`
	RetryCount int        `json:"retry_count"`
	ErrorType  string     `json:"error_type,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.MessageText == "" {
		s.sendError(w, http.StatusBadRequest, "message_text is required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	for _, rc := range req.Recipients {
		if rc.Recipient == "" {
			s.sendError(w, http.StatusBadRequest, "recipient must not be empty")
			return
		}
	}

	rate := s.defaults.ToModel()
	if req.RateLimit != nil {
		rate = *req.RateLimit
	}

	now := time.Now()
	c := &models.Campaign{
		ID:          uuid.New().String(),
		Name:        req.Name,
		MessageText: req.MessageText,
		RateLimit:   rate,
		Status:      models.CampaignDraft,
		CreatedAt:   now,
	}

	msgs := make([]*models.Message, 0, len(req.Recipients))
	for _, rc := range req.Recipients {
		msgs = append(msgs, &models.Message{
			ID:        uuid.New().String(),
			Recipient: rc.Recipient,
			Username:  rc.Username,
			Text:      renderMessage(req.MessageText, rc.Recipient, rc.Username),
			Status:    models.MessagePending,
			CreatedAt: now,
		})
	}

	if err := s.store.CreateCampaign(r.Context(), c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}
	if err := s.store.AddMessages(r.Context(), c.ID, msgs); err != nil {
		s.logger.Error("failed to add campaign messages", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to add campaign messages")
		return
	}

	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"name", c.Name,
		"recipients", len(msgs),
	)

	created, err := s.store.GetCampaign(r.Context(), c.ID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	s.sendJSON(w, http.StatusCreated, s.campaignResponse(created))
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context())
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	out := make([]CampaignResponse, len(campaigns))
	for i, c := range campaigns {
		out[i] = s.campaignResponse(c)
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, s.campaignResponse(c))
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.StartCampaign(r.Context(), id, time.Now()); err != nil {
		s.campaignError(w, id, err, "start")
		return
	}

	s.logger.Info("campaign started", "campaign_id", id)
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, s.campaignResponse(c))
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.PauseCampaign(r.Context(), id); err != nil {
		s.campaignError(w, id, err, "pause")
		return
	}
	if d, ok := s.registry.Get(id); ok {
		d.Pause()
	}

	s.logger.Info("campaign paused", "campaign_id", id)
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, s.campaignResponse(c))
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume.
// The dispatcher keeps the queue held while its night window is active,
// so resuming during quiet hours only flips the stored status.
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.StartCampaign(r.Context(), id, time.Now()); err != nil {
		s.campaignError(w, id, err, "resume")
		return
	}
	if d, ok := s.registry.Get(id); ok {
		d.Resume()
	}

	s.logger.Info("campaign resumed", "campaign_id", id)
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, s.campaignResponse(c))
}

// handleListMessages handles GET /api/v1/campaigns/{id}/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	status := models.MessageStatus(r.URL.Query().Get("status"))
	msgs, err := s.store.ListMessages(r.Context(), c.ID, status)
	if err != nil {
		s.logger.Error("failed to list messages", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	out := make([]MessageSummary, len(msgs))
	for i, m := range msgs {
		out[i] = MessageSummary{
			ID:         m.ID,
			Recipient:  m.Recipient,
			Status:     string(m.Status),
			RetryCount: m.RetryCount,
			ErrorType:  m.ErrorType,
			LastError:  m.LastError,
			SentAt:     m.SentAt,
		}
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleListResponses handles GET /api/v1/campaigns/{id}/responses
func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	responses, err := s.store.ListResponses(r.Context(), c.ID)
	if err != nil {
		s.logger.Error("failed to list responses", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list responses")
		return
	}
	s.sendJSON(w, http.StatusOK, responses)
}

// handleWorkerStart handles POST /api/v1/worker/start. The sweep loop
// must outlive the request, so it runs on a background context.
func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	started := s.worker.Start(context.Background())
	s.sendJSON(w, http.StatusOK, map[string]bool{"started": started})
}

// handleWorkerStop handles POST /api/v1/worker/stop
func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	s.worker.Stop()
	s.sendJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// handleWorkerStatus handles GET /api/v1/worker/status
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.worker.Status())
}

// handleWorkerProcess handles POST /api/v1/worker/process
func (s *Server) handleWorkerProcess(w http.ResponseWriter, r *http.Request) {
	s.worker.Process(r.Context())
	s.sendJSON(w, http.StatusOK, s.worker.Status())
}

// loadCampaign resolves the {id} route parameter, writing the error
// response itself when the campaign cannot be loaded
func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
		} else {
			s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		}
		return nil, false
	}
	return c, true
}

func (s *Server) campaignError(w http.ResponseWriter, id string, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, "Campaign state does not allow "+op)
	default:
		s.logger.Error("campaign operation failed", "campaign_id", id, "op", op, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to "+op+" campaign")
	}
}

func (s *Server) campaignResponse(c *models.Campaign) CampaignResponse {
	resp := CampaignResponse{
		ID:          c.ID,
		Name:        c.Name,
		Status:      string(c.Status),
		Counters:    c.Counters,
		RateLimit:   c.RateLimit,
		CreatedAt:   c.CreatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
	if d, ok := s.registry.Get(c.ID); ok {
		if eta := d.EstimateCompletion(); !eta.IsZero() {
			resp.ETA = &eta
		}
	}
	return resp
}

// renderMessage substitutes {{recipient}} and {{username}} placeholders
// in the campaign text
func renderMessage(text, recipient, username string) string {
	return strings.NewReplacer(
		"{{recipient}}", recipient,
		"{{username}}", username,
	).Replace(text)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

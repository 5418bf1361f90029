package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/bus"
	"github.com/vaivahik/realtime/internal/db"
	"github.com/vaivahik/realtime/internal/gateway"
	"github.com/vaivahik/realtime/internal/notify"
)

// Repository defines the database operations the HTTP surface needs.
type Repository interface {
	GetOrCreateThread(ctx context.Context, participants []uuid.UUID) (*db.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (*db.Thread, error)
	ListThreadsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Thread, error)
	ListMessagesByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]*db.Message, error)
	ListInAppByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.InAppNotification, error)
	MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error)
	RegisterDeviceToken(ctx context.Context, t *db.DeviceToken) error
	DeleteDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
	HasAcceptedMatch(ctx context.Context, a, b uuid.UUID) (bool, error)
}

// MessageService is the message pipeline shared with the websocket surface.
type MessageService interface {
	SendMessage(ctx context.Context, senderID, connID uuid.UUID, req gateway.SendRequest) (*db.Message, *gateway.Error)
	MarkAsRead(ctx context.Context, threadID, userID uuid.UUID, uptoMessageID *uuid.UUID) (int64, *gateway.Error)
}

// Publisher accepts domain events from sibling services.
type Publisher interface {
	Publish(event bus.Event) bool
}

// DeviceProvisioner turns a raw device token into a push endpoint ARN.
type DeviceProvisioner interface {
	Provision(ctx context.Context, token string) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	svc         MessageService
	prefs       *notify.PreferenceResolver
	events      Publisher
	provisioner DeviceProvisioner // nil when no push platform is configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, svc MessageService, prefs *notify.PreferenceResolver, events Publisher, provisioner DeviceProvisioner) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		svc:         svc,
		prefs:       prefs,
		events:      events,
		provisioner: provisioner,
	}
}

// Routes mounts every handler under the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/threads", h.ListThreads)
	r.Post("/threads", h.CreateThread)
	r.Get("/threads/{id}", h.GetThread)
	r.Get("/threads/{id}/messages", h.ListMessages)
	r.Post("/threads/{id}/read", h.MarkThreadRead)
	r.Post("/messages", h.SendMessage)
	r.Get("/notifications", h.ListNotifications)
	r.Post("/notifications/read", h.MarkNotificationsRead)
	r.Get("/preferences", h.GetPreferences)
	r.Patch("/preferences", h.UpdatePreferences)
	r.Post("/devices", h.RegisterDevice)
	r.Delete("/devices/{token}", h.DeleteDevice)
	r.Post("/events", h.PublishEvent)
}

// ListThreads handles GET /v1/threads
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	limit, offset := pagination(r)
	threads, err := h.repo.ListThreadsByUser(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list threads", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list threads", "")
		return
	}
	if threads == nil {
		threads = []*db.Thread{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// CreateThread handles POST /v1/threads. Creation is idempotent: the same
// participant pair always resolves to the same thread.
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	var req struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	participantID, err := uuid.Parse(req.ParticipantID)
	if err != nil || participantID == identity.UserID {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid participant_id", "")
		return
	}

	allowed, err := h.repo.HasAcceptedMatch(r.Context(), identity.UserID, participantID)
	if err != nil {
		h.logger.Error("failed to check match", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create thread", "")
		return
	}
	if !allowed {
		h.writeError(w, http.StatusForbidden, gateway.CodeNotAllowed, "No accepted connection with this member", "")
		return
	}

	thread, err := h.repo.GetOrCreateThread(r.Context(), []uuid.UUID{identity.UserID, participantID})
	if err != nil {
		h.logger.Error("failed to create thread", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create thread", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, thread)
}

// GetThread handles GET /v1/threads/{id}
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid thread id", "")
		return
	}

	thread, err := h.repo.GetThread(r.Context(), threadID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, gateway.CodeThreadNotFound, "Thread not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get thread", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get thread", "")
		return
	}

	if !containsUser(thread.Participants, identity.UserID) {
		h.writeError(w, http.StatusNotFound, gateway.CodeThreadNotFound, "Thread not found", "")
		return
	}

	h.writeJSON(w, http.StatusOK, thread)
}

// ListMessages handles GET /v1/threads/{id}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid thread id", "")
		return
	}

	thread, err := h.repo.GetThread(r.Context(), threadID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, gateway.CodeThreadNotFound, "Thread not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get thread", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list messages", "")
		return
	}
	if !containsUser(thread.Participants, identity.UserID) {
		h.writeError(w, http.StatusNotFound, gateway.CodeThreadNotFound, "Thread not found", "")
		return
	}

	limit, offset := pagination(r)
	messages, err := h.repo.ListMessagesByThread(r.Context(), threadID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list messages", "")
		return
	}
	if messages == nil {
		messages = []*db.Message{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// SendMessage handles POST /v1/messages via the same pipeline the
// websocket surface uses.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	var req struct {
		ThreadID *uuid.UUID        `json:"thread_id,omitempty"`
		ToUserID *uuid.UUID        `json:"to_user_id,omitempty"`
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	msg, sendErr := h.svc.SendMessage(r.Context(), identity.UserID, uuid.Nil, gateway.SendRequest{
		ThreadID: req.ThreadID,
		ToUserID: req.ToUserID,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if sendErr != nil {
		h.writePipelineError(w, sendErr)
		return
	}

	h.writeJSON(w, http.StatusCreated, msg)
}

// MarkThreadRead handles POST /v1/threads/{id}/read
func (h *Handler) MarkThreadRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	threadID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid thread id", "")
		return
	}

	var req struct {
		UpToMessageID *uuid.UUID `json:"up_to_message_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	updated, markErr := h.svc.MarkAsRead(r.Context(), threadID, identity.UserID, req.UpToMessageID)
	if markErr != nil {
		h.writePipelineError(w, markErr)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// ListNotifications handles GET /v1/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit, offset := pagination(r)

	notifications, err := h.repo.ListInAppByUser(r.Context(), identity.UserID, unreadOnly, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list notifications", "")
		return
	}
	if notifications == nil {
		notifications = []*db.InAppNotification{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

// MarkNotificationsRead handles POST /v1/notifications/read
func (h *Handler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	var req struct {
		IDs []uuid.UUID `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "No notification ids provided", "")
		return
	}

	updated, err := h.repo.MarkNotificationsRead(r.Context(), identity.UserID, req.IDs)
	if err != nil {
		h.logger.Error("failed to mark notifications read", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to mark notifications read", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// GetPreferences handles GET /v1/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	prefs, err := h.prefs.Get(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to get preferences", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get preferences", "")
		return
	}

	h.writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PATCH /v1/preferences. Omitted fields keep
// their current values.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	var update notify.PreferenceUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	prefs, err := h.prefs.Update(r.Context(), identity.UserID, update)
	if err != nil {
		h.logger.Error("failed to update preferences", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update preferences", "")
		return
	}

	h.writeJSON(w, http.StatusOK, prefs)
}

// RegisterDevice handles POST /v1/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	var req struct {
		Token       string `json:"token"`
		EndpointARN string `json:"endpoint_arn,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "token is required", "")
		return
	}

	endpointARN := req.EndpointARN
	if endpointARN == "" && h.provisioner != nil {
		arn, err := h.provisioner.Provision(r.Context(), req.Token)
		if err != nil {
			h.logger.Error("failed to provision push endpoint", zap.Error(err))
			h.writeError(w, http.StatusBadGateway, "push_provisioning_failed", "Failed to provision push endpoint", "")
			return
		}
		endpointARN = arn
	}

	t := &db.DeviceToken{
		UserID:      identity.UserID,
		Token:       req.Token,
		EndpointARN: endpointARN,
	}
	if err := h.repo.RegisterDeviceToken(r.Context(), t); err != nil {
		h.logger.Error("failed to register device token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to register device", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, t)
}

// DeleteDevice handles DELETE /v1/devices/{token}
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
		return
	}

	token := chi.URLParam(r, "token")
	err := h.repo.DeleteDeviceToken(r.Context(), identity.UserID, token)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Device token not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete device token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to delete device", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PublishEvent handles POST /v1/events: the fire-and-forget publishing API
// sibling services (interests, payments, subscriptions) call.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string            `json:"user_id"`
		Type     string            `json:"type"`
		Metadata map[string]string `json:"metadata,omitempty"`
		Priority string            `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil || req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user_id and type are required", "")
		return
	}

	hadListener := h.events.Publish(bus.Event{
		UserID:   userID,
		Type:     req.Type,
		Metadata: req.Metadata,
		Priority: bus.Priority(req.Priority),
	})

	h.writeJSON(w, http.StatusAccepted, map[string]bool{"had_listener": hadListener})
}

// writePipelineError maps a message-pipeline rejection to an HTTP status.
func (h *Handler) writePipelineError(w http.ResponseWriter, e *gateway.Error) {
	status := http.StatusBadRequest
	switch e.Code {
	case gateway.CodeRateLimited:
		status = http.StatusTooManyRequests
	case gateway.CodeThreadNotFound:
		status = http.StatusNotFound
	case gateway.CodeNotAllowed:
		status = http.StatusForbidden
	case gateway.CodeInternal:
		status = http.StatusInternalServerError
	}

	h.writeError(w, status, e.Code, e.Message, "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}

func containsUser(participants []uuid.UUID, userID uuid.UUID) bool {
	for _, p := range participants {
		if p == userID {
			return true
		}
	}
	return false
}

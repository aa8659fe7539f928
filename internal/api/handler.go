package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sqs"
)

// TokenService registers and invalidates device tokens.
type TokenService interface {
	RegisterDeviceToken(ctx context.Context, userID, token, deviceType string, deviceInfo map[string]string) (*db.DeviceToken, error)
	InvalidateTokens(ctx context.Context, tokens []string) error
}

// PreferenceService reads and writes notification preferences.
type PreferenceService interface {
	GetPreferences(ctx context.Context, userID string) *db.Preferences
	SavePreferences(ctx context.Context, p *db.Preferences) error
}

// InboxService serves a user's delivery records.
type InboxService interface {
	Inbox(ctx context.Context, userID string, limit, offset int) ([]*db.DeliveryRecord, error)
	MarkRead(ctx context.Context, announcementID, userID string) (*db.DeliveryRecord, error)
}

// AnnouncementLoader loads announcements by id.
type AnnouncementLoader interface {
	GetAnnouncement(ctx context.Context, id string) (*db.Announcement, error)
}

// DispatchGuard rejects concurrent duplicate dispatches.
type DispatchGuard interface {
	CheckOrReserve(ctx context.Context, announcementID, idempotencyKey string) (*redis.DispatchRecord, error)
	Store(ctx context.Context, announcementID, idempotencyKey string, rec *redis.DispatchRecord, ttl time.Duration) error
	Release(ctx context.Context, announcementID, idempotencyKey string) error
}

// JobQueue hands dispatch jobs to the background worker.
type JobQueue interface {
	Enqueue(ctx context.Context, job *sqs.Job) (string, error)
}

// JobRunner executes a dispatch job in process.
type JobRunner interface {
	Run(ctx context.Context, job *sqs.Job) (notify.Result, error)
}

// Deps holds the handler's collaborators. Guard and Queue are optional.
type Deps struct {
	Tokens        TokenService
	Preferences   PreferenceService
	Inbox         InboxService
	Announcements AnnouncementLoader
	Runner        JobRunner
	Guard         DispatchGuard // nil if Redis not configured
	Queue         JobQueue      // nil if SQS not configured
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// RegisterDeviceRequest is the body of POST /v1/devices.
type RegisterDeviceRequest struct {
	UserID     string            `json:"user_id"`
	Token      string            `json:"token"`
	DeviceType string            `json:"device_type"`
	DeviceInfo map[string]string `json:"device_info,omitempty"`
}

// DispatchRequest is the body of POST /v1/announcements/{id}/dispatch.
type DispatchRequest struct {
	Recipients []db.Recipient `json:"recipients"`
}

// DispatchResponse reports an accepted or completed dispatch.
type DispatchResponse struct {
	AnnouncementID string   `json:"announcement_id"`
	Status         string   `json:"status"`
	Recipients     int      `json:"recipients"`
	JobID          string   `json:"job_id,omitempty"`
	Sent           int      `json:"sent"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

// InboxResponse is one page of a user's notifications.
type InboxResponse struct {
	Notifications []*db.DeliveryRecord `json:"notifications"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
}

const (
	dispatchAccepted  = "accepted"
	dispatchCompleted = "completed"
)

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps

	// inflight tracks in-process dispatches started without a queue.
	inflight sync.WaitGroup
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger: logger,
		deps:   deps,
	}
}

// Routes mounts the v1 API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/devices", h.RegisterDevice)
	r.Delete("/devices/{token}", h.DeleteDevice)

	r.Get("/users/{id}/preferences", h.GetPreferences)
	r.Put("/users/{id}/preferences", h.UpdatePreferences)
	r.Get("/users/{id}/notifications", h.ListNotifications)
	r.Post("/users/{id}/notifications/{announcementId}/read", h.MarkRead)

	r.Post("/announcements/{id}/dispatch", h.DispatchAnnouncement)
}

// Wait blocks until in-process dispatches have finished.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// RegisterDevice handles POST /v1/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	tok, err := h.deps.Tokens.RegisterDeviceToken(r.Context(), req.UserID, req.Token, req.DeviceType, req.DeviceInfo)
	if err != nil {
		if errors.Is(err, notify.ErrInvalidToken) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid device token", err.Error())
			return
		}
		h.logger.Error("failed to register device token",
			zap.Error(err),
			zap.String("user_id", req.UserID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to register device", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, tok)
}

// DeleteDevice handles DELETE /v1/devices/{token}
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing token", "")
		return
	}

	if err := h.deps.Tokens.InvalidateTokens(r.Context(), []string{token}); err != nil {
		h.logger.Error("failed to invalidate device token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to invalidate device", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences handles GET /v1/users/{id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	h.writeJSON(w, http.StatusOK, h.deps.Preferences.GetPreferences(r.Context(), userID))
}

// UpdatePreferences handles PUT /v1/users/{id}/preferences. The body
// replaces the stored settings; omitted fields keep their current value.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	prefs := h.deps.Preferences.GetPreferences(ctx, userID)
	if err := json.NewDecoder(r.Body).Decode(prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	prefs.UserID = userID

	if err := h.deps.Preferences.SavePreferences(ctx, prefs); err != nil {
		if errors.Is(err, notify.ErrInvalidPreferences) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid preferences", err.Error())
			return
		}
		h.logger.Error("failed to save preferences",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save preferences", "")
		return
	}

	h.writeJSON(w, http.StatusOK, prefs)
}

// ListNotifications handles GET /v1/users/{id}/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(parsed, 100)
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offset", "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	records, err := h.deps.Inbox.Inbox(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if records == nil {
		records = []*db.DeliveryRecord{}
	}

	h.writeJSON(w, http.StatusOK, InboxResponse{
		Notifications: records,
		Limit:         limit,
		Offset:        offset,
	})
}

// MarkRead handles POST /v1/users/{id}/notifications/{announcementId}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	announcementID := chi.URLParam(r, "announcementId")

	rec, err := h.deps.Inbox.MarkRead(r.Context(), announcementID, userID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	case errors.Is(err, notify.ErrTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Notification cannot be marked read", err.Error())
		return
	case err != nil:
		h.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("announcement_id", announcementID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// DispatchAnnouncement handles POST /v1/announcements/{id}/dispatch.
// Supports idempotency via the Idempotency-Key header. With ?wait=true the
// run happens inside the request and the result is returned; otherwise the
// job is queued (or started in process) and 202 is returned.
func (h *Handler) DispatchAnnouncement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	announcementID := chi.URLParam(r, "id")
	idempotencyKey := r.Header.Get("Idempotency-Key")
	wait := r.URL.Query().Get("wait") == "true"

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	for i, rcpt := range req.Recipients {
		if rcpt.ID == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient",
				"recipient "+strconv.Itoa(i)+" has no id")
			return
		}
	}

	a, err := h.deps.Announcements.GetAnnouncement(ctx, announcementID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Announcement not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to load announcement",
			zap.Error(err),
			zap.String("announcement_id", announcementID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load announcement", "")
		return
	}

	if h.deps.Guard != nil {
		cached, err := h.deps.Guard.CheckOrReserve(ctx, a.ID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateDispatch) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Dispatch is already in progress",
					"Another dispatch of this announcement with the same idempotency key is running")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, DispatchResponse{
				AnnouncementID: cached.AnnouncementID,
				Status:         cached.Status,
				Recipients:     cached.Recipients,
				Sent:           cached.Sent,
				Failed:         cached.Failed,
			})
			return
		}
	}

	job := &sqs.Job{
		JobID:          uuid.NewString(),
		AnnouncementID: a.ID,
		Recipients:     req.Recipients,
		IdempotencyKey: idempotencyKey,
	}
	metrics.RecordAnnouncementDispatched(string(a.Type))

	if wait {
		res, err := h.deps.Runner.Run(context.WithoutCancel(ctx), job)
		if err != nil {
			h.release(ctx, a.ID, idempotencyKey)
			h.logger.Error("dispatch failed",
				zap.Error(err),
				zap.String("announcement_id", a.ID),
			)
			h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch announcement", "")
			return
		}
		h.writeJSON(w, http.StatusOK, DispatchResponse{
			AnnouncementID: a.ID,
			Status:         dispatchCompleted,
			Recipients:     len(req.Recipients),
			Sent:           res.Sent,
			Failed:         res.Failed,
			Errors:         res.Errors,
		})
		return
	}

	queued := false
	if h.deps.Queue != nil {
		_, err := h.deps.Queue.Enqueue(ctx, job)
		switch {
		case err == nil:
			queued = true
		case errors.Is(err, sqs.ErrJobTooLarge):
			h.logger.Warn("dispatch job too large for queue, running in process",
				zap.String("announcement_id", a.ID),
				zap.Int("recipients", len(req.Recipients)),
			)
		default:
			h.release(ctx, a.ID, idempotencyKey)
			h.logger.Error("failed to enqueue dispatch job",
				zap.Error(err),
				zap.String("announcement_id", a.ID),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue dispatch", "")
			return
		}
	}

	if !queued {
		h.runDetached(ctx, job)
	}

	resp := DispatchResponse{
		AnnouncementID: a.ID,
		Status:         dispatchAccepted,
		Recipients:     len(req.Recipients),
		JobID:          job.JobID,
	}

	// An in-process run stores its own completion record, so only queued
	// jobs get the accepted record here.
	if queued && h.deps.Guard != nil {
		ttl := redis.DispatchTTL
		if idempotencyKey != "" {
			ttl = redis.DispatchTTLExplicit
		}
		rec := &redis.DispatchRecord{
			AnnouncementID: a.ID,
			Status:         dispatchAccepted,
			Recipients:     len(req.Recipients),
			StatusCode:     http.StatusAccepted,
		}
		if err := h.deps.Guard.Store(ctx, a.ID, idempotencyKey, rec, ttl); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("announcement dispatch accepted",
		zap.String("announcement_id", a.ID),
		zap.Int("recipients", len(req.Recipients)),
		zap.Bool("queued", queued),
	)

	h.writeJSON(w, http.StatusAccepted, resp)
}

// runDetached runs a job on a goroutine that outlives the request.
func (h *Handler) runDetached(ctx context.Context, job *sqs.Job) {
	runCtx := context.WithoutCancel(ctx)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if _, err := h.deps.Runner.Run(runCtx, job); err != nil {
			h.release(runCtx, job.AnnouncementID, job.IdempotencyKey)
			h.logger.Error("in-process dispatch failed",
				zap.Error(err),
				zap.String("announcement_id", job.AnnouncementID),
			)
		}
	}()
}

func (h *Handler) release(ctx context.Context, announcementID, idempotencyKey string) {
	if h.deps.Guard == nil {
		return
	}
	if err := h.deps.Guard.Release(context.WithoutCancel(ctx), announcementID, idempotencyKey); err != nil {
		h.logger.Warn("failed to release dispatch lock",
			zap.Error(err),
			zap.String("announcement_id", announcementID),
		)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

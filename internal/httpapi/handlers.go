package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voice-scheduler/internal/audit"
	"voice-scheduler/internal/auth"
	"voice-scheduler/internal/calls"
	"voice-scheduler/internal/orchestrator"
	"voice-scheduler/internal/rbac"
	"voice-scheduler/internal/reporting"
	"voice-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the orchestrator surface the API needs.
type CallService interface {
	Schedule(ctx context.Context, req calls.ScheduleRequest) (calls.Call, error)
	Status(ctx context.Context, id int64) (calls.Call, error)
	Cancel(ctx context.Context, id int64) (calls.Call, error)
	Events(ctx context.Context, id int64) ([]audit.Event, error)
	Pending() int
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   CallService
	Reports *reporting.Service

	// Ready reports storage health for /healthz. Optional.
	Ready func(ctx context.Context) error
}

func (h Handlers) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Calls != nil {
		body["pending_triggers"] = h.Calls.Pending()
	}
	if h.Ready != nil {
		if err := h.Ready(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("readiness check failed", "err", err)
			body["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair without checking credentials. Routes only
// mount it outside production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh trades a refresh token for a new token pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		logger.FromGin(c).Info("refresh rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type scheduleCallRequest struct {
	PhoneNumber       string      `json:"destination_phone_number"`
	FireTime          json.Number `json:"fire_time"`
	Persona           string      `json:"persona"`
	Scenario          string      `json:"scenario"`
	CustomDescription *string     `json:"custom_description,omitempty"`
}

type scheduleCallResponse struct {
	CallID        int64        `json:"call_id"`
	ScheduledTime time.Time    `json:"scheduled_time"`
	Status        calls.Status `json:"status"`
}

type callStatusResponse struct {
	CallID        int64        `json:"call_id"`
	Status        calls.Status `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
	ScheduledTime time.Time    `json:"scheduled_time"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
}

func statusView(c calls.Call) callStatusResponse {
	return callStatusResponse{
		CallID:        c.ID,
		Status:        c.Status,
		FailureReason: c.FailureReason,
		ScheduledTime: c.FireAt,
		StartedAt:     c.StartedAt,
		EndedAt:       c.EndedAt,
	}
}

func (h Handlers) ScheduleCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req scheduleCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	fireTime, err := parseFireTime(req.FireTime)
	if err != nil {
		writeError(c, err)
		return
	}

	call, err := h.Calls.Schedule(c.Request.Context(), calls.ScheduleRequest{
		PhoneNumber:       req.PhoneNumber,
		FireTime:          fireTime,
		Persona:           req.Persona,
		Scenario:          req.Scenario,
		CustomDescription: req.CustomDescription,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	logger.FromGin(c).Info("call scheduled", "call_id", call.ID, "fire_at", call.FireAt, "user_id", userID)
	c.JSON(http.StatusCreated, scheduleCallResponse{CallID: call.ID, ScheduledTime: call.FireAt, Status: call.Status})
}

// parseFireTime accepts unix seconds as a JSON number or numeric string.
// Fractional seconds are truncated.
func parseFireTime(n json.Number) (int64, error) {
	invalid := &calls.ValidationError{Field: "fire_time", Message: "must be a unix timestamp in seconds"}
	if n == "" {
		return 0, invalid
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, invalid
	}
	return int64(f), nil
}

func (h Handlers) GetCall(c *gin.Context) {
	id, ok := callIDParam(c)
	if !ok {
		return
	}
	call, err := h.Calls.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView(call))
}

func (h Handlers) CancelCall(c *gin.Context) {
	id, ok := callIDParam(c)
	if !ok {
		return
	}
	call, err := h.Calls.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	userID, _ := auth.UserID(c.Request.Context())
	logger.FromGin(c).Info("call cancelled", "call_id", id, "user_id", userID)
	c.JSON(http.StatusOK, statusView(call))
}

func (h Handlers) ListCallEvents(c *gin.Context) {
	id, ok := callIDParam(c)
	if !ok {
		return
	}
	events, err := h.Calls.Events(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": id, "events": events})
}

func callIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("call_id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// --- Reports ---

func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	from, err := parseTimeParam(c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from: " + err.Error()})
		return
	}
	to, err := parseTimeParam(c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to: " + err.Error()})
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range: reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// parseTimeParam accepts RFC 3339 or unix seconds.
func parseTimeParam(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("required")
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("must be RFC 3339 or unix seconds")
	}
	return t.UTC(), nil
}

// writeError maps service errors to status codes.
func writeError(c *gin.Context, err error) {
	var ve *calls.ValidationError
	switch {
	case errors.As(err, &ve):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, orchestrator.ErrNotCancellable):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call already started or finished"})
	case errors.Is(err, orchestrator.ErrPersistence):
		logger.FromGin(c).Error("persistence failure", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable", "retryable": true})
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

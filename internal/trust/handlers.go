package trust

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/mfa"
	"github.com/mbd888/trustgate/internal/pagination"
	"github.com/mbd888/trustgate/internal/signals"
)

// Handler provides HTTP endpoints over the engine.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new trust handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the scoring, challenge and reporting routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/actions/score", h.ScoreAction)
	r.POST("/challenges", h.IssueChallenge)
	r.POST("/challenges/:id/verify", h.VerifyChallenge)
	r.GET("/users/:id/activity", h.RecentActivity)
	r.GET("/alerts", h.RecentAlerts)
	r.GET("/stats", h.Stats)
}

// RegisterAdminRoutes sets up account provisioning routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.ProvisionUser)
	r.POST("/users/:id/verified", h.MarkVerified)
	r.POST("/users/:id/deactivate", h.Deactivate)
	r.POST("/users/:id/incidents", h.RecordIncident)
}

// ScoreAction handles POST /v1/actions/score
func (h *Handler) ScoreAction(c *gin.Context) {
	var action ActionEvent
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.engine.ScoreAction(c.Request.Context(), action.UserID, &action)
	if err != nil {
		var ie *InputError
		if errors.As(err, &ie) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_action",
				"field":   ie.Field,
				"message": ie.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("scoring failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to score action",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// IssueChallengeRequest is the body of POST /v1/challenges.
type IssueChallengeRequest struct {
	UserID   string `json:"userId" binding:"required"`
	ActionID string `json:"actionId"`
}

// IssueChallenge handles POST /v1/challenges
func (h *Handler) IssueChallenge(c *gin.Context) {
	var req IssueChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	ch, err := h.engine.IssueChallenge(c.Request.Context(), req.UserID, req.ActionID)
	if err != nil {
		if errors.Is(err, mfa.ErrMissingUser) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "challenge_failed",
			"message": "Failed to issue challenge",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"challenge": ch})
}

// VerifyChallengeRequest is the body of POST /v1/challenges/:id/verify.
type VerifyChallengeRequest struct {
	Code string `json:"code" binding:"required"`
}

// VerifyChallenge handles POST /v1/challenges/:id/verify
func (h *Handler) VerifyChallenge(c *gin.Context) {
	var req VerifyChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "code is required",
		})
		return
	}

	v, err := h.engine.VerifyChallenge(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		logging.L(c.Request.Context()).Error("verification failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to complete verification",
		})
		return
	}

	c.JSON(verifyStatus(v.Outcome), gin.H{"verification": v})
}

// Each outcome gets a distinct status so clients can render the right guidance.
func verifyStatus(o mfa.Outcome) int {
	switch o {
	case mfa.OutcomeVerified:
		return http.StatusOK
	case mfa.OutcomeIncorrect:
		return http.StatusUnauthorized
	case mfa.OutcomeFailed:
		return http.StatusForbidden
	case mfa.OutcomeExpired:
		return http.StatusGone
	default:
		return http.StatusNotFound
	}
}

// RecentActivity handles GET /v1/users/:id/activity?limit=&cursor=
func (h *Handler) RecentActivity(c *gin.Context) {
	p, err := h.engine.RecentActivity(c.Request.Context(), c.Param("id"), queryLimit(c), c.Query("cursor"))
	if err != nil {
		pageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records":    p.Records,
		"count":      len(p.Records),
		"nextCursor": p.NextCursor,
		"hasMore":    p.HasMore,
	})
}

// RecentAlerts handles GET /v1/alerts?limit=&cursor=
func (h *Handler) RecentAlerts(c *gin.Context) {
	p, err := h.engine.RecentAlerts(c.Request.Context(), queryLimit(c), c.Query("cursor"))
	if err != nil {
		pageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":     p.Records,
		"count":      len(p.Records),
		"nextCursor": p.NextCursor,
		"hasMore":    p.HasMore,
	})
}

func pageError(c *gin.Context, err error) {
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}

// Stats handles GET /v1/stats?window=24h
func (h *Handler) Stats(c *gin.Context) {
	var window time.Duration
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "window must be a positive duration such as 24h",
			})
			return
		}
		window = d
	}

	stats, err := h.engine.AggregateStats(c.Request.Context(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ProvisionUserRequest is the body of POST /v1/users.
type ProvisionUserRequest struct {
	ID            string       `json:"id" binding:"required"`
	Role          signals.Role `json:"role"`
	EmailVerified bool         `json:"emailVerified"`
	PhoneVerified bool         `json:"phoneVerified"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// ProvisionUser handles POST /v1/users
func (h *Handler) ProvisionUser(c *gin.Context) {
	var req ProvisionUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id is required"})
		return
	}
	role := req.Role
	if role == "" {
		role = signals.RoleUser
	}
	if role != signals.RoleUser && role != signals.RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "role must be user or admin"})
		return
	}

	p := &signals.UserProfile{
		ID:            req.ID,
		Role:          role,
		EmailVerified: req.EmailVerified,
		PhoneVerified: req.PhoneVerified,
		CreatedAt:     req.CreatedAt,
	}
	if err := h.engine.ProvisionUser(c.Request.Context(), p); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": p})
}

// MarkVerifiedRequest is the body of POST /v1/users/:id/verified.
type MarkVerifiedRequest struct {
	Channel signals.Channel `json:"channel" binding:"required"`
}

// MarkVerified handles POST /v1/users/:id/verified
func (h *Handler) MarkVerified(c *gin.Context) {
	var req MarkVerifiedRequest
	if err := c.ShouldBindJSON(&req); err != nil ||
		(req.Channel != signals.ChannelEmail && req.Channel != signals.ChannelPhone) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "channel must be email or phone"})
		return
	}
	if err := h.engine.MarkVerified(c.Request.Context(), c.Param("id"), req.Channel); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified", "channel": req.Channel})
}

// Deactivate handles POST /v1/users/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.engine.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// RecordIncidentRequest is the body of POST /v1/users/:id/incidents.
type RecordIncidentRequest struct {
	Kind        string `json:"kind" binding:"required"`
	Severity    string `json:"severity" binding:"required"`
	Description string `json:"description"`
}

// RecordIncident handles POST /v1/users/:id/incidents
func (h *Handler) RecordIncident(c *gin.Context) {
	var req RecordIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "kind and severity are required"})
		return
	}
	inc := &signals.Incident{
		UserID:      c.Param("id"),
		Kind:        req.Kind,
		Severity:    req.Severity,
		Description: req.Description,
	}
	if err := h.engine.RecordIncident(c.Request.Context(), inc); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"incident": inc})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signals.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
	case errors.Is(err, signals.ErrUserExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "User already exists"})
	case errors.Is(err, signals.ErrInvalidUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("signal store error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Storage failure"})
	}
}

func queryLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

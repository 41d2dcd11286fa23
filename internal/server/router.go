package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier-collab/internal/approval"
	"github.com/atelierhq/atelier-collab/internal/auth"
	"github.com/atelierhq/atelier-collab/internal/notify"
	"github.com/atelierhq/atelier-collab/internal/relay"
)

const userIDContextKey = "atelier_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRelay         = errors.New("relay dependency required")
	errMissingNotifications = errors.New("notification service dependency required")
	errMissingApprovals     = errors.New("approval service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates the bearer tokens presented on the REST boundary.
type TokenManager interface {
	ValidateToken(token string) (auth.Claims, error)
}

// Dependencies wires the HTTP boundary to the collaboration services.
type Dependencies struct {
	TokenManager  TokenManager
	Relay         *relay.Relay
	Notifications *notify.Service
	Approvals     *approval.Service
	Logger        *zap.Logger
}

// NewHTTPHandler builds the routed HTTP handler. The websocket endpoint
// authenticates itself through a query token, so it sits outside the bearer
// middleware.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Relay == nil {
		return nil, errMissingRelay
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Approvals == nil {
		return nil, errMissingApprovals
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		notifications: deps.Notifications,
		approvals:     deps.Approvals,
		logger:        logger,
	}

	router.GET("/ws", deps.Relay.HandleConnection)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/approvals", handler.handleCreateApproval)
	protected.GET("/approvals", handler.handleListApprovals)
	protected.PATCH("/approvals/:id", handler.handleTransitionApproval)
	protected.POST("/notifications", handler.handleCreateNotification)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.PATCH("/notifications/:id/read", handler.handleMarkRead)
	protected.PATCH("/notifications/read-all", handler.handleMarkAllRead)

	return router, nil
}

type httpHandler struct {
	tokens        TokenManager
	notifications *notify.Service
	approvals     *approval.Service
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Info("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

type createApprovalPayload struct {
	ProjectID  string `json:"project_id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	ReviewerID string `json:"reviewer_id"`
}

type approvalResponsePayload struct {
	ApprovalID        string  `json:"approval_id"`
	ProjectID         string  `json:"project_id"`
	TargetType        string  `json:"target_type"`
	TargetID          string  `json:"target_id"`
	RequestedBy       string  `json:"requested_by"`
	ReviewerID        string  `json:"reviewer_id,omitempty"`
	Status            string  `json:"status"`
	ReviewedBy        *string `json:"reviewed_by,omitempty"`
	ReviewedAtSeconds *int64  `json:"reviewed_at_s,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	CreatedAtSeconds  int64   `json:"created_at_s"`
}

func approvalResponse(row approval.Approval) approvalResponsePayload {
	return approvalResponsePayload{
		ApprovalID:        row.ApprovalID,
		ProjectID:         row.ProjectID,
		TargetType:        row.TargetType,
		TargetID:          row.TargetID,
		RequestedBy:       row.RequestedBy,
		ReviewerID:        row.ReviewerID,
		Status:            row.Status,
		ReviewedBy:        row.ReviewedBy,
		ReviewedAtSeconds: row.ReviewedAtSeconds,
		Notes:             row.Notes,
		CreatedAtSeconds:  row.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateApproval(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createApprovalPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	row, err := h.approvals.Create(c.Request.Context(), approval.CreateRequest{
		ProjectID:   request.ProjectID,
		TargetType:  request.TargetType,
		TargetID:    request.TargetID,
		RequestedBy: userID,
		ReviewerID:  request.ReviewerID,
	})
	if err != nil {
		if errors.Is(err, approval.ErrInvalidApproval) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to create approval", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "approval_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, approvalResponse(row))
}

func (h *httpHandler) handleListApprovals(c *gin.Context) {
	projectID := c.Query("project_id")
	rows, err := h.approvals.List(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, approval.ErrInvalidApproval) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to list approvals", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "approval_list_failed"})
		return
	}

	response := make([]approvalResponsePayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, approvalResponse(row))
	}
	c.JSON(http.StatusOK, gin.H{"approvals": response})
}

type transitionApprovalPayload struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (h *httpHandler) handleTransitionApproval(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request transitionApprovalPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := approval.ParseStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}

	row, err := h.approvals.Transition(c.Request.Context(), c.Param("id"), status, userID, request.Notes)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrApprovalNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "approval_not_found"})
		case errors.Is(err, approval.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "detail": err.Error()})
		case errors.Is(err, approval.ErrInvalidApproval):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			h.logger.Error("failed to transition approval", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "approval_transition_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, approvalResponse(row))
}

type createNotificationPayload struct {
	UserID  string `json:"user_id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Link    string `json:"link"`
}

func (h *httpHandler) handleCreateNotification(c *gin.Context) {
	var request createNotificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	notificationID, err := h.notifications.Notify(c.Request.Context(), notify.NotifyRequest{
		UserID:  request.UserID,
		Type:    request.Type,
		Title:   request.Title,
		Message: request.Message,
		Link:    request.Link,
	})
	if err != nil {
		if errors.Is(err, notify.ErrInvalidNotification) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to create notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"notification_id": notificationID})
}

type notificationResponsePayload struct {
	NotificationID   string `json:"notification_id"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	Message          string `json:"message,omitempty"`
	Link             string `json:"link,omitempty"`
	IsRead           bool   `json:"is_read"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	unreadOnly := c.Query("unread_only") == "true"
	limit := 0
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	rows, err := h.notifications.List(c.Request.Context(), userID, unreadOnly, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_list_failed"})
		return
	}

	response := make([]notificationResponsePayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, notificationResponsePayload{
			NotificationID:   row.NotificationID,
			Type:             row.Type,
			Title:            row.Title,
			Message:          row.Message,
			Link:             row.Link,
			IsRead:           row.IsRead,
			CreatedAtSeconds: row.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": response})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	count, err := h.notifications.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_count_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	err := h.notifications.MarkRead(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	count, err := h.notifications.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to mark notifications read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_read": count})
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homebase/internal/model"
	"homebase/internal/repository"
	"homebase/internal/service/notify"
	"homebase/pkg/rbac"
)

// requireSelf 校验请求操作的 user_id 与 token 里的一致
func requireSelf(c *gin.Context, userID int64) bool {
	tokenUserID := c.GetInt64("user_id")
	if err := rbac.ValidateUserIDInPayload(tokenUserID, userID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return false
	}
	return true
}

type NotificationHandler struct {
	dispatcher    *notify.Dispatcher
	notifications *repository.NotificationRepository
	preferences   *repository.PreferenceRepository
	logger        *zap.Logger
}

func NewNotificationHandler(
	dispatcher *notify.Dispatcher,
	notifications *repository.NotificationRepository,
	preferences *repository.PreferenceRepository,
	logger *zap.Logger,
) *NotificationHandler {
	return &NotificationHandler{
		dispatcher:    dispatcher,
		notifications: notifications,
		preferences:   preferences,
		logger:        logger,
	}
}

type dispatchRequest struct {
	Type          string          `json:"type" binding:"required"`
	UserID        int64           `json:"user_id" binding:"required"`
	ProfileID     *int64          `json:"profile_id"`
	Role          string          `json:"role" binding:"required"`
	Title         string          `json:"title" binding:"required"`
	Body          string          `json:"body"`
	ActionURL     *string         `json:"action_url"`
	Metadata      map[string]any  `json:"metadata"`
	ForceChannels map[string]bool `json:"force_channels"`
}

func (h *NotificationHandler) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Dispatch: invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var forced map[model.Channel]bool
	if len(req.ForceChannels) > 0 {
		forced = make(map[model.Channel]bool, len(req.ForceChannels))
		for ch, on := range req.ForceChannels {
			switch model.Channel(ch) {
			case model.ChannelInApp, model.ChannelPush, model.ChannelEmail:
				forced[model.Channel(ch)] = on
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel: " + ch})
				return
			}
		}
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), notify.Event{
		Type:          req.Type,
		UserID:        req.UserID,
		ProfileID:     req.ProfileID,
		Role:          req.Role,
		Title:         req.Title,
		Body:          req.Body,
		ActionURL:     req.ActionURL,
		Metadata:      req.Metadata,
		ForceChannels: forced,
	})
	if err != nil {
		h.logger.Error("Dispatch: failed",
			zap.String("type", req.Type),
			zap.Int64("user_id", req.UserID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notification_id": result.NotificationID,
		"channels":        result.Channels,
		"suppressed":      result.Suppressed,
	})
}

func (h *NotificationHandler) ListByUser(c *gin.Context) {
	userIDRaw := c.Query("user_id")
	if userIDRaw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	userID, err := strconv.ParseInt(userIDRaw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	if !requireSelf(c, userID) {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	notifications, err := h.notifications.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("ListByUser: query failed",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func (h *NotificationHandler) GetPreferences(c *gin.Context) {
	userIDRaw := c.Query("user_id")
	role := c.Query("role")
	if userIDRaw == "" || role == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	userID, err := strconv.ParseInt(userIDRaw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	if !requireSelf(c, userID) {
		return
	}

	prefs, err := h.preferences.GetOrCreate(c.Request.Context(), userID, role)
	if err != nil {
		h.logger.Error("GetPreferences: failed",
			zap.Int64("user_id", userID),
			zap.String("role", role),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch preferences"})
		return
	}

	c.JSON(http.StatusOK, prefs)
}

type updatePreferencesRequest struct {
	UserID          int64                       `json:"user_id" binding:"required"`
	Role            string                      `json:"role" binding:"required"`
	Categories      map[string]channelPrefsBody `json:"categories"`
	QuietHoursStart *string                     `json:"quiet_hours_start"`
	QuietHoursEnd   *string                     `json:"quiet_hours_end"`
}

type channelPrefsBody struct {
	InApp bool `json:"inapp"`
	Push  bool `json:"push"`
	Email bool `json:"email"`
}

func (h *NotificationHandler) UpdatePreferences(c *gin.Context) {
	var req updatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !requireSelf(c, req.UserID) {
		return
	}

	prefs, err := h.preferences.GetOrCreate(c.Request.Context(), req.UserID, req.Role)
	if err != nil {
		h.logger.Error("UpdatePreferences: load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load preferences"})
		return
	}

	for catRaw, body := range req.Categories {
		cat := model.Category(catRaw)
		if _, ok := prefs.ByCategory[cat]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category: " + catRaw})
			return
		}
		prefs.ByCategory[cat] = model.ChannelPrefs{
			InApp: body.InApp,
			Push:  body.Push,
			Email: body.Email,
		}
	}
	if req.QuietHoursStart != nil {
		prefs.QuietHoursStart = *req.QuietHoursStart
	}
	if req.QuietHoursEnd != nil {
		prefs.QuietHoursEnd = *req.QuietHoursEnd
	}

	if err := h.preferences.Upsert(c.Request.Context(), prefs); err != nil {
		h.logger.Error("UpdatePreferences: save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save preferences"})
		return
	}

	c.JSON(http.StatusOK, prefs)
}

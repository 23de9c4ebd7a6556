package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"nodeimage/internal/ids"
	"nodeimage/internal/middleware"
	"nodeimage/internal/models"
	"nodeimage/internal/repository"
	"nodeimage/internal/security"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h HandlerSet) AdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	sec := h.cfg.Security
	if sec.AdminPasswordHash == "" || sec.JWTAccessSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin_disabled"})
		return
	}

	ok, err := security.VerifyPassword(req.Password, sec.AdminPasswordHash)
	if err != nil {
		internalError(c, err, "verify admin password failed")
		return
	}
	if !ok || req.Username != sec.AdminUser {
		middleware.Log(c).Warn().Str("username", req.Username).Str("client_ip", c.ClientIP()).Msg("admin login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	token, err := security.GenerateAdminToken(sec.JWTAccessSecret, req.Username, ids.New(), sec.JWTAccessTTL, h.clock.Now())
	if err != nil {
		internalError(c, err, "issue admin token failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accessToken": token,
		"expiresIn":   int(sec.JWTAccessTTL.Seconds()),
	})
}

func (h HandlerSet) QueueStatus(c *gin.Context) {
	status, err := h.processor.Status(c.Request.Context())
	if err != nil {
		internalError(c, err, "queue status failed")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h HandlerSet) RetryFailed(c *gin.Context) {
	n, err := h.processor.RetryFailed(c.Request.Context())
	if err != nil {
		internalError(c, err, "retry failed tasks failed")
		return
	}
	audit(c).Int("reset", n).Msg("failed tasks reset")
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

type taskResponse struct {
	ID           string             `json:"id"`
	SubjectID    string             `json:"subjectId"`
	ArtifactName string             `json:"artifactName"`
	ClientKey    string             `json:"clientKey"`
	Status       models.TaskStatus  `json:"status"`
	RetryCount   int                `json:"retryCount"`
	Result       *models.TaskResult `json:"result,omitempty"`
	LastError    *string            `json:"lastError,omitempty"`
	CreatedAt    string             `json:"createdAt"`
	UpdatedAt    string             `json:"updatedAt"`
}

func toTaskResponse(t models.ModerationTask) taskResponse {
	return taskResponse{
		ID:           t.ID,
		SubjectID:    t.SubjectID,
		ArtifactName: t.ArtifactName,
		ClientKey:    t.ClientKey,
		Status:       t.Status,
		RetryCount:   t.RetryCount,
		Result:       t.Result,
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h HandlerSet) ListTasks(c *gin.Context) {
	limit, offset := pagination(c)
	filter := repository.TaskFilter{Limit: limit, Offset: offset}
	if status := c.Query("status"); status != "" {
		filter.Status = models.TaskStatus(status)
		if !filter.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
	}

	tasks, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		internalError(c, err, "list tasks failed")
		return
	}

	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toTaskResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h HandlerSet) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		internalError(c, err, "get task failed")
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

type settingsRequest struct {
	ScreeningEnabled *bool `json:"screeningEnabled"`
	AutoEnforce      *bool `json:"autoEnforce"`
}

func (h HandlerSet) UpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.ScreeningEnabled != nil {
		h.processor.SetScreeningEnabled(*req.ScreeningEnabled)
	}
	if req.AutoEnforce != nil {
		h.processor.SetAutoEnforce(*req.AutoEnforce)
	}
	audit(c).
		Bool("screening_enabled", h.processor.ScreeningEnabled()).
		Bool("auto_enforce", h.processor.AutoEnforce()).
		Msg("moderation settings updated")
	c.JSON(http.StatusOK, gin.H{
		"screeningEnabled": h.processor.ScreeningEnabled(),
		"autoEnforce":      h.processor.AutoEnforce(),
	})
}

func (h HandlerSet) StartProcessor(c *gin.Context) {
	started := h.processor.Start(context.WithoutCancel(c.Request.Context()))
	if started {
		audit(c).Msg("moderation processor started")
	}
	c.JSON(http.StatusOK, gin.H{"started": started, "state": h.processor.State().String()})
}

func (h HandlerSet) StopProcessor(c *gin.Context) {
	h.processor.Stop()
	audit(c).Msg("moderation processor stopped")
	c.JSON(http.StatusOK, gin.H{"state": h.processor.State().String()})
}

// PollNow runs one cycle inline, whatever the loop state.
func (h HandlerSet) PollNow(c *gin.Context) {
	res, err := h.processor.Poll(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		internalError(c, err, "manual poll failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome":   res.Outcome,
		"taskId":    res.TaskID,
		"escalated": res.Escalated,
		"backoff":   res.Backoff,
	})
}

func (h HandlerSet) AdminListImages(c *gin.Context) {
	limit, offset := pagination(c)
	filter := repository.ImageFilter{
		Status:      models.ImageStatus(c.Query("status")),
		FlaggedOnly: c.Query("flagged") == "true",
		Limit:       limit,
		Offset:      offset,
	}

	images, err := h.images.List(c.Request.Context(), filter)
	if err != nil {
		internalError(c, err, "list images failed")
		return
	}

	items := make([]map[string]interface{}, 0, len(images))
	for _, img := range images {
		items = append(items, map[string]interface{}{
			"id":                img.ID,
			"clientKey":         img.ClientKey,
			"format":            img.Format,
			"status":            img.Status,
			"sizeBytes":         img.SizeBytes,
			"visibility":        img.Visibility,
			"nsfwScore":         img.NSFWScore,
			"moderationStatus":  img.ModerationStatus,
			"moderationChecked": img.ModerationChecked,
			"isFlagged":         img.IsFlagged,
			"createdAt":         img.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
	})
}

func (h HandlerSet) ListBlacklist(c *gin.Context) {
	entries, err := h.blacklist.List(c.Request.Context())
	if err != nil {
		internalError(c, err, "list blacklist failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}

func (h HandlerSet) RemoveBlacklist(c *gin.Context) {
	removed, err := h.blacklist.Remove(c.Request.Context(), c.Param("key"))
	if err != nil {
		internalError(c, err, "remove blacklist entry failed")
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	audit(c).Str("client_key", c.Param("key")).Msg("client removed from blacklist")
	c.Status(http.StatusNoContent)
}

// audit starts an info event carrying the acting admin.
func audit(c *gin.Context) *zerolog.Event {
	event := middleware.Log(c).Info()
	if claims, ok := middleware.AdminClaims(c); ok {
		event = event.Str("admin", claims.Subject)
	}
	return event
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = 50
	if perPage := c.Query("perPage"); perPage != "" {
		if v, err := strconv.Atoi(perPage); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if page := c.Query("page"); page != "" {
		if v, err := strconv.Atoi(page); err == nil && v > 1 {
			offset = (v - 1) * limit
		}
	}
	return limit, offset
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nodeimage/internal/admission"
	"nodeimage/internal/media/sniffer"
	"nodeimage/internal/middleware"
	"nodeimage/internal/models"
	"nodeimage/internal/repository"
	"nodeimage/internal/security"
	"nodeimage/internal/service"
)

// multipart framing allowance on top of the file limit
const formOverhead = 1 << 20

type uploadResponse struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Moderation string    `json:"moderation"`
	Format     string    `json:"format"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (h HandlerSet) UploadMedia(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploads.MaxBytes()+formOverhead)

	input := service.UploadInput{
		ClientKey:  c.ClientIP(),
		Visibility: c.PostForm("visibility"),
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": service.CodeFileTooLarge})
			return
		}
		if !errors.Is(err, http.ErrMissingFile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form"})
			return
		}
	} else {
		defer file.Close()
		input.File = file
		input.Filename = header.Filename
		input.DeclaredType = sniffer.MimeTypeFromHTTP(http.Header(header.Header))
	}

	if expires := c.PostForm("expireAt"); expires != "" {
		parsed, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expire_at"})
			return
		}
		input.ExpireAt = &parsed
	}

	result, err := h.uploads.Upload(c.Request.Context(), input)
	if err != nil {
		h.writeUploadError(c, input.ClientKey, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"image": uploadResponse{
			ID:         result.Image.ID,
			URL:        result.URL,
			Status:     string(result.Image.Status),
			Moderation: string(result.Image.ModerationStatus),
			Format:     result.Image.Format,
			SizeBytes:  result.Image.SizeBytes,
			CreatedAt:  result.Image.CreatedAt,
		},
	})
}

func (h HandlerSet) writeUploadError(c *gin.Context, clientKey string, err error) {
	var (
		rejected *admission.RejectedError
		invalid  *service.ValidationError
	)
	switch {
	case errors.As(err, &rejected):
		if rejected.Kind == admission.RateLimited {
			c.Header("Retry-After", strconv.Itoa(rejected.RetryAfterSeconds))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      rejected.Kind.String(),
			"retryAfter": rejected.RetryAfterSeconds,
		})
	case errors.Is(err, service.ErrClientBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "client_blocked"})
	case errors.As(err, &invalid):
		status := http.StatusBadRequest
		if invalid.Code == service.CodeFileTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": invalid.Code, "message": invalid.Message})
	default:
		middleware.Log(c).Error().Err(err).Str("client_key", clientKey).Msg("upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
	}
}

// ServeImage redirects a signed link to the stored original once moderation
// lets it through.
func (h HandlerSet) ServeImage(c *gin.Context) {
	image, err := h.images.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrImageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		internalError(c, err, "load image failed")
		return
	}

	if !security.VerifyResource(h.cfg.Security.SignatureSecret, c.Query("sig"), image.ID, image.ObjectKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if image.ExpireAt != nil && h.clock.Now().After(*image.ExpireAt) {
		c.JSON(http.StatusGone, gin.H{"error": "expired"})
		return
	}

	switch image.Status {
	case models.ImageStatusBlocked:
		c.JSON(http.StatusUnavailableForLegalReasons, gin.H{"error": "content_blocked"})
	case models.ImageStatusReady:
		target, err := h.links.SignedURL(c.Request.Context(), image.ObjectKey)
		if err != nil {
			internalError(c, err, "presign image failed")
			return
		}
		c.Redirect(http.StatusFound, target)
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": string(image.Status)})
	}
}

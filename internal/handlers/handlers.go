package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"nodeimage/internal/blacklist"
	"nodeimage/internal/clock"
	"nodeimage/internal/config"
	"nodeimage/internal/middleware"
	"nodeimage/internal/models"
	"nodeimage/internal/moderation"
	"nodeimage/internal/repository"
	"nodeimage/internal/service"
)

type ImageReader interface {
	GetByID(ctx context.Context, id string) (models.Image, error)
	List(ctx context.Context, filter repository.ImageFilter) ([]models.Image, error)
}

type TaskReader interface {
	Get(ctx context.Context, id string) (models.ModerationTask, error)
	List(ctx context.Context, filter repository.TaskFilter) ([]models.ModerationTask, error)
}

type BlacklistAdmin interface {
	List(ctx context.Context) ([]blacklist.Entry, error)
	Remove(ctx context.Context, clientKey string) (bool, error)
}

type URLSigner interface {
	SignedURL(ctx context.Context, key string) (string, error)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Uploads   *service.UploadService
	Processor *moderation.Processor
	Images    ImageReader
	Tasks     TaskReader
	Blacklist BlacklistAdmin
	Links     URLSigner
	Checks    map[string]HealthCheck
	Clock     clock.Clock
}

type HandlerSet struct {
	log       zerolog.Logger
	cfg       *config.AppConfig
	uploads   *service.UploadService
	processor *moderation.Processor
	images    ImageReader
	tasks     TaskReader
	blacklist BlacklistAdmin
	links     URLSigner
	checks    map[string]HealthCheck
	clock     clock.Clock
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, deps Deps) HandlerSet {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return HandlerSet{
		log:       log,
		cfg:       cfg,
		uploads:   deps.Uploads,
		processor: deps.Processor,
		images:    deps.Images,
		tasks:     deps.Tasks,
		blacklist: deps.Blacklist,
		links:     deps.Links,
		checks:    deps.Checks,
		clock:     deps.Clock,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	v1.POST("/media/upload", h.UploadMedia)
	v1.GET("/i/:id", h.ServeImage)
	v1.POST("/admin/login", h.AdminLogin)

	admin := v1.Group("/admin")
	admin.Use(middleware.AdminAuth(h.cfg.Security.JWTAccessSecret))
	admin.GET("/queue", h.QueueStatus)
	admin.POST("/queue/retry-failed", h.RetryFailed)
	admin.GET("/tasks", h.ListTasks)
	admin.GET("/tasks/:id", h.GetTask)
	admin.PUT("/settings", h.UpdateSettings)
	admin.POST("/processor/start", h.StartProcessor)
	admin.POST("/processor/stop", h.StopProcessor)
	admin.POST("/processor/poll", h.PollNow)
	admin.GET("/images", h.AdminListImages)
	admin.GET("/blacklist", h.ListBlacklist)
	admin.DELETE("/blacklist/:key", h.RemoveBlacklist)
}

// RegisterMetrics exposes the Prometheus registry on the engine root.
func RegisterMetrics(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func internalError(c *gin.Context, err error, msg string) {
	middleware.Log(c).Error().Err(err).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

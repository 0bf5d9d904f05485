package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/chaptercast/chaptercast-backend/internal/http/handlers"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	Mode           string
	AllowedOrigins []string
	TracingEnabled bool

	AuthMiddleware *middleware.AuthMiddleware

	HealthHandler     *httpH.HealthHandler
	AuthHandler       *httpH.AuthHandler
	ProjectHandler    *httpH.ProjectHandler
	ChapterHandler    *httpH.ChapterHandler
	ParagraphHandler  *httpH.ParagraphHandler
	SentenceHandler   *httpH.SentenceHandler
	APIKeyHandler     *httpH.APIKeyHandler
	BackgroundHandler *httpH.BackgroundHandler
	GenerationHandler *httpH.GenerationHandler
	VideoTaskHandler  *httpH.VideoTaskHandler
	TaskHandler       *httpH.TaskHandler
	MaterialHandler   *httpH.MaterialHandler
	RealtimeHandler   *httpH.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// Span first so AttachTraceContext can lift its trace id.
	if cfg.TracingEnabled {
		r.Use(otelgin.Middleware("chaptercast-backend"))
	}
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.RequestLogger(cfg.Log))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.AuthHandler != nil {
			api.POST("/auth/register", cfg.AuthHandler.Register)
			api.POST("/auth/login", cfg.AuthHandler.Login)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.ProjectHandler != nil {
			protected.POST("/projects", cfg.ProjectHandler.Create)
			protected.GET("/projects", cfg.ProjectHandler.List)
			protected.GET("/projects/:id", cfg.ProjectHandler.Get)
			protected.DELETE("/projects/:id", cfg.ProjectHandler.Archive)
			protected.POST("/projects/:id/retry", cfg.ProjectHandler.Retry)
		}

		if cfg.ChapterHandler != nil {
			protected.GET("/projects/:id/chapters", cfg.ChapterHandler.ListByProject)
			protected.GET("/chapters/:id", cfg.ChapterHandler.Get)
			protected.GET("/chapters/:id/detail", cfg.ChapterHandler.Detail)
			protected.POST("/chapters/:id/confirm", cfg.ChapterHandler.Confirm)
			protected.POST("/chapters/:id/reset", cfg.ChapterHandler.Reset)
			protected.GET("/chapters/:id/video-tasks", cfg.ChapterHandler.ListVideoTasks)
		}

		if cfg.ParagraphHandler != nil {
			protected.PATCH("/paragraphs/:id/action", cfg.ParagraphHandler.SetAction)
			protected.PATCH("/paragraphs/:id/content", cfg.ParagraphHandler.UpdateContent)
		}

		if cfg.SentenceHandler != nil {
			protected.GET("/sentences/:id", cfg.SentenceHandler.Get)
			protected.PATCH("/sentences/:id/content", cfg.SentenceHandler.UpdateContent)
		}

		if cfg.APIKeyHandler != nil {
			protected.POST("/apikeys", cfg.APIKeyHandler.Create)
			protected.GET("/apikeys", cfg.APIKeyHandler.List)
			protected.GET("/apikeys/:id", cfg.APIKeyHandler.Get)
			protected.PATCH("/apikeys/:id", cfg.APIKeyHandler.Update)
			protected.DELETE("/apikeys/:id", cfg.APIKeyHandler.Delete)
		}

		if cfg.BackgroundHandler != nil {
			protected.POST("/backgrounds", cfg.BackgroundHandler.Upload)
			protected.GET("/backgrounds", cfg.BackgroundHandler.List)
			protected.GET("/backgrounds/:id", cfg.BackgroundHandler.Get)
			protected.DELETE("/backgrounds/:id", cfg.BackgroundHandler.Delete)
		}

		if cfg.GenerationHandler != nil {
			protected.POST("/prompt/generate-prompts", cfg.GenerationHandler.GeneratePrompts)
			protected.POST("/prompt/generate-prompts-ids", cfg.GenerationHandler.GeneratePromptsByIDs)
			protected.POST("/generate-images", cfg.GenerationHandler.GenerateImages)
			protected.POST("/generate-audio", cfg.GenerationHandler.GenerateAudio)
		}

		if cfg.VideoTaskHandler != nil {
			protected.POST("/video-tasks", cfg.VideoTaskHandler.Create)
			protected.GET("/video-tasks/:id", cfg.VideoTaskHandler.Get)
			protected.POST("/video-tasks/:id/cancel", cfg.VideoTaskHandler.Cancel)
			protected.POST("/video-tasks/:id/reset", cfg.VideoTaskHandler.Reset)
		}

		if cfg.TaskHandler != nil {
			protected.GET("/tasks", cfg.TaskHandler.List)
			protected.GET("/tasks/:id", cfg.TaskHandler.Get)
			protected.POST("/tasks/:id/cancel", cfg.TaskHandler.Cancel)
		}

		if cfg.MaterialHandler != nil {
			protected.GET("/materials/presign", cfg.MaterialHandler.Presign)
		}
	}

	// WS lives outside /api; browsers pass the token as a query param.
	if cfg.RealtimeHandler != nil {
		ws := r.Group("/ws")
		if cfg.AuthMiddleware != nil {
			ws.Use(cfg.AuthMiddleware.RequireAuth())
		}
		ws.GET("/connect", cfg.RealtimeHandler.Connect)
	}

	return r
}

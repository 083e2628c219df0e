// Package router sets up all HTTP routes for the API.
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/handlers"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/middleware"
)

// Options configures the HTTP surface.
type Options struct {
	JWTSecret          string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

// Setup creates and configures the Gin router with all routes.
func Setup(h *handlers.Handler, log *logger.Logger, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(opts.AllowedOrigins))

	rateLimiter := middleware.NewRateLimiter(opts.RateLimitPerMinute)

	// --- Public Routes (no auth required) ---
	r.GET("/api/v1/health", h.HealthCheck)
	r.GET("/api/docs", h.ServeSwaggerUI)
	r.GET("/api/docs/openapi.yaml", h.ServeOpenAPISpec)

	// --- JWT-protected routes ---
	protected := r.Group("/api/v1")
	protected.Use(middleware.JWTAuth(opts.JWTSecret))
	protected.Use(rateLimiter.RateLimit())
	{
		protected.POST("/materials/jobs", h.CreateJob)

		material := protected.Group("/materials/:id")
		material.Use(middleware.RequireUUIDParam("id"))
		{
			material.GET("/status", h.GetStatus)
			material.POST("/retry", h.RetryMaterial)
			material.POST("/quiz", h.GenerateQuiz)
			material.POST("/flashcards", h.GenerateFlashcards)
			material.PUT("/content", h.UpdateContent)
			material.DELETE("", h.DeleteMaterial)
		}
	}

	return r
}

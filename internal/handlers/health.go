// Package handlers contains HTTP handler functions for the API.
//
// Go Pattern: Handlers in Gin receive a *gin.Context which provides:
// - Request data (params, query, body, headers)
// - Response methods (JSON, String, Status)
// - Middleware data (c.Get/c.Set)
//
// We group related handlers into a struct (Handler) that holds shared dependencies.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/database"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/pipeline"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/study"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

// Version is reported by the health check; main overrides it at build time.
var Version = "dev"

// Handler holds shared dependencies for all HTTP handlers.
// Go Pattern: Dependency injection via struct fields. Instead of global
// variables or service locators, we pass dependencies explicitly.
type Handler struct {
	Store    database.Store
	Pipeline *pipeline.Pipeline
	Study    *study.Service
	Worker   *worker.Pool
	log      *logger.Logger
}

// NewHandler creates a new handler with all dependencies.
func NewHandler(store database.Store, p *pipeline.Pipeline, s *study.Service, wp *worker.Pool, log *logger.Logger) *Handler {
	return &Handler{
		Store:    store,
		Pipeline: p,
		Study:    s,
		Worker:   wp,
		log:      log.With("component", "handlers"),
	}
}

// HealthCheck returns the API health status.
// GET /api/v1/health
func (h *Handler) HealthCheck(c *gin.Context) {
	status := "ok"
	dbStatus := "healthy"
	if err := h.Store.HealthCheck(c.Request.Context()); err != nil {
		dbStatus = "unhealthy: " + err.Error()
		status = "degraded"
	}

	queueStatus := "healthy"
	if h.Worker.QueueSize(c.Request.Context()) < 0 {
		queueStatus = "unhealthy"
		status = "degraded"
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:   status,
		Version:  Version,
		Database: dbStatus,
		Queue:    queueStatus,
		Workers:  h.Worker.WorkerCount(),
	})
}

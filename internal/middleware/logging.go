package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
)

// RequestLogger logs one line per request and tags the response with an
// X-Request-ID, reusing the caller's when present.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	log = log.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		c.Next()

		status := c.Writer.Status()
		kv := []interface{}{
			"request_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start).String(),
		}
		if sub := Subject(c); sub != "" {
			kv = append(kv, "subject", sub)
		}
		switch {
		case status >= 500:
			log.Error("Request failed", kv...)
		case status >= 400:
			log.Warn("Request rejected", kv...)
		default:
			log.Info("Request", kv...)
		}
	}
}

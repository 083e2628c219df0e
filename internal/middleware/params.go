package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// RequireUUIDParam answers 404 when the named path parameter is not a UUID,
// so malformed IDs never reach the database.
func RequireUUIDParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := uuid.Parse(c.Param(name)); err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "not_found",
				Message: "Material not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.Next()
	}
}

package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentflow/agentflow/internal/common/errors"
	"github.com/agentflow/agentflow/internal/common/logger"
)

// RequestLogger logs each request with method, path, status and latency.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Recovery converts panics into 500 responses instead of dropping the
// connection.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panic",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(500, gin.H{"error": gin.H{
					"code":    apperrors.ErrCodeInternalError,
					"message": "internal server error",
				}})
			}
		}()
		c.Next()
	}
}

// CORS allows browser clients on other origins to poll the API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// respondError writes an error response with the status carried by the
// AppError, or 500 for anything else.
func respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	code := apperrors.ErrCodeInternalError
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

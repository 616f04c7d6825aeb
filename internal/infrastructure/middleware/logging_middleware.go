package middleware

import (
	"context"
	"time"

	"tunelink/pkg/logger"
	"tunelink/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLoggingMiddleware tags every request with a generated id,
// threads it through the request context and logs completion with the
// context-derived fields.
func RequestLoggingMiddleware(base *zap.Logger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(base)

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := context.WithValue(c.Request.Context(), "request_id", requestID)
		if userID, ok := UserID(c); ok {
			ctx = context.WithValue(ctx, "user_id", string(userID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		ctxLogger.WithContext(c.Request.Context()).Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

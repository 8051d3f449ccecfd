package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

// Logger logs one line per request. Bodies are never logged since they may
// carry webhook secrets or lead contact data.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"request_id", GetRequestID(c),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"user_agent", c.Request.UserAgent(),
		}

		switch {
		case status >= 500:
			log.Error(c.Errors.Last(), "Server error", fields...)
		case status >= 400:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request processed", fields...)
		}
	}
}

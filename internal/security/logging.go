package security

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/remembr/remembr/internal/httpapi"
)

// AccessLogMiddleware logs each HTTP request with method, path, status, and duration.
// Paths listed in skipPaths are silently passed through without logging.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", duration,
			"clientIP", c.ClientIP(),
			"requestID", httpapi.RequestID(c),
		}
		if id := GetIdentity(c); id != nil {
			fields = append(fields, "org", id.OrgID)
			if id.UserID != nil {
				fields = append(fields, "user", *id.UserID)
			}
			if id.AgentID != nil {
				fields = append(fields, "agent", *id.AgentID)
			}
		}
		log.Info("HTTP request", fields...)
	}
}

// Package httpapi carries the response envelopes, request-id plumbing
// and error mapping shared by every route plugin.
package httpapi

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/apperrors"
)

const (
	// HeaderRequestID is the inbound/outbound request correlation header.
	HeaderRequestID = "X-Request-ID"
	// ContextKeyRequestID is the gin context key for the request id.
	ContextKeyRequestID = "requestID"
)

// RequestIDMiddleware assigns every request an id: the inbound
// X-Request-ID when present, a fresh uuid otherwise. The id is echoed
// on the response and stamped into both envelopes.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, rid)
		c.Writer.Header().Set(HeaderRequestID, rid)
		c.Next()
	}
}

// RequestID returns the request id assigned by RequestIDMiddleware.
func RequestID(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// OK writes the success envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":       data,
		"request_id": RequestID(c),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// Error maps err onto the error envelope and aborts the request.
// Untyped errors surface as INTERNAL_ERROR with the real message kept
// out of the response.
func Error(c *gin.Context, err error) {
	ae := apperrors.As(err)

	message := ae.Message
	if ae.Kind == apperrors.KindInternal || ae.Kind == apperrors.KindExternal {
		log.Error("Request failed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestID", RequestID(c),
			"err", err,
		)
		message = "internal error"
	}

	details := map[string]any{}
	for k, v := range ae.Details {
		details[k] = v
	}
	if ae.Detail != "" {
		details["code"] = ae.Detail
	}

	c.AbortWithStatusJSON(apperrors.StatusFor(ae.Kind), gin.H{
		"error": gin.H{
			"code":       ae.Code(),
			"message":    message,
			"details":    details,
			"request_id": RequestID(c),
		},
	})
}

// Package search mounts the hybrid retrieval route. Search carries its
// own, stricter rate limit because embedding calls are the expensive
// path.
package search

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/httpapi"
	"github.com/remembr/remembr/internal/ratelimit"
	"github.com/remembr/remembr/internal/search"
	"github.com/remembr/remembr/internal/security"
)

func MountRoutes(r *gin.Engine, engine *search.Engine, limiter *ratelimit.Limiter, auth gin.HandlerFunc) {
	g := r.Group("/v1/search", auth, ratelimit.Middleware(limiter))

	g.POST("", func(c *gin.Context) {
		runSearch(c, engine)
	})
}

func runSearch(c *gin.Context, engine *search.Engine) {
	ident := security.GetIdentity(c)
	sc, err := ident.Scope()
	if err != nil {
		httpapi.Error(c, apperrors.Internal(err))
		return
	}

	var req search.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, apperrors.Validation("", "invalid request body: %v", err))
		return
	}

	start := time.Now()
	resp, err := engine.Query(c.Request.Context(), sc, req)
	if err != nil {
		httpapi.Error(c, err)
		return
	}

	httpapi.OK(c, http.StatusOK, gin.H{
		"results":       resp.Results,
		"total_results": resp.TotalResults,
		"mode":          resp.Mode,
		"degraded":      resp.Degraded,
		"query_time_ms": time.Since(start).Milliseconds(),
	})
}

// Package ratelimit provides per-identity token buckets for the HTTP
// surface. Each bucket refills at the configured per-minute rate with
// a burst equal to the full minute's allowance.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/remembr/remembr/internal/apperrors"
	"github.com/remembr/remembr/internal/httpapi"
	"github.com/remembr/remembr/internal/security"
)

// Limiter keys token buckets by caller identity. Buckets are created
// lazily and pruned after an hour of inactivity.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute int
	lastPrune time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const pruneAfter = time.Hour

// NewLimiter creates a limiter allowing perMinute requests per key. A
// non-positive rate disables limiting.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{
		buckets:   map[string]*bucket{},
		perMinute: perMinute,
		lastPrune: time.Now(),
	}
}

// Allow reports whether the key may proceed, and on refusal how long
// until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || l.perMinute <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > pruneAfter {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > pruneAfter {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	r := b.lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Middleware enforces the limiter on a route group. The bucket key is
// the presented credential; before auth has run the raw credential
// headers serve as the key, and anonymous requests fall back to the
// client address.
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bucketKey(c)
		ok, retryAfter := l.Allow(key)
		if !ok {
			if security.RateLimitedTotal != nil {
				security.RateLimitedTotal.Inc()
			}
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			httpapi.Error(c, apperrors.RateLimited(map[string]any{
				"limit_per_minute":    l.perMinute,
				"retry_after_seconds": seconds,
			}))
			return
		}
		c.Next()
	}
}

func bucketKey(c *gin.Context) string {
	if ident := security.GetIdentity(c); ident != nil && ident.Credential != "" {
		return ident.Credential
	}
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if bearer := c.GetHeader("Authorization"); bearer != "" {
		return bearer
	}
	return c.ClientIP()
}

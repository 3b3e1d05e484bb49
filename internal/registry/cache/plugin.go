package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type cacheKey struct{}

// WithContext returns a new context carrying the given Cache.
func WithContext(ctx context.Context, c Cache) context.Context {
	return context.WithValue(ctx, cacheKey{}, c)
}

// FromContext retrieves the Cache from the context. Returns nil if none
// was set.
func FromContext(ctx context.Context) Cache {
	c, _ := ctx.Value(cacheKey{}).(Cache)
	return c
}

// Cache is the namespaced key/value primitive backing short-term
// windows, the auth cache and refresh-token revocation. A miss is
// (nil, nil), not an error.
type Cache interface {
	Available() bool
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Swap atomically replaces key with value: delete plus set in one
	// round trip, so concurrent readers see either the old or the new
	// window, never a partial one.
	Swap(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	// Increment adds delta to a counter key, creating it at zero first,
	// and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	// TTL reports the remaining lifetime of a key; zero when the key is
	// missing or carries no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error
	// GetMany fetches several keys in one round trip. Missing keys are
	// absent from the result, not errors.
	GetMany(ctx context.Context, keys ...string) (map[string][]byte, error)
}

// Key builds a namespaced cache key.
func Key(parts ...string) string {
	return "remembr:" + strings.Join(parts, ":")
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (Cache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}

package noop

import (
	"context"
	"time"

	"github.com/remembr/remembr/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.Cache, error) {
			return &noopCache{}, nil
		},
	})
}

type noopCache struct{}

func (n *noopCache) Available() bool { return false }
func (n *noopCache) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}
func (n *noopCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error  { return nil }
func (n *noopCache) Swap(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (n *noopCache) Delete(_ context.Context, _ ...string) error                       { return nil }
func (n *noopCache) DeletePattern(_ context.Context, _ string) error                   { return nil }
func (n *noopCache) Expire(_ context.Context, _ string, _ time.Duration) error         { return nil }
func (n *noopCache) Exists(_ context.Context, _ string) (bool, error)                  { return false, nil }
func (n *noopCache) Increment(_ context.Context, _ string, _ int64) (int64, error)     { return 0, nil }
func (n *noopCache) TTL(_ context.Context, _ string) (time.Duration, error)            { return 0, nil }
func (n *noopCache) SetMany(_ context.Context, _ map[string][]byte, _ time.Duration) error {
	return nil
}
func (n *noopCache) GetMany(_ context.Context, _ ...string) (map[string][]byte, error) {
	return nil, nil
}

var _ cache.Cache = (*noopCache)(nil)

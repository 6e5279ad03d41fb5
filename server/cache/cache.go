package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache is a keyed store whose entries expire. Get returns ErrCacheMiss for
// absent or expired keys.
type Cache[V any] interface {
	Set(ctx context.Context, key string, value V) error

	SetWithTTL(ctx context.Context, key string, value V, ttl time.Duration) error

	Get(ctx context.Context, key string) (V, error)

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	GetTTL(ctx context.Context, key string) (time.Duration, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Items   int   `json:"items"`
	Expired int   `json:"expired"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	MaxSize int   `json:"max_size"`
}

package resultcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"eligibility/internal/eligibility/models"
)

// Backing is the durable entry store behind the redis layer.
type Backing interface {
	Append(ctx context.Context, entry models.CacheEntry) error
	Latest(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
}

const (
	keyPrefix      = "eligibility:result:"
	localCacheSize = 10000
)

// RedisLayer fronts a Backing store with Redis plus a TinyLFU local cache.
// Reads are read-through and writes are write-through. Redis failures fall
// through to the backing store, which stays the source of truth.
type RedisLayer struct {
	backing  Backing
	cache    *cache.Cache
	ttl      time.Duration
	localTTL time.Duration
	logger   *slog.Logger
}

type RedisLayerOption func(*RedisLayer)

func WithLayerLogger(logger *slog.Logger) RedisLayerOption {
	return func(l *RedisLayer) {
		l.logger = logger
	}
}

// WithLocalCache enables the in-process TinyLFU tier. The local TTL bounds how
// long another process's newer entry can be shadowed.
func WithLocalCache(ttl time.Duration) RedisLayerOption {
	return func(l *RedisLayer) {
		l.localTTL = ttl
	}
}

func NewRedisLayer(client redis.UniversalClient, backing Backing, ttl time.Duration, opts ...RedisLayerOption) *RedisLayer {
	l := &RedisLayer{
		backing: backing,
		ttl:     ttl,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	cacheOpts := &cache.Options{Redis: client}
	if l.localTTL > 0 {
		cacheOpts.LocalCache = cache.NewTinyLFU(localCacheSize, l.localTTL)
	}
	l.cache = cache.New(cacheOpts)
	return l
}

func (l *RedisLayer) Append(ctx context.Context, entry models.CacheEntry) error {
	if err := l.backing.Append(ctx, entry); err != nil {
		return err
	}
	// The newest entry always replaces the cached one.
	err := l.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   keyPrefix + entry.Fingerprint,
		Value: entry,
		TTL:   l.ttl,
	})
	if err != nil {
		l.logger.WarnContext(ctx, "result cache redis write failed",
			"fingerprint", entry.Fingerprint,
			"error", err,
		)
	}
	return nil
}

func (l *RedisLayer) Latest(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	key := keyPrefix + fingerprint
	var entry models.CacheEntry
	err := l.cache.Get(ctx, key, &entry)
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		l.logger.WarnContext(ctx, "result cache redis read failed",
			"fingerprint", fingerprint,
			"error", err,
		)
	}

	found, err := l.backing.Latest(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if setErr := l.cache.Set(&cache.Item{Ctx: ctx, Key: key, Value: *found, TTL: l.ttl}); setErr != nil {
		l.logger.WarnContext(ctx, "result cache redis backfill failed",
			"fingerprint", fingerprint,
			"error", setErr,
		)
	}
	return found, nil
}

package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/cyto-check/internal/classifier"
	"github.com/example/cyto-check/internal/imageprocessor"
	"github.com/example/cyto-check/internal/logging"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// cachingClassifier memoizes canonical labels per (variant, image bytes).
// Cache failures are logged and never fail a classification.
type cachingClassifier struct {
	next           Classifier
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newCachingClassifier(next Classifier, cache Cache, ttl time.Duration, logger *zap.Logger) *cachingClassifier {
	return &cachingClassifier{
		next:           next,
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("classification_cache"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// CacheKey identifies a classification of img for variant.
func CacheKey(variant classifier.Variant, img imageprocessor.EncodedImage) string {
	hash := sha1.Sum(img.Data)
	return fmt.Sprintf("classification:%s:%s", variant, hex.EncodeToString(hash[:]))
}

func (c *cachingClassifier) Classify(ctx context.Context, img imageprocessor.EncodedImage, variant classifier.Variant) (classifier.Label, error) {
	key := CacheKey(variant, img)

	var cached string
	err := c.withRedisRetry(ctx, "cache.get.classification", func() error {
		value, err := c.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err == nil:
		if label := classifier.Label(cached); label.Canonical() {
			c.logger.Debug("classification cache hit", zap.String("variant", string(variant)))
			return label, nil
		}
		c.logger.Warn("ignoring invalid cached label", zap.String("value", cached))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("failed to read classification cache", zap.Error(err))
	}

	label, err := c.next.Classify(ctx, img, variant)
	if err != nil {
		return "", err
	}

	// The unclear sentinel is not cached so a later attempt can do better.
	if label.Canonical() {
		if err := c.withRedisRetry(ctx, "cache.set.classification", func() error {
			return c.cache.Set(ctx, key, string(label), c.ttl)
		}); err != nil {
			c.logger.Warn("failed to cache classification", zap.Error(err))
		}
	}
	return label, nil
}

func (c *cachingClassifier) withRedisRetry(ctx context.Context, operation string, fn func() error) error {
	backoff := c.initialBackoff
	opLogger := logging.WithOperation(c.logger, operation, "")
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == c.retryAttempts-1 {
			return logging.NewOperationError(operation, "", err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a go-redis client with logging helpers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return NewWithClient(redis.NewClient(opts), logger)
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With("component", "redis"),
	}
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// UsageKey is the key holding the reply counter of a business for a date.
func UsageKey(businessID int64, usageDate string) string {
	return fmt.Sprintf("usage:%d:%s", businessID, usageDate)
}

// GetDailyReplies returns the counter value, 0 when the key does not exist.
func (r *Redis) GetDailyReplies(ctx context.Context, businessID int64, usageDate string) (int, error) {
	key := UsageKey(businessID, usageDate)
	count, err := r.client.Get(ctx, key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return count, nil
}

// IncrementDailyReplies atomically adds one to the counter. Keys carry no
// TTL; a day's usage stays until an operator removes it.
func (r *Redis) IncrementDailyReplies(ctx context.Context, businessID int64, usageDate string) error {
	key := UsageKey(businessID, usageDate)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis incr %s: %w", key, err)
	}
	r.logger.Debug("daily replies incremented", "key", key, "count", count)
	return nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

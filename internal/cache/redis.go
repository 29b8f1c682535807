package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/donations/config"
	"example.com/backstage/services/donations/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// DefaultTTL applies when redis.ttl is not configured
const DefaultTTL = time.Hour

// RedisCache caches completed donation records. Campaign and donor totals
// change with every gift and are never stored here.
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisCacheWithClient(client, cfg.TTL), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, enabled: client != nil, ttl: ttl}
}

// Enabled reports whether reads and writes reach Redis
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// GetDonation returns the cached donation, or nil on a miss
func (c *RedisCache) GetDonation(ctx context.Context, id uint) (*models.Donation, error) {
	if !c.Enabled() {
		return nil, nil
	}

	data, err := c.client.Get(ctx, DonationKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get donation from Redis")
	}

	var donation models.Donation
	if err := json.Unmarshal(data, &donation); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cached donation")
	}
	return &donation, nil
}

// SetDonation stores a completed donation. Other states are ignored since
// they can still change.
func (c *RedisCache) SetDonation(ctx context.Context, donation *models.Donation) error {
	if !c.Enabled() || !donation.IsCompleted() {
		return nil
	}

	data, err := json.Marshal(donation)
	if err != nil {
		return errors.Wrap(err, "failed to marshal donation for caching")
	}

	if err := c.client.Set(ctx, DonationKey(donation.ID), data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set donation in Redis")
	}
	return nil
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// DonationKey generates a cache key for a donation
func DonationKey(id uint) string {
	return fmt.Sprintf("donation:%d", id)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace      = "sl"
	idempotencyPrefix = "idempotency"
	rateLimitPrefix   = "rate_limit"
	feedPrefix        = "feed"
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Incr(context.Context, string) *redis.IntCmd
	ExpireNX(context.Context, string, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
	Publish(context.Context, string, any) *redis.IntCmd
}

// Client wraps the redis helpers the ledger API and workers share:
// idempotency records, rate-limit windows, feed change channels and locks.
type Client struct {
	store cmdable
	raw   *redis.Client
	now   func() time.Time
}

// WindowResult reports one fixed-window rate-limit check.
type WindowResult struct {
	Allowed bool
	Count   int64
	Limit   int64
	// ResetIn is the time left until the current window closes.
	ResetIn time.Duration
}

// Remaining is how many more requests fit in the current window.
func (w WindowResult) Remaining() int64 {
	if w.Count >= w.Limit {
		return 0
	}
	return w.Limit - w.Count
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(context.Context) error
}

var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// IdempotencyStore backs request replay in the API and publish dedupe in the
// outbox publisher.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	Set(context.Context, string, any, time.Duration) error
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(context.Context, ...string) error
}

// New bootstraps a Redis client with pooling/timeouts and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// Set stores a string value with an optional TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Set(ctx, key, value, ttl).Err()
}

// Get returns a string value stored at key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c.store == nil {
		return "", errors.New("redis client not initialized")
	}
	return c.store.Get(ctx, key).Result()
}

// SetNX sets a value only if the key does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errors.New("redis client not initialized")
	}
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

// Incr increments the counter stored at key.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if c.store == nil {
		return 0, errors.New("redis client not initialized")
	}
	return c.store.Incr(ctx, key).Result()
}

// IncrWithTTL increments key and makes sure it carries a TTL. EXPIRE NX runs
// on every call so a counter whose first expire was lost still ages out.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := c.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if ttl > 0 {
		if err := c.store.ExpireNX(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// FixedWindowAllow counts a hit against scope in the window aligned to the
// current time. Every instance agrees on window boundaries, so ResetIn is
// the same Retry-After wherever the request lands.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (WindowResult, error) {
	if window <= 0 {
		return WindowResult{}, errors.New("window must be positive")
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	at := now()
	start := at.Truncate(window)
	key := c.RateLimitKey(scope, strconv.FormatInt(start.Unix(), 10))
	count, err := c.IncrWithTTL(ctx, key, window)
	if err != nil {
		return WindowResult{}, err
	}
	return WindowResult{
		Allowed: count <= limit,
		Count:   count,
		Limit:   limit,
		ResetIn: start.Add(window).Sub(at),
	}, nil
}

// IdempotencyKey returns a namespaced key for idempotency storage.
func (c *Client) IdempotencyKey(scope, id string) string {
	return c.buildKey(idempotencyPrefix, scope, id)
}

// ReleaseIfOwner deletes key only when it still holds owner, atomically.
func (c *Client) ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error) {
	if c.raw == nil {
		return false, errors.New("redis client not initialized")
	}
	deleted, err := releaseIfOwner.Run(ctx, c.raw, []string{key}, owner).Int()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

// RateLimitKey returns a namespaced key for rate limit counters.
func (c *Client) RateLimitKey(parts ...string) string {
	return c.buildKey(append([]string{rateLimitPrefix}, parts...)...)
}

// FeedChannel returns the pub/sub channel announcing changes to a ledger feed.
func (c *Client) FeedChannel(ledgerID string) string {
	return c.buildKey(feedPrefix, ledgerID)
}

// Publish sends message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, message any) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Publish(ctx, channel, message).Err()
}

// SubscribeChannel subscribes to a pub/sub channel and waits for the
// subscription to be confirmed. The returned close func releases it.
func (c *Client) SubscribeChannel(ctx context.Context, channel string) (<-chan *redis.Message, func() error, error) {
	if c.raw == nil {
		return nil, nil, errors.New("redis client not initialized")
	}
	sub := c.raw.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return sub.Channel(), sub.Close, nil
}

// Del removes the provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Del(ctx, keys...).Err()
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return errors.New("redis client not initialized")
	}
	return c.store.Ping(ctx).Err()
}

// Close shuts down the underlying client if available.
func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func (c *Client) buildKey(parts ...string) string {
	if len(parts) == 0 {
		return keyNamespace
	}
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part == "" {
			continue
		}
		clean = append(clean, strings.TrimSpace(part))
	}
	return strings.Join(clean, ":")
}

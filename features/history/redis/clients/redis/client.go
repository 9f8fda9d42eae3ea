// Package redis hosts the Redis client used by the history store. It mirrors
// the layering used across deployments: callers build a Redis connection,
// pass it to New, and receive a typed interface exposing only the operations
// the store needs.
package redis

//go:generate cmg gen .

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/clue/health"
)

const (
	listKeyPrefix = "gatehouse:history:"
	metaKeyPrefix = "gatehouse:sessmeta:"

	defaultOpTimeout  = 5 * time.Second
	historyClientName = "history-redis"
)

type (
	// Client exposes Redis-backed operations for session history. Each
	// session is one list of encoded messages plus one bookkeeping hash;
	// both carry the retention period as a TTL so idle sessions expire even
	// without an eviction pass.
	Client interface {
		health.Pinger

		// Append pushes one encoded message, refreshes bookkeeping and TTLs,
		// and trims the list to maxLen, returning how many entries the trim
		// dropped.
		Append(ctx context.Context, sessionID string, payload string, maxLen int64, ttl time.Duration, at time.Time) (int64, error)
		// List returns up to limit of the newest encoded messages in
		// insertion order. A limit <= 0 returns everything.
		List(ctx context.Context, sessionID string, limit int64) ([]string, error)
		// Delete removes the session list and bookkeeping, reporting whether
		// anything existed.
		Delete(ctx context.Context, sessionID string) (bool, error)
		// Rewrite replaces the session's entire list and bookkeeping.
		Rewrite(ctx context.Context, sessionID string, payloads []string, createdAt, lastActivity time.Time, ttl time.Duration) error
		// SessionIDs lists the ids of every live session in sorted order.
		SessionIDs(ctx context.Context) ([]string, error)
		// Meta reads the session bookkeeping. The second return reports
		// whether the session exists.
		Meta(ctx context.Context, sessionID string) (Meta, bool, error)
	}

	// Meta is the bookkeeping stored alongside each session list.
	Meta struct {
		CreatedAt      time.Time
		LastActivityAt time.Time
		MessageCount   int64
	}

	// Options configures the Redis history client.
	Options struct {
		// Redis is the connection backing the store. Required.
		Redis *redis.Client
		// Timeout bounds individual operations. Zero means 5s.
		Timeout time.Duration
	}

	client struct {
		redis   *redis.Client
		timeout time.Duration
	}
)

// New constructs a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{redis: opts.Redis, timeout: timeout}, nil
}

func (c *client) Name() string {
	return historyClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.redis.Ping(ctx).Err()
}

func (c *client) Append(ctx context.Context, sessionID string, payload string, maxLen int64, ttl time.Duration, at time.Time) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	lk, mk := listKey(sessionID), metaKey(sessionID)
	var lenCmd *redis.IntCmd
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lenCmd = pipe.RPush(ctx, lk, payload)
		pipe.HSetNX(ctx, mk, "created_at", at.UnixNano())
		pipe.HSet(ctx, mk, "last_activity_at", at.UnixNano())
		if ttl > 0 {
			pipe.Expire(ctx, lk, ttl)
			pipe.Expire(ctx, mk, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	n := lenCmd.Val()
	if maxLen <= 0 || n <= maxLen {
		return 0, nil
	}
	evicted := n - maxLen
	if err := c.redis.LTrim(ctx, lk, evicted, -1).Err(); err != nil {
		return 0, err
	}
	return evicted, nil
}

func (c *client) List(ctx context.Context, sessionID string, limit int64) ([]string, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	return c.redis.LRange(ctx, listKey(sessionID), start, -1).Result()
}

func (c *client) Delete(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	deleted, err := c.redis.Del(ctx, listKey(sessionID), metaKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

func (c *client) Rewrite(ctx context.Context, sessionID string, payloads []string, createdAt, lastActivity time.Time, ttl time.Duration) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	lk, mk := listKey(sessionID), metaKey(sessionID)
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, lk, mk)
		if len(payloads) == 0 {
			return nil
		}
		args := make([]any, len(payloads))
		for i, p := range payloads {
			args[i] = p
		}
		pipe.RPush(ctx, lk, args...)
		pipe.HSet(ctx, mk,
			"created_at", createdAt.UnixNano(),
			"last_activity_at", lastActivity.UnixNano())
		if ttl > 0 {
			pipe.Expire(ctx, lk, ttl)
			pipe.Expire(ctx, mk, ttl)
		}
		return nil
	})
	return err
}

func (c *client) SessionIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var ids []string
	iter := c.redis.Scan(ctx, 0, listKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), listKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *client) Meta(ctx context.Context, sessionID string) (Meta, bool, error) {
	if sessionID == "" {
		return Meta{}, false, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	count, err := c.redis.LLen(ctx, listKey(sessionID)).Result()
	if err != nil {
		return Meta{}, false, err
	}
	if count == 0 {
		return Meta{}, false, nil
	}
	fields, err := c.redis.HGetAll(ctx, metaKey(sessionID)).Result()
	if err != nil {
		return Meta{}, false, err
	}
	meta := Meta{MessageCount: count}
	if v, ok := fields["created_at"]; ok {
		if nanos, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.CreatedAt = time.Unix(0, nanos).UTC()
		}
	}
	if v, ok := fields["last_activity_at"]; ok {
		if nanos, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.LastActivityAt = time.Unix(0, nanos).UTC()
		}
	}
	return meta, true, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func listKey(sessionID string) string {
	return listKeyPrefix + sessionID
}

func metaKey(sessionID string) string {
	return metaKeyPrefix + sessionID
}

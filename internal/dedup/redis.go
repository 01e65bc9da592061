package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
)

// setNXer is the subset of redis.Cmdable used by Redis.
type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisOptions configures Dial.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Redis records message ids with SETNX and a TTL, so the history is shared
// by every process using the same keyspace.
type Redis struct {
	client setNXer
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// NewRedis wraps an existing client.
func NewRedis(client setNXer, prefix string, ttl time.Duration, log *logger.Logger) *Redis {
	if prefix == "" {
		prefix = "eventsub:msg:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: log}
}

// Seen implements Deduper. When Redis is unreachable the message is treated
// as new: a duplicate delivery is preferred over a lost one.
func (r *Redis) Seen(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	created, err := r.client.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
	if err != nil {
		r.log.Warn("Dedup lookup failed, treating message as new", "message_id", id, "error", err)
		return false
	}
	return !created
}

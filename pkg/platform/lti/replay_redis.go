package lti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplayGuard keeps login handshakes in Redis so several platform
// replicas share one replay window. Take relies on GETDEL (Redis >= 6.2).
type RedisReplayGuard struct {
	Client redis.Cmdable
	Prefix string // default "lti:replay:"
	Now    func() time.Time
}

// ConnectRedis builds a client from a redis:// URL or a bare host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewRedisReplayGuard(client redis.Cmdable) *RedisReplayGuard {
	return &RedisReplayGuard{Client: client}
}

func (g *RedisReplayGuard) Put(ctx context.Context, e ReplayEntry) error {
	if err := validEntry(e); err != nil {
		return err
	}
	ttl := e.ExpiresAt.Sub(g.now())
	if ttl <= 0 {
		return errReplayArgs
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return g.Client.Set(ctx, g.nonceKey(e.Nonce), raw, ttl).Err()
}

func (g *RedisReplayGuard) Get(ctx context.Context, nonce string) (ReplayEntry, bool, error) {
	raw, err := g.Client.Get(ctx, g.nonceKey(nonce)).Bytes()
	return g.decode(raw, err)
}

func (g *RedisReplayGuard) Take(ctx context.Context, nonce string) (ReplayEntry, bool, error) {
	raw, err := g.Client.GetDel(ctx, g.nonceKey(nonce)).Bytes()
	return g.decode(raw, err)
}

func (g *RedisReplayGuard) Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	value = strings.TrimSpace(value)
	if kind == "" || value == "" {
		return false, errors.New("replay: kind and value are required")
	}
	return g.Client.SetNX(ctx, g.prefix()+"mark:"+kind+":"+value, 1, ttl).Result()
}

func (g *RedisReplayGuard) decode(raw []byte, err error) (ReplayEntry, bool, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ReplayEntry{}, false, nil
		}
		return ReplayEntry{}, false, fmt.Errorf("replay: redis: %w", err)
	}
	var e ReplayEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ReplayEntry{}, false, fmt.Errorf("replay: decode: %w", err)
	}
	if !g.now().Before(e.ExpiresAt) {
		return ReplayEntry{}, false, nil
	}
	return e, true, nil
}

func (g *RedisReplayGuard) nonceKey(nonce string) string { return g.prefix() + "nonce:" + nonce }

func (g *RedisReplayGuard) prefix() string {
	if g.Prefix != "" {
		return g.Prefix
	}
	return "lti:replay:"
}

func (g *RedisReplayGuard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

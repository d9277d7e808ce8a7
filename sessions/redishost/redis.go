package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-hub-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcphub:sessions:"`
	// MaxLen approximately bounds each session stream. ENV: SESSIONS_STREAM_MAXLEN
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1024"`
	// StreamTTL expires streams of sessions that were never cleaned up. ENV: SESSIONS_STREAM_TTL
	StreamTTL time.Duration `env:"SESSIONS_STREAM_TTL,default=24h"`
}

// Host is a sessions.SessionHost backed by one Redis stream per session.
type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
}

const (
	fieldData = "d"
	// fieldEnd marks the tombstone appended by CleanupSession.
	fieldEnd = "end"

	tombstoneTTL = 30 * time.Second
	readBlock    = 500 * time.Millisecond
)

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcphub:sessions:"
	}
	ttl := cfg.StreamTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Host{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen, ttl: ttl}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redishost config: %w", err)
	}
	return New(cfg)
}

// Client returns the underlying Redis client so other components can share
// the connection pool.
func (h *Host) Client() *redis.Client { return h.client }

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

// openKey marks a session whose stream may be published to.
func (h *Host) openKey(sessionID string) string { return h.keyPrefix + "open:" + sessionID }

// publishScript appends to the stream only while the open marker exists.
// KEYS: stream, marker. ARGV: payload, maxlen, ttl seconds.
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  return false
end
local id
if tonumber(ARGV[2]) > 0 then
  id = redis.call('XADD', KEYS[1], 'MAXLEN', '~', ARGV[2], '*', '` + fieldData + `', ARGV[1])
else
  id = redis.call('XADD', KEYS[1], '*', '` + fieldData + `', ARGV[1])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return id
`)

func (h *Host) notFound(sessionID string) error {
	return fmt.Errorf("session %s: %w", sessionID, sessions.ErrSessionNotFound)
}

func (h *Host) OpenSession(ctx context.Context, sessionID string) error {
	if err := h.client.Set(ctx, h.openKey(sessionID), "1", h.ttl).Err(); err != nil {
		return fmt.Errorf("redis open: %w", err)
	}
	return nil
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	keys := []string{h.streamKey(sessionID), h.openKey(sessionID)}
	id, err := publishScript.Run(ctx, h.client, keys, data, h.maxLen, int64(h.ttl/time.Second)).Text()
	if errors.Is(err, redis.Nil) {
		return "", h.notFound(sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("redis publish: %w", err)
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	n, err := h.client.Exists(ctx, h.openKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	if n == 0 {
		return h.notFound(sessionID)
	}

	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		// "$" would race with publishes between reads; pin the current tail instead.
		start = "0-0"
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis subscribe: %w", err)
		}
		if len(last) > 0 {
			start = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 64, Block: readBlock}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redis subscribe: %w", err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				if _, ok := m.Values[fieldEnd]; ok {
					return nil
				}
				var payload []byte
				switch v := m.Values[fieldData].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					payload = []byte(fmt.Sprintf("%v", v))
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

// CleanupSession closes the stream to further publishes and appends a
// tombstone so blocked subscribers on any node return, then lets the stream
// expire shortly after.
func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	key := h.streamKey(sessionID)
	pipe := h.client.TxPipeline()
	pipe.Del(c, h.openKey(sessionID))
	pipe.XAdd(c, &redis.XAddArgs{Stream: key, Values: map[string]any{fieldEnd: "1"}})
	pipe.Expire(c, key, tombstoneTTL)
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("redis cleanup: %w", err)
	}
	return nil
}

var _ sessions.SessionHost = (*Host)(nil)

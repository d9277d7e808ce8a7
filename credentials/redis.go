package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Client is the Redis client instance.
	Client redis.UniversalClient

	// Key is the hash holding the accounts, one field per account name.
	// Default: "mcp-hub:credentials".
	Key string
}

// RedisStore keeps accounts as JSON values in a single Redis hash, which
// lets several hub nodes share connected accounts.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store on cfg.Client.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = "mcp-hub:credentials"
	}
	return &RedisStore{client: cfg.Client, key: cfg.Key}, nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (Account, error) {
	raw, err := s.client.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		names, _ := s.List(ctx)
		return Account{}, &NotFoundError{Name: name, Available: names}
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to get account %s: %w", name, err)
	}
	var acct Account
	if err := json.Unmarshal([]byte(raw), &acct); err != nil {
		return Account{}, fmt.Errorf("failed to unmarshal account %s: %w", name, err)
	}
	return acct, nil
}

func (s *RedisStore) Put(ctx context.Context, name string, acct Account) error {
	b, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, name, b).Err(); err != nil {
		return fmt.Errorf("failed to set account %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.HDel(ctx, s.key, name).Result()
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", name, err)
	}
	if n == 0 {
		names, _ := s.List(ctx)
		return &NotFoundError{Name: name, Available: names}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	names, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

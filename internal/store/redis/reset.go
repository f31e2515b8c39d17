// Package redis keeps the short-lived password-reset tokens. Redis expiry
// does the TTL bookkeeping and GETDEL makes consumption single use even with
// several gateway instances behind a balancer.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/iotzator/homematrix/internal/auth"
)

const resetPrefix = "reset:"

// ResetTokenStore implements auth.ResetTokenStore on a Redis client.
type ResetTokenStore struct {
	client *goredis.Client
}

// Open parses a redis:// URL and verifies connectivity.
func Open(ctx context.Context, url string) (*ResetTokenStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &ResetTokenStore{client: client}, nil
}

// NewResetTokenStore wraps an existing client, mainly for tests.
func NewResetTokenStore(client *goredis.Client) *ResetTokenStore {
	return &ResetTokenStore{client: client}
}

func (s *ResetTokenStore) Close() error { return s.client.Close() }

func (s *ResetTokenStore) Save(ctx context.Context, token, userID string, ttl time.Duration) error {
	return s.client.Set(ctx, resetPrefix+token, userID, ttl).Err()
}

func (s *ResetTokenStore) Peek(ctx context.Context, token string) (string, error) {
	userID, err := s.client.Get(ctx, resetPrefix+token).Result()
	if errors.Is(err, goredis.Nil) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *ResetTokenStore) Consume(ctx context.Context, token string) (string, error) {
	userID, err := s.client.GetDel(ctx, resetPrefix+token).Result()
	if errors.Is(err, goredis.Nil) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

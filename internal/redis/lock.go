package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Redis struct {
	Client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

// NewClient connects and pings; the caller owns Close.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

const lockTTL = 15 * time.Minute

func requestKey(key string) string {
	return "idempotency_lock:" + key
}

// AcquireRequest reserves an idempotency key for owner. It reports false if
// another request already holds the key.
func (r *Redis) AcquireRequest(ctx context.Context, key, owner string) (bool, error) {
	return r.Client.SetNX(ctx, requestKey(key), owner, lockTTL).Result()
}

// ReleaseRequest frees the key so the client may retry. Keys held by a
// different owner are left alone.
func (r *Redis) ReleaseRequest(ctx context.Context, key, owner string) error {
	k := requestKey(key)
	val, err := r.Client.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil // expired
	}
	if err != nil {
		return err
	}
	if val == owner {
		_, err := r.Client.Del(ctx, k).Result()
		return err
	}
	return nil
}

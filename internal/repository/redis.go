package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"realtysync/internal/config"
	"realtysync/internal/models"

	"github.com/redis/go-redis/v9"
)

const initialsKeyPrefix = "realtysync:initials:"

type RedisInitialsStore struct {
	client *redis.Client
}

// NewRedisClient builds a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisInitialsStore(client *redis.Client) *RedisInitialsStore {
	return &RedisInitialsStore{client: client}
}

func initialsKey(email string) string {
	return initialsKeyPrefix + normalizeEmail(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *RedisInitialsStore) GetInitials(ctx context.Context, email string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, initialsKey(email)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get initials from redis: %w", err)
	}
	return val, nil
}

// SetInitials writes every entry in one pipeline, each with its own TTL.
func (r *RedisInitialsStore) SetInitials(ctx context.Context, staff []models.StaffMember, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(staff) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, m := range staff {
		pipe.Set(ctx, initialsKey(m.Email), m.Initials, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set initials in redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

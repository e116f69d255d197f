package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// redisStorage implements Storage for Redis
type redisStorage struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (Storage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Redis URL is required")
	}

	// Parse the connection URL (redis:// or rediss://)
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis storage connected", "addr", opts.Addr, "db", opts.DB)
	return &redisStorage{client: client}, nil
}

func (s *redisStorage) Type() string {
	return TypeRedis
}

func (s *redisStorage) SQLiteDB() *sql.DB {
	return nil
}

func (s *redisStorage) PostgreSQLPool() interface{} {
	return nil
}

func (s *redisStorage) MongoDatabase() interface{} {
	return nil
}

func (s *redisStorage) RedisClient() interface{} {
	return s.client
}

func (s *redisStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

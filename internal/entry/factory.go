package entry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/config"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/storage"
)

// Result holds the initialized entry store and optional owned storage.
type Result struct {
	Store   Store
	Storage storage.Storage
}

// Close releases resources held by the entry store.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates a retrying entry store from app configuration. A nil logger
// uses slog.Default().
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	store, err := storage.New(ctx, BuildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	entryStore, err := createStore(ctx, store, cfg.Storage.Redis.Prefix)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Result{
		Store:   Resilient(entryStore, retryConfig(cfg, logger)),
		Storage: store,
	}, nil
}

// NewWithSharedStorage creates a retrying entry store on a shared storage
// connection. The returned Result does not own the connection.
func NewWithSharedStorage(ctx context.Context, shared storage.Storage, cfg *config.Config, logger *slog.Logger) (*Result, error) {
	if shared == nil {
		return nil, fmt.Errorf("shared storage is required")
	}
	if cfg == nil {
		cfg = config.Defaults()
	}
	entryStore, err := createStore(ctx, shared, cfg.Storage.Redis.Prefix)
	if err != nil {
		return nil, err
	}
	return &Result{
		Store: Resilient(entryStore, retryConfig(cfg, logger)),
	}, nil
}

// BuildStorageConfig maps app configuration onto storage settings, filling defaults.
func BuildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.DefaultConfig()
	s := cfg.Storage

	if s.Type != "" {
		storageCfg.Type = s.Type
	}
	if s.SQLite.Path != "" {
		storageCfg.SQLite.Path = s.SQLite.Path
	}
	if s.SQLite.BusyTimeoutMs > 0 {
		storageCfg.SQLite.BusyTimeoutMs = s.SQLite.BusyTimeoutMs
	}
	storageCfg.PostgreSQL.URL = s.PostgreSQL.URL
	if s.PostgreSQL.MaxConns > 0 {
		storageCfg.PostgreSQL.MaxConns = s.PostgreSQL.MaxConns
	}
	storageCfg.MongoDB.URL = s.MongoDB.URL
	if s.MongoDB.Database != "" {
		storageCfg.MongoDB.Database = s.MongoDB.Database
	}
	storageCfg.Redis = storage.RedisConfig{URL: s.Redis.URL, Prefix: s.Redis.Prefix}
	return storageCfg
}

func retryConfig(cfg *config.Config, logger *slog.Logger) RetryConfig {
	return RetryConfig{
		Logger:       logger,
		Timeout:      cfg.Cache.StoreTimeout,
		MaxAttempts:  cfg.Cache.Retry.MaxAttempts,
		InitialDelay: cfg.Cache.Retry.InitialDelay,
		MaxDelay:     cfg.Cache.Retry.MaxDelay,
	}
}

func createStore(ctx context.Context, store storage.Storage, redisPrefix string) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())
	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		pgxPool, ok := pool.(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("invalid PostgreSQL pool type: %T", pool)
		}
		return NewPostgreSQLStore(ctx, pgxPool)
	case storage.TypeMongoDB:
		db := store.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		mongoDB, ok := db.(*mongo.Database)
		if !ok {
			return nil, fmt.Errorf("invalid MongoDB database type: %T", db)
		}
		return NewMongoDBStore(mongoDB)
	case storage.TypeRedis:
		client := store.RedisClient()
		if client == nil {
			return nil, fmt.Errorf("Redis client is nil")
		}
		redisClient, ok := client.(*redis.Client)
		if !ok {
			return nil, fmt.Errorf("invalid Redis client type: %T", client)
		}
		return NewRedisStore(redisClient, redisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

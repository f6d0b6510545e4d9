package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/memory/v2"
	"github.com/gofiber/storage/redis/v3"
	"github.com/khanghh/meshauth/params"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	BackendDatabase = "database"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported session backend")
)

type RedisConfig struct {
	URL         string
	PoolSize    int
	ClusterMode bool
}

type Config struct {
	Backend string
	Redis   RedisConfig
}

// SessionStorage is the storage selected for the session middleware.
// Redis is only set for the redis backend and is used by readiness checks.
type SessionStorage struct {
	fiber.Storage
	SQL   *SQLStorage
	Redis goredis.UniversalClient
}

func NewRedisStorage(cfg RedisConfig) *redis.Storage {
	return redis.New(redis.Config{
		URL:           cfg.URL,
		PoolSize:      cfg.PoolSize,
		IsClusterMode: cfg.ClusterMode,
	})
}

func NewMemoryStorage() *memory.Storage {
	return memory.New(memory.Config{
		GCInterval: 10 * time.Second,
	})
}

// NewSessionStorage builds the session storage for the configured backend.
// Keys are namespaced with params.SessionKeyPrefix except on the database
// backend, whose table holds nothing else.
func NewSessionStorage(cfg Config, db *gorm.DB) (*SessionStorage, error) {
	switch cfg.Backend {
	case BackendDatabase, "":
		sqlStorage := NewSQLStorage(db)
		return &SessionStorage{Storage: sqlStorage, SQL: sqlStorage}, nil
	case BackendRedis:
		redisStorage := NewRedisStorage(cfg.Redis)
		return &SessionStorage{
			Storage: StorageWithPrefix(redisStorage, params.SessionKeyPrefix),
			Redis:   redisStorage.Conn(),
		}, nil
	case BackendMemory:
		return &SessionStorage{Storage: StorageWithPrefix(NewMemoryStorage(), params.SessionKeyPrefix)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
}

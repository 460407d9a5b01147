package repositories

import (
	"context"

	"voicelink/internal/core/ports"
	"voicelink/internal/infrastructure/repositories/memory"
	redisrepo "voicelink/internal/infrastructure/repositories/redis"
	"voicelink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates call repositories, preferring Redis when it is
// enabled and reachable and falling back to memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis if the gateway config enables it.
func NewRepositoryFactory(cfg config.RedisConfig, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Enabled,
		logger:   logger,
	}

	if cfg.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Address,
			cfg.Password,
			cfg.DB,
			cfg.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateCallRepository creates the call record store.
func (f *RepositoryFactory) CreateCallRepository() ports.CallRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisCallRepository(f.redisClient)
	}
	return memory.NewMemoryCallRepository()
}

// Close closes the Redis connection if used.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck verifies the Redis connection.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quota-service/internal/client"
	"quota-service/internal/config"
	"quota-service/internal/limiter"
	"quota-service/internal/models"
	"quota-service/internal/repository"
	"quota-service/internal/repository/dynamodb"
	"quota-service/internal/repository/memory"
	"quota-service/internal/repository/redis"
	"quota-service/internal/usage"
	"quota-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient    *client.RedisClient
	dynamoDBClient *client.DynamoDBClient
	kafkaPublisher *usage.KafkaPublisher

	backend   repository.Backend
	publisher usage.Publisher
	limiter   *limiter.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration, initializes the logger and builds every dependency
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return New(cfg)
}

// New builds the dependencies for an already loaded configuration
func New(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeBackend(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	factory.initializePublisher()

	if err := factory.initializeLimiter(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize limiter: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("kafka_enabled", factory.kafkaPublisher != nil),
	)

	return factory, nil
}

// initializeBackend connects to the configured store
func (f *Factory) initializeBackend() error {
	logger := util.Get()

	switch f.config.Store.Backend {
	case config.BackendRedis:
		redisClient, err := client.NewRedisClient(f.config, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		f.backend = redis.New(redisClient.Client,
			redis.WithKeyPrefix(f.config.Redis.KeyPrefix),
			redis.WithMaxAuditEvents(f.config.Limiter.AuditMaxEvents),
			redis.WithLogger(logger),
		)

	case config.BackendDynamoDB:
		dynamoClient, err := client.NewDynamoDBClient(f.config, logger)
		if err != nil {
			return fmt.Errorf("dynamodb: %w", err)
		}
		f.dynamoDBClient = dynamoClient
		f.backend = dynamodb.New(dynamoClient.Client, dynamoClient.Table,
			dynamodb.WithAuditRetention(f.config.DynamoDB.AuditRetention),
			dynamodb.WithLogger(logger),
		)

	case config.BackendMemory:
		util.Warn("Using the in-memory store - buckets are not shared between processes")
		f.backend = memory.New(memory.WithMaxAuditEvents(f.config.Limiter.AuditMaxEvents))

	default:
		return fmt.Errorf("unknown store backend %q", f.config.Store.Backend)
	}

	util.Info("Store initialized", util.String("backend", f.config.Store.Backend))
	return nil
}

// initializePublisher falls back to a no-op publisher when Kafka is disabled
// or unreachable; usage events never gate acquisitions.
func (f *Factory) initializePublisher() {
	f.publisher = usage.NoopPublisher{}
	if !f.config.Kafka.Enabled {
		return
	}

	publisher := usage.NewKafkaPublisher(f.config.Kafka, util.Get())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := publisher.HealthCheck(ctx); err != nil {
		util.Warn("Kafka health check failed - publishing anyway", util.ErrorField(err))
	}

	f.kafkaPublisher = publisher
	f.publisher = publisher
}

func (f *Factory) initializeLimiter() error {
	policy, err := models.ParseOnUnavailable(f.config.Limiter.OnUnavailable)
	if err != nil {
		return err
	}

	l, err := limiter.New(limiter.Options{
		Backend:             f.backend,
		Publisher:           f.publisher,
		Logger:              util.Get(),
		ConfigCacheTTL:      f.config.Limiter.ConfigCacheTTL,
		OnUnavailable:       policy,
		BucketTTLMultiplier: f.config.Limiter.BucketTTLMultiplier,
	})
	if err != nil {
		return err
	}
	f.limiter = l
	return nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.backend != nil {
		if err := f.backend.Ping(ctx); err != nil {
			healthErrors["store"] = err
		}
	} else {
		healthErrors["store"] = fmt.Errorf("store not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.dynamoDBClient != nil {
		if err := f.dynamoDBClient.HealthCheck(ctx); err != nil {
			healthErrors["dynamodb"] = err
		}
	}

	if f.kafkaPublisher != nil {
		if err := f.kafkaPublisher.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.limiter == nil {
		healthErrors["limiter"] = fmt.Errorf("limiter not initialized")
	}

	return healthErrors
}

// IsHealthy ignores Kafka: usage events are best effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.publisher != nil {
			if err := f.publisher.Close(); err != nil {
				util.Error("Failed to close usage publisher", util.ErrorField(err))
			} else {
				util.Info("Usage publisher closed")
			}
		}

		if f.backend != nil {
			if err := f.backend.Close(); err != nil {
				util.Error("Failed to close store", util.ErrorField(err))
			}
		}

		if f.dynamoDBClient != nil {
			f.dynamoDBClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Limiter() *limiter.Limiter {
	return f.limiter
}

func (f *Factory) Backend() repository.Backend {
	return f.backend
}

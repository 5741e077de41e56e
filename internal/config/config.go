package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"quota-service/internal/util"
)

// Store backend names accepted by STORE_BACKEND.
const (
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

type Config struct {
	Environment string
	Logging     LoggingConfig
	Server      ServerConfig
	Store       StoreConfig
	Redis       RedisConfig
	DynamoDB    DynamoDBConfig
	Kafka       KafkaConfig
	Limiter     LimiterConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type StoreConfig struct {
	Backend string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type DynamoDBConfig struct {
	Table    string
	Region   string
	Endpoint string
	// AuditRetention bounds how long audit items live before the table TTL removes them.
	AuditRetention time.Duration
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	UsageTopic string
}

type LimiterConfig struct {
	ConfigCacheTTL      time.Duration
	OnUnavailable       string
	BucketTTLMultiplier int
	AuditMaxEvents      int
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables win.
func LoadConfig() *Config {
	if err := godotenv.Load(); err == nil {
		util.Debug("Loaded environment from .env file")
	}

	return &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			Port:           util.GetEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    util.GetEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: util.GetEnvDuration("SERVER_REQUEST_TIMEOUT", 5*time.Second),
			AllowedOrigins: util.GetEnvList("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(util.GetEnv("STORE_BACKEND", BackendRedis)),
		},
		Redis: RedisConfig{
			URL:       util.GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  util.GetEnv("REDIS_PASSWORD", ""),
			DB:        util.GetEnvInt("REDIS_DB", 0),
			PoolSize:  util.GetEnvInt("REDIS_POOL_SIZE", 50),
			KeyPrefix: util.GetEnv("REDIS_KEY_PREFIX", "quota:"),
		},
		DynamoDB: DynamoDBConfig{
			Table:          util.GetEnv("DYNAMODB_TABLE", "quota-limits"),
			Region:         util.GetEnv("AWS_REGION", "us-east-1"),
			Endpoint:       util.GetEnv("DYNAMODB_ENDPOINT", ""),
			AuditRetention: util.GetEnvDuration("DYNAMODB_AUDIT_RETENTION", 90*24*time.Hour),
		},
		Kafka: KafkaConfig{
			Enabled:    util.GetEnvBool("KAFKA_ENABLED", false),
			Brokers:    util.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			UsageTopic: util.GetEnv("KAFKA_USAGE_TOPIC", "quota-usage"),
		},
		Limiter: LimiterConfig{
			ConfigCacheTTL:      util.GetEnvDuration("LIMITER_CONFIG_CACHE_TTL", 60*time.Second),
			OnUnavailable:       strings.ToLower(util.GetEnv("LIMITER_ON_UNAVAILABLE", "block")),
			BucketTTLMultiplier: util.GetEnvInt("LIMITER_BUCKET_TTL_MULTIPLIER", 7),
			AuditMaxEvents:      util.GetEnvInt("LIMITER_AUDIT_MAX_EVENTS", 1000),
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	case BackendDynamoDB:
		if c.DynamoDB.Table == "" {
			errs = append(errs, errors.New("DYNAMODB_TABLE is required for the dynamodb backend"))
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("the memory backend cannot be used in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port))
	}
	if c.Limiter.ConfigCacheTTL < 0 {
		errs = append(errs, errors.New("LIMITER_CONFIG_CACHE_TTL must not be negative"))
	}
	if c.Limiter.OnUnavailable != "allow" && c.Limiter.OnUnavailable != "block" {
		errs = append(errs, fmt.Errorf("LIMITER_ON_UNAVAILABLE must be allow or block, got %q", c.Limiter.OnUnavailable))
	}
	if c.Limiter.BucketTTLMultiplier < 0 {
		errs = append(errs, errors.New("LIMITER_BUCKET_TTL_MULTIPLIER must not be negative"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is set"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

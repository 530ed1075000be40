package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"ordering/internal/infrastructure/database"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	BusKafka  = "kafka"
	BusMemory = "memory"
)

type Config struct {
	DBConfig struct {
		DBHost     string `env:"ORDERS_DB_HOST"     envDefault:"localhost"`
		DBPort     string `env:"ORDERS_DB_PORT"     envDefault:"5432"`
		DBUser     string `env:"ORDERS_DB_USER"     envDefault:"postgres"`
		DBPassword string `env:"ORDERS_DB_PASSWORD" envDefault:"postgres"`
		DBName     string `env:"ORDERS_DB_NAME"     envDefault:"orders_db"`
		DBSSLMode  string `env:"ORDERS_DB_SSLMODE"  envDefault:"disable"`
	}

	StoreDriver string `env:"ORDERS_STORE_DRIVER" envDefault:"postgres"`
	SQLitePath  string `env:"ORDERS_SQLITE_PATH"  envDefault:"ordering.db"`

	BusDriver          string   `env:"ORDERS_BUS_DRIVER"           envDefault:"kafka"`
	KafkaBrokers       []string `env:"KAFKA_BROKER_URL"            envDefault:"localhost:9092" envSeparator:","`
	KafkaEventsTopic   string   `env:"KAFKA_ORDER_EVENTS_TOPIC"    envDefault:"ordering.order-events"`
	KafkaRepliesTopics []string `env:"KAFKA_REPLY_TOPICS"          envDefault:"buyers.events,catalog.events,payments.events,shipping.events" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP"        envDefault:"ordering-service-group"`
	KafkaPartitions    int      `env:"KAFKA_TOPIC_PARTITIONS"      envDefault:"3"`

	ConsumerRetryInterval    time.Duration `env:"KAFKA_CONSUMER_RETRY_INTERVAL"     envDefault:"500ms"`
	ConsumerRetryMaxInterval time.Duration `env:"KAFKA_CONSUMER_RETRY_MAX_INTERVAL" envDefault:"30s"`

	RedisAddr     string        `env:"ORDERS_REDIS_ADDR"`
	RedisPassword string        `env:"ORDERS_REDIS_PASSWORD"`
	LockTTL       time.Duration `env:"ORDERS_LOCK_TTL"  envDefault:"30s"`
	LockWait      time.Duration `env:"ORDERS_LOCK_WAIT" envDefault:"5s"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"5s"`
	OutboxPollTimeout  time.Duration `env:"OUTBOX_POLL_TIMEOUT"  envDefault:"10s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE"    envDefault:"100"`
	OutboxLease        time.Duration `env:"OUTBOX_LEASE"         envDefault:"30s"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS"  envDefault:"10"`
	OutboxRetryBackoff time.Duration `env:"OUTBOX_RETRY_BACKOFF" envDefault:"1s"`
	OutboxMaxBackoff   time.Duration `env:"OUTBOX_MAX_BACKOFF"   envDefault:"5m"`

	SagaConfirmationTimeout time.Duration `env:"SAGA_CONFIRMATION_TIMEOUT" envDefault:"15m"`
	SagaGracePeriod         time.Duration `env:"SAGA_GRACE_PERIOD"         envDefault:"0s"`
	SagaSweepInterval       time.Duration `env:"SAGA_SWEEP_INTERVAL"       envDefault:"30s"`
	ConflictRetries         uint          `env:"ORDERS_CONFLICT_RETRIES"   envDefault:"5"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPPort     string `env:"ORDERS_HTTP_PORT" envDefault:"8080"`

	CORSAllowedOrigins []string `env:"ORDERS_CORS_ORIGINS" envDefault:"http://localhost:5173" envSeparator:","`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would make the saga or the publisher
// misbehave rather than fail.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StorePostgres, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("ORDERS_STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreSQLite, c.StoreDriver))
	}
	switch c.BusDriver {
	case BusKafka:
		if len(c.KafkaBrokers) == 0 || strings.TrimSpace(c.KafkaBrokers[0]) == "" {
			errs = append(errs, errors.New("KAFKA_BROKER_URL is required with the kafka bus"))
		}
		if c.KafkaEventsTopic == "" || len(c.KafkaRepliesTopics) == 0 {
			errs = append(errs, errors.New("kafka topics are required with the kafka bus"))
		}
	case BusMemory:
	default:
		errs = append(errs, fmt.Errorf("ORDERS_BUS_DRIVER must be %q or %q, got %q", BusKafka, BusMemory, c.BusDriver))
	}
	if c.SagaConfirmationTimeout <= 0 {
		errs = append(errs, errors.New("SAGA_CONFIRMATION_TIMEOUT must be positive"))
	}
	if c.SagaGracePeriod < 0 {
		errs = append(errs, errors.New("SAGA_GRACE_PERIOD must not be negative"))
	}
	if c.SagaGracePeriod >= c.SagaConfirmationTimeout {
		errs = append(errs, errors.New("SAGA_GRACE_PERIOD must be shorter than SAGA_CONFIRMATION_TIMEOUT"))
	}
	if c.SagaSweepInterval <= 0 || c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("poll and sweep intervals must be positive"))
	}
	if c.ConsumerRetryInterval <= 0 || c.ConsumerRetryMaxInterval < c.ConsumerRetryInterval {
		errs = append(errs, errors.New("KAFKA_CONSUMER_RETRY_INTERVAL must be positive and not above KAFKA_CONSUMER_RETRY_MAX_INTERVAL"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("OUTBOX_MAX_ATTEMPTS must be positive"))
	}
	if c.OutboxMaxBackoff < c.OutboxRetryBackoff {
		errs = append(errs, errors.New("OUTBOX_MAX_BACKOFF must not be below OUTBOX_RETRY_BACKOFF"))
	}
	if c.ConflictRetries == 0 {
		errs = append(errs, errors.New("ORDERS_CONFLICT_RETRIES must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Database() database.DBConfig {
	return database.DBConfig{
		Host:     c.DBConfig.DBHost,
		Port:     c.DBConfig.DBPort,
		User:     c.DBConfig.DBUser,
		Password: c.DBConfig.DBPassword,
		DBName:   c.DBConfig.DBName,
		SSLMode:  c.DBConfig.DBSSLMode,
	}
}

func (c *Config) GetKafkaBrokers() []string {
	return c.KafkaBrokers
}

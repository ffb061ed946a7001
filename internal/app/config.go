// Package app is the composition root shared by the api, worker and esctl binaries.
package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/Apurer/go-eventsourcing-server/internal/domains/fulfillment"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/retry"
	platformconfig "github.com/Apurer/go-eventsourcing-server/internal/platform/config"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/observability"
	sagaworkflows "github.com/Apurer/go-eventsourcing-server/internal/platform/temporal/workflows/sagas"
)

// Config carries environment-driven settings for every process.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	StdoutTraces bool   `env:"OTEL_STDOUT_TRACES"`

	PostgresDSN      string        `env:"POSTGRES_DSN"`
	PostgresMaxConns int           `env:"POSTGRES_MAX_CONNS" envDefault:"20"`
	PostgresIdle     int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	PostgresLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
	AutoMigrate      bool          `env:"AUTO_MIGRATE" envDefault:"true"`

	RedisAddr          string        `env:"REDIS_ADDR"`
	RedisStreamPrefix  string        `env:"REDIS_STREAM_PREFIX" envDefault:"es:events"`
	RedisConsumer      string        `env:"REDIS_CONSUMER" envDefault:"consumer-1"`
	RedisStreamMaxLen  int64         `env:"REDIS_STREAM_MAXLEN" envDefault:"0"`
	RedisBlock         time.Duration `env:"REDIS_BLOCK" envDefault:"2s"`
	BusPartitions      int           `env:"BUS_PARTITIONS" envDefault:"8"`
	BusRedeliveries    int           `env:"BUS_REDELIVERIES" envDefault:"3"`
	EmbeddedWorkers    bool          `env:"EMBEDDED_WORKERS" envDefault:"true"`
	RelayInterval      time.Duration `env:"OUTBOX_RELAY_INTERVAL" envDefault:"1s"`
	SweepInterval      time.Duration `env:"SAGA_SWEEP_INTERVAL" envDefault:"1s"`
	OutboxRetention    time.Duration `env:"OUTBOX_RETENTION" envDefault:"168h"`
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	SnowflakeNode      int64         `env:"SNOWFLAKE_NODE" envDefault:"1"`
	StreamHeartbeat    time.Duration `env:"EVENT_STREAM_HEARTBEAT" envDefault:"15s"`
	ProblemTypeBaseURI string        `env:"PROBLEM_TYPE_BASE_URI"`

	TemporalAddress   string `env:"TEMPORAL_ADDRESS"`
	TemporalNamespace string `env:"TEMPORAL_NAMESPACE"`
	TemporalTaskQueue string `env:"TEMPORAL_TASK_QUEUE"`
	TemporalDisabled  bool   `env:"TEMPORAL_DISABLED"`

	FulfillmentMode string        `env:"FULFILLMENT_MODE" envDefault:"orchestration"`
	Warehouse       string        `env:"FULFILLMENT_WAREHOUSE" envDefault:"main"`
	StepTimeout     time.Duration `env:"SAGA_STEP_TIMEOUT" envDefault:"5s"`
	ShippingTimeout time.Duration `env:"SAGA_SHIPPING_TIMEOUT" envDefault:"30s"`
	Window          time.Duration `env:"CHOREOGRAPHY_WINDOW" envDefault:"30s"`

	CommandAttempts      int           `env:"COMMAND_MAX_ATTEMPTS" envDefault:"5"`
	HandlerAttempts      int           `env:"HANDLER_MAX_ATTEMPTS" envDefault:"5"`
	HandlerTimeout       time.Duration `env:"HANDLER_TIMEOUT" envDefault:"5s"`
	StepAttempts         int           `env:"SAGA_STEP_MAX_ATTEMPTS" envDefault:"5"`
	CompensationAttempts int           `env:"SAGA_COMPENSATION_MAX_ATTEMPTS" envDefault:"8"`
	RetryInitial         time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"50ms"`
	RetryMax             time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"2s"`
}

// LoadConfig reads environment variables, applies defaults, and validates basic constraints.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := platformconfig.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.PostgresDSN = strings.TrimSpace(cfg.PostgresDSN)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	if cfg.TemporalAddress == "" {
		cfg.TemporalAddress = client.DefaultHostPort
	}
	if cfg.TemporalNamespace == "" {
		cfg.TemporalNamespace = client.DefaultNamespace
	}
	if cfg.TemporalTaskQueue == "" {
		cfg.TemporalTaskQueue = sagaworkflows.SagaTaskQueue
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.BusPartitions < 1 {
		errs = append(errs, errors.New("BUS_PARTITIONS must be a positive integer"))
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		errs = append(errs, errors.New("SNOWFLAKE_NODE must be between 0 and 1023"))
	}
	for name, attempts := range map[string]int{
		"COMMAND_MAX_ATTEMPTS":           c.CommandAttempts,
		"HANDLER_MAX_ATTEMPTS":           c.HandlerAttempts,
		"SAGA_STEP_MAX_ATTEMPTS":         c.StepAttempts,
		"SAGA_COMPENSATION_MAX_ATTEMPTS": c.CompensationAttempts,
	} {
		if attempts < 1 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer", name))
		}
	}
	if _, err := fulfillment.ParseMode(c.FulfillmentMode); err != nil {
		errs = append(errs, fmt.Errorf("FULFILLMENT_MODE: %w", err))
	}
	return errors.Join(errs...)
}

// Memory reports whether storage falls back to in-process stores.
func (c Config) Memory() bool {
	return c.PostgresDSN == ""
}

// Observability returns the telemetry settings for a process.
func (c Config) Observability(serviceName string) observability.Settings {
	return observability.Settings{
		ServiceName:  serviceName,
		Environment:  c.Environment,
		LogLevel:     c.LogLevel,
		OTLPEndpoint: c.OTLPEndpoint,
		OTLPInsecure: c.OTLPInsecure,
		StdoutTraces: c.StdoutTraces,
	}
}

func (c Config) policy(attempts int, timeout time.Duration) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = attempts
	if c.RetryInitial > 0 {
		p.InitialInterval = c.RetryInitial
	}
	if c.RetryMax > 0 {
		p.MaxInterval = c.RetryMax
	}
	p.AttemptTimeout = timeout
	return p
}

// CommandPolicy bounds the reload-and-retry loop on concurrency conflicts.
func (c Config) CommandPolicy() retry.Policy {
	return c.policy(c.CommandAttempts, 0)
}

// HandlerPolicy is the per-event budget of projections, sagas and reactors before dead-lettering.
func (c Config) HandlerPolicy() retry.Policy {
	return c.policy(c.HandlerAttempts, c.HandlerTimeout)
}

// Fulfillment returns the fulfillment flow settings.
func (c Config) Fulfillment() fulfillment.Config {
	mode, _ := fulfillment.ParseMode(c.FulfillmentMode)
	return fulfillment.Config{
		Mode:              mode,
		Warehouse:         c.Warehouse,
		StepTimeout:       c.StepTimeout,
		ShippingTimeout:   c.ShippingTimeout,
		Window:            c.Window,
		StepRetry:         c.policy(c.StepAttempts, c.StepTimeout),
		CompensationRetry: c.policy(c.CompensationAttempts, c.StepTimeout),
	}
}

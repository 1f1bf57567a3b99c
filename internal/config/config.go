package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Configuration struct {
	Deployment DeploymentConfig `validate:"required"`
	Server     ServerConfig     `validate:"required"`
	Logging    LoggingConfig    `validate:"required"`
	Limiter    LimiterConfig    `validate:"required"`
	Sink       SinkConfig       `validate:"required"`
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
	Kafka      KafkaConfig
	EventBus   EventBusConfig
	Colo       ColoConfig
}

type DeploymentConfig struct {
	Mode        types.RunMode     `validate:"required"`
	Environment types.Environment `validate:"required"`
}

type ServerConfig struct {
	Address string `validate:"required"`
}

type LoggingConfig struct {
	Level types.LogLevel `validate:"required"`
}

// LimiterConfig carries the knobs of the per-customer limiter shards.
type LimiterConfig struct {
	// DataDir is the root under which each shard keeps its sqlite database,
	// laid out as {DataDir}/{region}/{customerID}.db.
	DataDir string `validate:"required"`

	// TTLAnalytics is the default flush alarm cadence.
	TTLAnalytics time.Duration `mapstructure:"ttl_analytics"`
	// TTLSyncUsage is the cadence of counter reconciliation to the primary DB.
	TTLSyncUsage time.Duration `mapstructure:"ttl_sync_usage"`
	// PlaceholderTTL bounds how long a not-found sentinel suppresses refreshes.
	// Zero means "use the environment default".
	PlaceholderTTL time.Duration `mapstructure:"placeholder_ttl"`
	// DebounceDelay delays the cache write-back after a Report.
	DebounceDelay time.Duration `mapstructure:"debounce_delay"`
	// MaxFlushInterval caps how long a cache write-back can be debounced.
	MaxFlushInterval time.Duration `mapstructure:"max_flush_interval"`

	BatchSize         int `mapstructure:"batch_size"`
	HashCacheCapacity int `mapstructure:"hash_cache_capacity"`

	FlushClampMin time.Duration `mapstructure:"flush_clamp_min"`
	FlushClampMax time.Duration `mapstructure:"flush_clamp_max"`

	// HibernateAfter is how long a shard may sit idle before the registry
	// releases its in-memory state.
	HibernateAfter time.Duration `mapstructure:"hibernate_after"`
}

type SinkDriver string

const (
	SinkDriverClickHouse SinkDriver = "clickhouse"
	SinkDriverHTTP       SinkDriver = "http"
	SinkDriverNoop       SinkDriver = "noop"
)

type SinkConfig struct {
	Driver SinkDriver `validate:"required"`
	HTTP   HTTPSinkConfig
}

type HTTPSinkConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string
	Timeout time.Duration
}

type ClickHouseConfig struct {
	Address  string
	TLS      bool
	Username string
	Password string
	Database string
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string `mapstructure:"consumer_group"`
	ClientID      string `mapstructure:"client_id"`
	UseSASL       bool   `mapstructure:"use_sasl"`
	SASLMechanism string `mapstructure:"sasl_mechanism"`
	SASLUser      string `mapstructure:"sasl_user"`
	SASLPassword  string `mapstructure:"sasl_password"`
}

type EventBusDriver string

const (
	EventBusDriverMemory EventBusDriver = "memory"
	EventBusDriverKafka  EventBusDriver = "kafka"
)

type EventBusConfig struct {
	Driver            EventBusDriver `validate:"required"`
	UsageFlushedTopic string         `mapstructure:"usage_flushed_topic"`
	DebugTopicPrefix  string         `mapstructure:"debug_topic_prefix"`
}

// ColoConfig configures the one-shot datacenter probe a shard runs on
// creation. An empty URL skips the probe and pins the shard to "local".
type ColoConfig struct {
	ProbeURL string `mapstructure:"probe_url"`
	Timeout  time.Duration
}

func NewConfig() (*Configuration, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/usagegate")

	v.SetEnvPrefix("USAGEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(
		".", "_",
		"-", "_",
	))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file if exists
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, err
		}
	}

	var config Configuration
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.applyEnvironmentDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment.mode", string(types.ModeLocal))
	v.SetDefault("deployment.environment", string(types.EnvironmentDevelopment))
	v.SetDefault("server.address", ":8080")
	v.SetDefault("logging.level", string(types.LogLevelInfo))

	v.SetDefault("limiter.datadir", "./data/shards")
	v.SetDefault("limiter.ttl_analytics", "30s")
	v.SetDefault("limiter.ttl_sync_usage", "24h")
	v.SetDefault("limiter.debounce_delay", "2s")
	v.SetDefault("limiter.max_flush_interval", "5s")
	v.SetDefault("limiter.batch_size", 500)
	v.SetDefault("limiter.hash_cache_capacity", 1000)
	v.SetDefault("limiter.flush_clamp_min", "5s")
	v.SetDefault("limiter.flush_clamp_max", "30m")
	v.SetDefault("limiter.hibernate_after", "15m")

	v.SetDefault("sink.driver", string(SinkDriverNoop))
	v.SetDefault("sink.http.timeout", "10s")

	v.SetDefault("eventbus.driver", string(EventBusDriverMemory))
	v.SetDefault("eventbus.usage_flushed_topic", "usagegate.usage.flushed")
	v.SetDefault("eventbus.debug_topic_prefix", "usagegate.debug.")

	v.SetDefault("colo.timeout", "5s")
}

// applyEnvironmentDefaults fills knobs whose default depends on the
// deployment environment.
func (c *Configuration) applyEnvironmentDefaults() {
	if c.Limiter.PlaceholderTTL == 0 {
		switch c.Deployment.Environment {
		case types.EnvironmentProduction:
			c.Limiter.PlaceholderTTL = 5 * time.Minute
		case types.EnvironmentPreview:
			c.Limiter.PlaceholderTTL = 30 * time.Second
		default:
			c.Limiter.PlaceholderTTL = 10 * time.Second
		}
	}
	if c.Limiter.TTLSyncUsage == 0 {
		c.Limiter.TTLSyncUsage = 24 * time.Hour
	}
	if c.Deployment.Environment == types.EnvironmentDevelopment && c.Limiter.TTLSyncUsage == 24*time.Hour {
		c.Limiter.TTLSyncUsage = time.Minute
	}
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// GetDefaultConfig returns a default configuration for local development.
// This is useful for running scripts or tests without a config file.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Deployment: DeploymentConfig{
			Mode:        types.ModeLocal,
			Environment: types.EnvironmentDevelopment,
		},
		Server:  ServerConfig{Address: ":8080"},
		Logging: LoggingConfig{Level: types.LogLevelDebug},
		Limiter: LimiterConfig{
			DataDir:           "./data/shards",
			TTLAnalytics:      30 * time.Second,
			TTLSyncUsage:      time.Minute,
			PlaceholderTTL:    10 * time.Second,
			DebounceDelay:     2 * time.Second,
			MaxFlushInterval:  5 * time.Second,
			BatchSize:         500,
			HashCacheCapacity: 1000,
			FlushClampMin:     5 * time.Second,
			FlushClampMax:     30 * time.Minute,
			HibernateAfter:    15 * time.Minute,
		},
		Sink: SinkConfig{Driver: SinkDriverNoop},
		EventBus: EventBusConfig{
			Driver:            EventBusDriverMemory,
			UsageFlushedTopic: "usagegate.usage.flushed",
			DebugTopicPrefix:  "usagegate.debug.",
		},
	}
}

func (c ClickHouseConfig) GetClientOptions() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{c.Address},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
	if c.TLS {
		options.TLS = &tls.Config{}
	}
	return options
}

func (c PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
		c.User,
		c.Password,
		c.DBName,
		c.Host,
		c.Port,
		c.SSLMode,
	)
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server    ServerConfig    `envconfig:"SERVER"`
	Database  DatabaseConfig  `envconfig:"DB"`
	Postgres  PostgresConfig  `envconfig:"POSTGRES"`
	Kafka     KafkaConfig     `envconfig:"KAFKA"`
	Redis     RedisConfig     `envconfig:"REDIS"`
	Stripe    StripeConfig    `envconfig:"STRIPE"`
	Auth      AuthConfig      `envconfig:"JWT"`
	RateLimit RateLimitConfig `envconfig:"RATE_LIMIT"`
	Sweep     SweepConfig     `envconfig:"SWEEP"`
	Tracing   TracingConfig   `envconfig:"OTEL"`

	PolicyFile string       `split_words:"true"`
	Policy     PolicyConfig `ignored:"true"`
}

// Nested fields are keyed by split_words rather than envconfig tags, so an
// unset DB_USER never falls back to the shell's USER.

type ServerConfig struct {
	Port            string        `default:"8085"`
	ReadTimeout     time.Duration `split_words:"true" default:"15s"`
	WriteTimeout    time.Duration `split_words:"true" default:"15s"`
	IdleTimeout     time.Duration `split_words:"true" default:"60s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS"`
}

// Addr returns the listen address, accepting "8085" or ":8085".
func (s ServerConfig) Addr() string {
	if strings.HasPrefix(s.Port, ":") {
		return s.Port
	}
	return ":" + s.Port
}

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type DatabaseConfig struct {
	Driver       string        `default:"memory"`
	Host         string        `default:"localhost"`
	Port         string        `default:"3306"`
	User         string        `default:"root"`
	Password     string
	Name         string        `default:"reservations"`
	MaxOpenConns int           `split_words:"true" default:"25"`
	MaxIdleConns int           `split_words:"true" default:"5"`
	MaxLifetime  time.Duration `split_words:"true" default:"5m"`

	// SeedFile optionally loads resources and add-ons into the memory catalog.
	SeedFile string `split_words:"true"`
}

// DSN builds a go-sql-driver/mysql connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int `split_words:"true" default:"25"`
}

type KafkaConfig struct {
	Enabled      bool     `default:"false"`
	Brokers      []string `default:"localhost:9092"`
	GroupID      string   `split_words:"true" default:"table-reservations"`
	PaymentTopic string   `split_words:"true" default:"payment-success"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `default:"0"`
}

type StripeConfig struct {
	SecretKey     string `split_words:"true"`
	WebhookSecret string `split_words:"true"`
}

type AuthConfig struct {
	Secret string
	Issuer string
}

type RateLimitConfig struct {
	// Local token bucket, used when no Redis address is configured.
	RPS   float64       `default:"10"`
	Burst int           `default:"20"`
	TTL   time.Duration `default:"10m"`

	// Redis fixed window.
	Limit  int           `default:"600"`
	Window time.Duration `default:"1m"`
}

type SweepConfig struct {
	Interval time.Duration `default:"5m"`
}

type TracingConfig struct {
	ExporterOTLPEndpoint string `split_words:"true"`
	ServiceName          string `split_words:"true" default:"table-reservations"`
	Environment          string `default:"dev"`
}

// PolicyConfig is the booking policy as written in the TOML policy file.
// Zero values fall back to the built-in defaults.
type PolicyConfig struct {
	CancellationBuffer   Duration `toml:"cancellation_buffer"`
	MinDuration          Duration `toml:"min_duration"`
	MaxDuration          Duration `toml:"max_duration"`
	ReferencePrefix      string   `toml:"reference_prefix"`
	MaxReferenceAttempts int      `toml:"max_reference_attempts"`
	Timezone             string   `toml:"timezone"`
}

// Duration reads TOML strings such as "2h" or "90m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads configuration from the environment only.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads an optional .env file, then the environment, then the
// policy file named by POLICY_FILE.
func LoadWithFile(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadPolicyFile(path string) (*PolicyConfig, error) {
	var p PolicyConfig
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("failed to load policy file: %w", err)
	}
	return &p, nil
}

// Validate checks that settings required by the selected backends are set.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverMySQL:
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required for the mysql driver")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("DB_NAME is required for the mysql driver")
		}
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be one of memory, mysql, postgres (got %q)", c.Database.Driver)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.Sweep.Interval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	if c.Policy.Timezone != "" {
		if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
			return fmt.Errorf("policy timezone %q: %w", c.Policy.Timezone, err)
		}
	}
	return nil
}

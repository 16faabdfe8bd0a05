package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"offlinequeue/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory      = "memory"
	BackendRedis       = "redis"
	BackendSQLite      = "sqlite"
	BackendDynamoDB    = "dynamodb"
	BackendRedisSQLite = "redis+sqlite"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Store        StoreConfig        `yaml:"store"`
	Queue        QueueConfig        `yaml:"queue"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Backend      BackendConfig      `yaml:"backend"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Scope    string         `yaml:"scope"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Redis    RedisConfig    `yaml:"redis"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type DynamoDBConfig struct {
	Region          string `yaml:"region"`
	Table           string `yaml:"table"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type QueueConfig struct {
	MaxRetry       int              `yaml:"max_retry"`
	HandlerTimeout time.Duration    `yaml:"handler_timeout"`
	DrainRate      float64          `yaml:"drain_rate"`
	StorageKey     string           `yaml:"storage_key"`
	DeadLetter     DeadLetterConfig `yaml:"dead_letter"`
}

type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Limit   int    `yaml:"limit"`
}

type ConnectivityConfig struct {
	ProbeURL     string        `yaml:"probe_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Load reads the YAML file at configPath, expanding environment variables
// (optionally seeded from a .env file in the working directory).
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required")
		}
	case BackendRedis:
		if c.Store.Redis.Address == "" {
			return errors.New("store.redis.address is required")
		}
	case BackendRedisSQLite:
		if c.Store.Redis.Address == "" || c.Store.SQLite.Path == "" {
			return errors.New("store.redis.address and store.sqlite.path are required")
		}
	case BackendDynamoDB:
		if c.Store.DynamoDB.Region == "" || c.Store.DynamoDB.Table == "" {
			return errors.New("store.dynamodb.region and store.dynamodb.table are required")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Queue.MaxRetry < 1 {
		return fmt.Errorf("queue.max_retry must be positive, got %d", c.Queue.MaxRetry)
	}
	if c.Queue.HandlerTimeout < 0 {
		return errors.New("queue.handler_timeout must not be negative")
	}
	if c.Queue.DrainRate < 0 {
		return errors.New("queue.drain_rate must not be negative")
	}

	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend.base_url must be an http(s) url, got %q", c.Backend.BaseURL)
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "offlinequeue"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Store.SQLite.Path == "" && (c.Store.Backend == BackendSQLite || c.Store.Backend == BackendRedisSQLite) {
		c.Store.SQLite.Path = "data/offlinequeue.db"
	}
	if c.Store.Redis.PoolSize == 0 {
		c.Store.Redis.PoolSize = 4
	}

	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = models.DefaultMaxRetry
	}
	if c.Queue.StorageKey == "" {
		c.Queue.StorageKey = models.DefaultStorageKey
	}
	if c.Queue.DeadLetter.Key == "" {
		c.Queue.DeadLetter.Key = models.DefaultDeadLetterKey
	}
	if c.Queue.DeadLetter.Limit == 0 {
		c.Queue.DeadLetter.Limit = models.DefaultDeadLetterLimit
	}

	if c.Connectivity.PollInterval == 0 {
		c.Connectivity.PollInterval = models.DefaultPollInterval
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = models.DefaultProbeTimeout
	}

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = models.DefaultBackendTimeout
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/guard"
	"github.com/yourusername/quotafence/retry"
	"github.com/yourusername/quotafence/store"
)

// Config holds the quotafence configuration.
// It supports global bucket defaults and per-key overrides.
type Config struct {
	// Defaults apply to every key without an entry in Buckets
	Defaults RateConfig `yaml:"defaults"`

	// Buckets maps upstream keys to their starting rates
	// Example: "gmail-api" -> {limit: 4, burst: 8}
	Buckets map[string]RateConfig `yaml:"buckets,omitempty"`

	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Retry   RetryConfig   `yaml:"retry"`
	Batch   BatchConfig   `yaml:"batch"`
	Guard   GuardConfig   `yaml:"guard"`
	Logging LoggingConfig `yaml:"logging"`

	// Upstreams maps keys to provider base URLs served under /proxy/{key}/
	Upstreams map[string]string `yaml:"upstreams,omitempty"`
}

// RateConfig is a bucket's rate. Limit is tokens per second; LimitPerMinute,
// when set, takes precedence and is converted.
type RateConfig struct {
	Limit          float64 `yaml:"limit,omitempty"`
	LimitPerMinute float64 `yaml:"limit_per_minute,omitempty"`
	Burst          int64   `yaml:"burst"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// KeyExtractor picks the bucket for proxied requests, e.g. "param:key"
	KeyExtractor string `yaml:"key_extractor,omitempty"`
}

// StoreConfig selects where bucket states are persisted.
type StoreConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig mirrors store.RedisConfig with YAML tags.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix,omitempty"`
}

// RetryConfig configures the RetryingCaller used for upstream calls.
type RetryConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
}

// BatchConfig configures chunked fan-out.
type BatchConfig struct {
	Size  int           `yaml:"size"`
	Delay time.Duration `yaml:"delay"`
}

// GuardConfig selects what a denied admission does.
type GuardConfig struct {
	Policy      string        `yaml:"policy"` // "fail_fast" or "wait"
	MaxWait     time.Duration `yaml:"max_wait"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	rc := retry.DefaultConfig()
	return &Config{
		Defaults: RateConfig{
			Limit: 10, // 600 calls/min
			Burst: 100,
		},
		Buckets: make(map[string]RateConfig),
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			KeyExtractor:    "param:key",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				TTL:    24 * time.Hour,
				Prefix: "quotafence:",
			},
		},
		Retry: RetryConfig{
			Timeout:      rc.Timeout,
			MaxRetries:   rc.MaxRetries,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Jitter:       rc.Jitter,
		},
		Batch: BatchConfig{
			Size:  10,
			Delay: 100 * time.Millisecond,
		},
		Guard: GuardConfig{
			Policy:      "fail_fast",
			MaxWait:     5 * time.Second,
			MaxAttempts: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Upstreams: make(map[string]string),
	}
}

// LoadConfigFromFile loads configuration from a YAML file. Fields missing
// from the file keep their NewConfig defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	config, err := readFile(path)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Load reads path when it is set, otherwise starts from NewConfig, then applies
// environment overrides and validates the result.
func Load(path string, getenv func(string) string) (*Config, error) {
	config := NewConfig()
	if path != "" {
		var err error
		if config, err = readFile(path); err != nil {
			return nil, err
		}
	}

	config.ApplyEnv(getenv)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	if config.Buckets == nil {
		config.Buckets = make(map[string]RateConfig)
	}
	if config.Upstreams == nil {
		config.Upstreams = make(map[string]string)
	}
	return config, nil
}

// ApplyEnv overrides the listen port and Redis settings from the
// environment. Setting REDIS_ADDR switches the store to Redis.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if port := getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if addr := getenv("REDIS_ADDR"); addr != "" {
		c.Store.Backend = "redis"
		c.Store.Redis.Addr = addr
	}
	if password := getenv("REDIS_PASSWORD"); password != "" {
		c.Store.Redis.Password = password
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: invalid defaults: %v", ErrInvalidConfig, err)
	}

	for key, rate := range c.Buckets {
		if err := core.ValidateKey(key); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := rate.Validate(); err != nil {
			return fmt.Errorf("%w: invalid rate for bucket %s: %v", ErrInvalidConfig, key, err)
		}
	}

	switch c.Store.Backend {
	case "", "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: redis store requires an address", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if err := c.RetryConfig().Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	if c.Batch.Size < 1 || c.Batch.Delay < 0 {
		return fmt.Errorf("%w: batch size must be at least 1 and delay non-negative", ErrInvalidConfig)
	}
	if _, err := c.GuardConfig(); err != nil {
		return fmt.Errorf("%w: guard: %v", ErrInvalidConfig, err)
	}

	for key, url := range c.Upstreams {
		if url == "" {
			return fmt.Errorf("%w: upstream %s has no url", ErrInvalidConfig, key)
		}
	}

	return nil
}

// Validate checks if a RateConfig is valid.
func (r RateConfig) Validate() error {
	rate := r.Rate()
	if !(rate.Limit > 0) || math.IsInf(rate.Limit, 0) {
		return ErrNonPositiveLimit
	}
	if rate.Burst < 1 {
		return ErrNonPositiveBurst
	}
	return nil
}

// Rate converts a RateConfig to the internal tokens-per-second form.
func (r RateConfig) Rate() core.Rate {
	limit := r.Limit
	if r.LimitPerMinute > 0 {
		limit = core.PerMinuteToPerSecond(r.LimitPerMinute)
	}
	return core.Rate{Limit: limit, Burst: r.Burst}
}

// GetRate returns the starting rate for a key.
// If no bucket entry exists for the key, returns the default rate.
func (c *Config) GetRate(key string) core.Rate {
	if rate, exists := c.Buckets[key]; exists {
		return rate.Rate()
	}
	return c.Defaults.Rate()
}

// SetRate sets the starting rate for a specific key.
func (c *Config) SetRate(key string, rate RateConfig) error {
	if err := rate.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Buckets == nil {
		c.Buckets = make(map[string]RateConfig)
	}
	c.Buckets[key] = rate
	return nil
}

// Rates returns every per-key override in internal units.
func (c *Config) Rates() map[string]core.Rate {
	rates := make(map[string]core.Rate, len(c.Buckets))
	for key, rate := range c.Buckets {
		rates[key] = rate.Rate()
	}
	return rates
}

// RetryConfig converts the retry section.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		Timeout:      c.Retry.Timeout,
		MaxRetries:   c.Retry.MaxRetries,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Jitter:       c.Retry.Jitter,
	}
}

// GuardConfig converts the guard section.
func (c *Config) GuardConfig() (guard.Config, error) {
	policy, err := guard.ParsePolicy(c.Guard.Policy)
	if err != nil {
		return guard.Config{}, err
	}
	return guard.Config{
		Policy:      policy,
		MaxWait:     c.Guard.MaxWait,
		MaxAttempts: c.Guard.MaxAttempts,
	}, nil
}

// RedisConfig converts the redis section.
func (c *Config) RedisConfig() store.RedisConfig {
	return store.RedisConfig{
		Addr:     c.Store.Redis.Addr,
		Password: c.Store.Redis.Password,
		DB:       c.Store.Redis.DB,
		TTL:      c.Store.Redis.TTL,
		Prefix:   c.Store.Redis.Prefix,
	}
}

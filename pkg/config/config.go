package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ProxyConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Origin    OriginConfig    `yaml:"origin"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	AdminListen     string `yaml:"admin_listen"`
	AdminToken      string `yaml:"admin_token"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_s"`
}

type OriginConfig struct {
	URL             string  `yaml:"url"`
	Secret          string  `yaml:"secret"`
	RequestTimeout  int     `yaml:"request_timeout_s"`
	HealthPath      string  `yaml:"health_path"`
	MaxRPS          float64 `yaml:"max_rps"`
	Burst           int     `yaml:"burst"`
	RetryInitialMs  int     `yaml:"retry_initial_ms"`
	RetryMaxMs      int     `yaml:"retry_max_ms"`
	RetryMaxRetries int     `yaml:"retry_max_attempts"`
}

type CORSConfig struct {
	AllowedOrigin string `yaml:"allowed_origin"`
}

// FailMode decides what the edge does when the counter store errors.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

type RateLimitConfig struct {
	Backend        string   `yaml:"backend"`
	SQLitePath     string   `yaml:"sqlite_path"`
	FailMode       FailMode `yaml:"fail_mode"`
	ClientIPHeader string   `yaml:"client_ip_header"`
	TimeoutMs      int      `yaml:"timeout_ms"`
	IdleTTL        int      `yaml:"idle_ttl_s"`
	SweepInterval  int      `yaml:"sweep_interval_s"`
	Shards         int      `yaml:"shards"`
	RulesFile      string   `yaml:"rules_file"`
}

type CacheConfig struct {
	Backend         string `yaml:"backend"`
	TTL             int    `yaml:"ttl_s"`
	LookupTimeoutMs int    `yaml:"lookup_timeout_ms"`
	WriteTimeoutMs  int    `yaml:"write_timeout_ms"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *ProxyConfig {
	return &ProxyConfig{
		Server: ServerConfig{
			Listen:          ":8080",
			AdminListen:     "127.0.0.1:9090",
			ShutdownTimeout: 15,
		},
		Origin: OriginConfig{
			RequestTimeout:  30,
			HealthPath:      "/health",
			RetryInitialMs:  100,
			RetryMaxMs:      1000,
			RetryMaxRetries: 2,
		},
		RateLimit: RateLimitConfig{
			Backend:        "memory",
			SQLitePath:     "/var/lib/tollgate/buckets.db",
			FailMode:       FailOpen,
			ClientIPHeader: "CF-Connecting-IP",
			TimeoutMs:      250,
			IdleTTL:        7200,
			SweepInterval:  300,
			Shards:         256,
		},
		Cache: CacheConfig{
			Backend:         "memory",
			TTL:             3600,
			LookupTimeoutMs: 100,
			WriteTimeoutMs:  2000,
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "tollgate:",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file, then a sibling .env file, then env vars.
func Load(path string) (*ProxyConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	// godotenv never overrides variables already set in the process
	if envFile := defaultEnvPath(path); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *ProxyConfig) {
	if v := os.Getenv("TOLLGATE_ORIGIN_URL"); v != "" {
		cfg.Origin.URL = v
	}
	if v := os.Getenv("TOLLGATE_PROXY_SECRET"); v != "" {
		cfg.Origin.Secret = v
	}
	if v := os.Getenv("TOLLGATE_ALLOWED_ORIGIN"); v != "" {
		cfg.CORS.AllowedOrigin = v
	}
	if v := os.Getenv("TOLLGATE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("TOLLGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TOLLGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func defaultEnvPath(configPath string) string {
	dir := "."
	if configPath != "" {
		dir = filepath.Dir(configPath)
	}
	return filepath.Join(dir, ".env")
}

func (c *ProxyConfig) Validate() error {
	if c.Origin.URL == "" {
		return ErrMissingOriginURL
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{"origin URL must be an absolute http(s) URL"}
	}
	if c.CORS.AllowedOrigin == "" {
		return ErrMissingAllowedOrigin
	}
	if c.Server.Listen == "" {
		return &Error{"server listen address is required"}
	}

	switch c.RateLimit.Backend {
	case "memory", "redis":
	case "sqlite":
		if c.RateLimit.SQLitePath == "" {
			return &Error{"rate_limit.sqlite_path is required for the sqlite backend"}
		}
	default:
		return &Error{fmt.Sprintf("unknown rate_limit.backend %q", c.RateLimit.Backend)}
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		return &Error{fmt.Sprintf("unknown cache.backend %q", c.Cache.Backend)}
	}
	c.RateLimit.FailMode = FailMode(strings.ToLower(string(c.RateLimit.FailMode)))
	switch c.RateLimit.FailMode {
	case FailOpen, FailClosed:
	case "":
		c.RateLimit.FailMode = FailOpen
	default:
		return &Error{fmt.Sprintf("rate_limit.fail_mode must be open or closed, got %q", c.RateLimit.FailMode)}
	}

	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15
	}
	if c.Origin.RequestTimeout <= 0 {
		c.Origin.RequestTimeout = 30
	}
	if c.Origin.HealthPath == "" {
		c.Origin.HealthPath = "/health"
	}
	if !strings.HasPrefix(c.Origin.HealthPath, "/") {
		c.Origin.HealthPath = "/" + c.Origin.HealthPath
	}
	if c.Origin.MaxRPS < 0 {
		return &Error{"origin.max_rps must not be negative"}
	}
	if c.Origin.RetryInitialMs <= 0 {
		c.Origin.RetryInitialMs = 100
	}
	if c.Origin.RetryMaxMs <= 0 {
		c.Origin.RetryMaxMs = 1000
	}
	if c.Origin.RetryMaxRetries < 0 {
		c.Origin.RetryMaxRetries = 2
	}
	if c.Origin.RetryMaxMs < c.Origin.RetryInitialMs {
		c.Origin.RetryMaxMs = c.Origin.RetryInitialMs
	}
	if c.RateLimit.ClientIPHeader == "" {
		c.RateLimit.ClientIPHeader = "CF-Connecting-IP"
	}
	if c.RateLimit.TimeoutMs <= 0 {
		c.RateLimit.TimeoutMs = 250
	}
	if c.RateLimit.IdleTTL <= 0 {
		c.RateLimit.IdleTTL = 7200
	}
	if c.RateLimit.SweepInterval <= 0 {
		c.RateLimit.SweepInterval = 300
	}
	if c.RateLimit.Shards <= 0 {
		c.RateLimit.Shards = 256
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 3600
	}
	if c.Cache.LookupTimeoutMs <= 0 {
		c.Cache.LookupTimeoutMs = 100
	}
	if c.Cache.WriteTimeoutMs <= 0 {
		c.Cache.WriteTimeoutMs = 2000
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// CheckIdleTTL rejects an idle TTL that would expire a bucket inside its own window.
func (c *ProxyConfig) CheckIdleTTL(maxWindow time.Duration) error {
	if c.IdleTTL() <= maxWindow {
		return &Error{fmt.Sprintf("rate_limit.idle_ttl_s (%ds) must exceed the largest rule window (%s)", c.RateLimit.IdleTTL, maxWindow)}
	}
	return nil
}

// UsesRedis reports whether any component needs the redis connection.
func (c *ProxyConfig) UsesRedis() bool {
	return c.RateLimit.Backend == "redis" || c.Cache.Backend == "redis"
}

func (c *ProxyConfig) IdleTTL() time.Duration {
	return time.Duration(c.RateLimit.IdleTTL) * time.Second
}

func (c *ProxyConfig) SweepInterval() time.Duration {
	return time.Duration(c.RateLimit.SweepInterval) * time.Second
}

func (c *ProxyConfig) RateLimitTimeout() time.Duration {
	return time.Duration(c.RateLimit.TimeoutMs) * time.Millisecond
}

func (c *ProxyConfig) OriginTimeout() time.Duration {
	return time.Duration(c.Origin.RequestTimeout) * time.Second
}

func (c *ProxyConfig) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTL) * time.Second
}

func (c *ProxyConfig) CacheLookupTimeout() time.Duration {
	return time.Duration(c.Cache.LookupTimeoutMs) * time.Millisecond
}

func (c *ProxyConfig) CacheWriteTimeout() time.Duration {
	return time.Duration(c.Cache.WriteTimeoutMs) * time.Millisecond
}

func (c *ProxyConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

var (
	ErrMissingOriginURL     = &Error{"origin URL is required"}
	ErrMissingAllowedOrigin = &Error{"cors.allowed_origin is required"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

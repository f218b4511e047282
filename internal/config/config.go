package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	ACL      ACLConfig      `yaml:"acl"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Enabled         bool          `yaml:"enabled"`
	StorageRoot     string        `yaml:"storage_root"`
	Engine          string        `yaml:"engine"` // "auto" (default), "inproc", or "subprocess"
	WorkerPath      string        `yaml:"worker_path"`
	MaxConcurrent   int64         `yaml:"max_concurrent"`
	QueueTimeout    time.Duration `yaml:"queue_timeout"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	DefaultMemoryMB int64         `yaml:"default_memory_mb"`
	MaxMemoryMB     int64         `yaml:"max_memory_mb"`
	MaxFileBytes    int64         `yaml:"max_file_bytes"`
	MaxSourceChars  int           `yaml:"max_source_chars"`
	StepsPerSecond  uint64        `yaml:"steps_per_second"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig controls the TTL-bounded role cache. Addr empty disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	RoleTTL  time.Duration `yaml:"role_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	Keys           []APIKey `yaml:"keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// APIKey binds one bearer key to the user it authenticates as.
type APIKey struct {
	Key  string `yaml:"key"`
	User string `yaml:"user"`
}

// ACLConfig declares roles, user assignments, admin namespaces, and
// shared-function grants.
type ACLConfig struct {
	Roles           map[string]RoleConfig `yaml:"roles"`
	Users           map[string]string     `yaml:"users"`
	AdminNamespaces []string              `yaml:"admin_namespaces"`
	SharedFunctions []SharedFunction      `yaml:"shared_functions"`
}

type RoleConfig struct {
	Permissions  []string      `yaml:"permissions"`
	MaxMemoryMB  int64         `yaml:"max_memory_mb"`
	MaxTimeout   time.Duration `yaml:"max_timeout"`
	MaxFunctions int           `yaml:"max_functions"`
	Suspended    bool          `yaml:"suspended"`
}

// SharedFunction grants named roles cross-user access to one path.
type SharedFunction struct {
	Path  string   `yaml:"path"`
	Roles []string `yaml:"roles"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    45 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			Enabled:         true,
			StorageRoot:     "data/functions",
			Engine:          "auto",
			MaxConcurrent:   50,
			QueueTimeout:    5 * time.Second,
			DefaultTimeout:  5 * time.Second,
			MaxTimeout:      30 * time.Second,
			DefaultMemoryMB: 64,
			MaxMemoryMB:     512,
			MaxFileBytes:    50 * 1024,
			MaxSourceChars:  20000,
			StepsPerSecond:  5_000_000,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			RoleTTL: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		ACL: ACLConfig{
			Roles: map[string]RoleConfig{
				"basic": {
					Permissions:  []string{"execute_custom_functions"},
					MaxMemoryMB:  64,
					MaxTimeout:   5 * time.Second,
					MaxFunctions: 5,
				},
				"premium": {
					Permissions:  []string{"execute_custom_functions", "cross_user_access"},
					MaxMemoryMB:  256,
					MaxTimeout:   15 * time.Second,
					MaxFunctions: 20,
				},
				"admin": {
					Permissions:  []string{"execute_custom_functions", "cross_user_access", "admin_functions"},
					MaxMemoryMB:  512,
					MaxTimeout:   30 * time.Second,
					MaxFunctions: 50,
				},
				"suspended": {
					Suspended: true,
				},
			},
			AdminNamespaces: []string{"admin", "system"},
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.StorageRoot == "" {
		return fmt.Errorf("sandbox.storage_root is required")
	}
	switch c.Sandbox.Engine {
	case "", "auto", "inproc", "subprocess":
	default:
		return fmt.Errorf("sandbox.engine must be auto, inproc, or subprocess, got %q", c.Sandbox.Engine)
	}
	if c.Sandbox.Engine == "subprocess" && c.Sandbox.WorkerPath == "" {
		return fmt.Errorf("sandbox.worker_path is required for the subprocess engine")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxMemoryMB < 16 {
		return fmt.Errorf("sandbox.max_memory_mb must be >= 16")
	}
	if c.Sandbox.MaxFileBytes < 1024 {
		return fmt.Errorf("sandbox.max_file_bytes must be >= 1024")
	}
	for userID, roleName := range c.ACL.Users {
		if _, ok := c.ACL.Roles[roleName]; !ok {
			return fmt.Errorf("acl.users: user %q assigned undefined role %q", userID, roleName)
		}
	}
	for _, sf := range c.ACL.SharedFunctions {
		if sf.Path == "" || !strings.Contains(sf.Path, "/") {
			return fmt.Errorf("acl.shared_functions: path %q must be namespaced as <owner>/<file>", sf.Path)
		}
	}
	if c.Redis.Addr != "" && c.Redis.RoleTTL > time.Minute {
		return fmt.Errorf("redis.role_ttl must be <= 1m so suspensions take effect promptly")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

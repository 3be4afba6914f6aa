// Package config handles SkaldDB configuration from environment variables
// and an optional YAML file.
//
// SkaldDB reads Neo4j-compatible environment variables so that existing
// Neo4j deployment tooling (docker-compose files, Helm charts) works
// unchanged, plus SKALDDB_-prefixed variables for settings Neo4j does not
// have. A YAML config file can supply the same settings; environment
// variables always win over the file, which wins over defaults.
//
// Example Usage:
//
//	cfg, err := config.Load("./skalddb.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Bolt server: %s:%d\n", cfg.Server.BoltAddress, cfg.Server.BoltPort)
//
// Environment Variables:
//
// Neo4j-Compatible:
//   - NEO4J_AUTH="username/password" or "none"
//   - NEO4J_dbms_connector_bolt_listen__address_port=7687
//   - NEO4J_dbms_directories_data="./data"
//   - NEO4J_dbms_default__database="skald"
//
// SkaldDB-Specific:
//   - SKALDDB_IN_MEMORY=true
//   - SKALDDB_MAX_CONNECTIONS=100
//   - SKALDDB_LOG_QUERIES=true
//   - SKALDDB_ALLOW_ANONYMOUS=false
//
// For the complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all SkaldDB configuration.
//
// Configuration is organized into logical sections:
//   - Auth: authentication and account policy
//   - Database: storage and transaction settings
//   - Server: Bolt listener settings
//   - Logging: query and protocol logging
//
// Use Load() or LoadFromEnv() to create a Config.
type Config struct {
	// Authentication (NEO4J_AUTH format: "username/password" or "none")
	Auth AuthConfig `yaml:"auth"`

	// Database settings
	Database DatabaseConfig `yaml:"database"`

	// Server settings
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// Enabled controls whether Bolt clients must authenticate
	Enabled bool `yaml:"enabled"`
	// InitialUsername is the bootstrap admin username
	InitialUsername string `yaml:"initial_username"`
	// InitialPassword is the bootstrap admin password. Never written by
	// String(); keep it out of logs.
	InitialPassword string `yaml:"initial_password"`
	// AllowAnonymous permits HELLO with scheme "none" as a read-only viewer
	AllowAnonymous bool `yaml:"allow_anonymous"`
	// MinPasswordLength for password policy
	MinPasswordLength int `yaml:"min_password_length"`
	// MaxFailedLogins before an account is locked
	MaxFailedLogins int `yaml:"max_failed_logins"`
	// LockoutDuration after too many failed logins
	LockoutDuration time.Duration `yaml:"lockout_duration"`
}

// DatabaseConfig holds storage and transaction settings.
type DatabaseConfig struct {
	// DataDir is the directory for on-disk storage
	DataDir string `yaml:"data_dir"`
	// InMemory skips disk persistence entirely (tests, ephemeral use)
	InMemory bool `yaml:"in_memory"`
	// DefaultDatabase is the database name used when HELLO/BEGIN omit one
	DefaultDatabase string `yaml:"default_database"`
	// ReadOnly rejects write queries
	ReadOnly bool `yaml:"read_only"`
	// TransactionTimeout bounds explicit transactions that set no timeout
	// of their own (0 = unbounded)
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
}

// ServerConfig holds Bolt listener settings.
type ServerConfig struct {
	// BoltPort for Bolt connections (default 7687)
	BoltPort int `yaml:"bolt_port"`
	// BoltAddress to bind to
	BoltAddress string `yaml:"bolt_address"`
	// AdvertisedAddress returned to clients in ROUTE responses. Empty
	// means derive from BoltAddress and BoltPort.
	AdvertisedAddress string `yaml:"advertised_address"`
	// MaxConnections caps concurrent Bolt sessions
	MaxConnections int `yaml:"max_connections"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// QueryLogEnabled logs every RUN statement
	QueryLogEnabled bool `yaml:"query_log_enabled"`
	// SlowQueryThreshold for flagging slow statements (0 = disabled)
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// DefaultConfig returns the built-in defaults: Bolt on 0.0.0.0:7687,
// on-disk storage in ./data, database "skald", auth disabled.
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			Enabled:           false,
			InitialUsername:   "neo4j",
			MinPasswordLength: 8,
			MaxFailedLogins:   5,
			LockoutDuration:   15 * time.Minute,
		},
		Database: DatabaseConfig{
			DataDir:            "./data",
			DefaultDatabase:    "skald",
			TransactionTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			BoltPort:       7687,
			BoltAddress:    "0.0.0.0",
			MaxConnections: 100,
		},
		Logging: LoggingConfig{
			SlowQueryThreshold: time.Second,
		},
	}
}

// LoadFromEnv loads configuration from environment variables over the
// defaults.
//
// All values have sensible defaults, so LoadFromEnv() can be called
// without any environment variables set.
//
// Example:
//
//	os.Setenv("NEO4J_AUTH", "admin/SecurePassword123")
//	os.Setenv("NEO4J_dbms_connector_bolt_listen__address_port", "7688")
//	cfg := config.LoadFromEnv()
//
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML config file, then overlays environment variables.
//
// A missing file is not an error: Load falls back to defaults plus
// environment, matching the zero-setup development experience. Any other
// read or parse failure is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	// NEO4J_AUTH is "username/password" or "none"
	if authStr := os.Getenv("NEO4J_AUTH"); authStr != "" {
		if strings.EqualFold(authStr, "none") {
			c.Auth.Enabled = false
		} else if username, password, ok := strings.Cut(authStr, "/"); ok {
			c.Auth.Enabled = true
			c.Auth.InitialUsername = username
			c.Auth.InitialPassword = password
		}
	}
	c.Auth.AllowAnonymous = getEnvBool("SKALDDB_ALLOW_ANONYMOUS", c.Auth.AllowAnonymous)
	c.Auth.MinPasswordLength = getEnvInt("NEO4J_dbms_security_auth_minimum__password__length", c.Auth.MinPasswordLength)
	c.Auth.MaxFailedLogins = getEnvInt("SKALDDB_MAX_FAILED_LOGINS", c.Auth.MaxFailedLogins)
	c.Auth.LockoutDuration = getEnvDuration("SKALDDB_LOCKOUT_DURATION", c.Auth.LockoutDuration)

	c.Database.DataDir = getEnv("NEO4J_dbms_directories_data", c.Database.DataDir)
	c.Database.InMemory = getEnvBool("SKALDDB_IN_MEMORY", c.Database.InMemory)
	c.Database.DefaultDatabase = getEnv("NEO4J_dbms_default__database", c.Database.DefaultDatabase)
	c.Database.ReadOnly = getEnvBool("NEO4J_dbms_read__only", c.Database.ReadOnly)
	c.Database.TransactionTimeout = getEnvDuration("NEO4J_dbms_transaction_timeout", c.Database.TransactionTimeout)

	c.Server.BoltPort = getEnvInt("NEO4J_dbms_connector_bolt_listen__address_port", c.Server.BoltPort)
	c.Server.BoltAddress = getEnv("NEO4J_dbms_connector_bolt_listen__address", c.Server.BoltAddress)
	c.Server.AdvertisedAddress = getEnv("NEO4J_dbms_connector_bolt_advertised__address", c.Server.AdvertisedAddress)
	c.Server.MaxConnections = getEnvInt("SKALDDB_MAX_CONNECTIONS", c.Server.MaxConnections)

	c.Logging.QueryLogEnabled = getEnvBool("SKALDDB_LOG_QUERIES", c.Logging.QueryLogEnabled)
	c.Logging.SlowQueryThreshold = getEnvDuration("SKALDDB_SLOW_QUERY_THRESHOLD", c.Logging.SlowQueryThreshold)
}

// Validate checks the configuration for inconsistencies that would make
// startup fail or silently misbehave.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if c.Auth.Enabled {
		if c.Auth.InitialUsername == "" {
			return fmt.Errorf("authentication enabled but no username provided")
		}
		if len(c.Auth.InitialPassword) < c.Auth.MinPasswordLength {
			return fmt.Errorf("password must be at least %d characters", c.Auth.MinPasswordLength)
		}
	}

	if c.Server.BoltPort <= 0 || c.Server.BoltPort > 65535 {
		return fmt.Errorf("invalid bolt port: %d", c.Server.BoltPort)
	}

	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("invalid max connections: %d", c.Server.MaxConnections)
	}

	if c.Database.DefaultDatabase == "" {
		return fmt.Errorf("default database name must not be empty")
	}

	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("data directory required unless running in-memory")
	}

	return nil
}

// String returns a safe string representation of the Config.
//
// Sensitive values like the initial password are NOT included, making
// this safe for logging.
func (c *Config) String() string {
	storage := c.Database.DataDir
	if c.Database.InMemory {
		storage = "in-memory"
	}
	return fmt.Sprintf(
		"Config{Auth: %v, Bolt: %s:%d, DB: %s, Storage: %s}",
		c.Auth.Enabled,
		c.Server.BoltAddress, c.Server.BoltPort,
		c.Database.DefaultDatabase,
		storage,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for LiteLens Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// Busy policies for a connection that is already executing a statement.
const (
	BusyPolicyReject = "reject"
	BusyPolicyQueue  = "queue"
)

// EngineConfig contains settings for the database access layer.
type EngineConfig struct {
	// MaxOpenConnections bounds the number of files open at the same time.
	MaxOpenConnections int `yaml:"max_open_connections"`

	// BusyPolicy is "reject" (fail fast with ConnectionBusy) or "queue"
	// (wait up to BusyWait for the running statement to finish).
	BusyPolicy string `yaml:"busy_policy"`

	// BusyWait is the queue wait in milliseconds.
	BusyWait int `yaml:"busy_wait"`

	// BusyTimeout is SQLite's own lock wait in seconds, for locks held by
	// other processes on the same file.
	BusyTimeout int `yaml:"busy_timeout"`

	DefaultWindow int `yaml:"default_window"`
	MaxWindow     int `yaml:"max_window"`

	// CursorIdleTimeout is in seconds. 0 disables the idle reaper.
	CursorIdleTimeout int `yaml:"cursor_idle_timeout"`

	// CancelCheckInterval is the number of rows produced between
	// cancellation checks while filling a window.
	CancelCheckInterval int `yaml:"cancel_check_interval"`

	// CloseTimeout is how long close waits for an interrupted statement, in seconds.
	CloseTimeout int `yaml:"close_timeout"`

	ForeignKeys bool `yaml:"foreign_keys"`

	// TransactionMode is the BEGIN flavour: deferred, immediate or exclusive.
	TransactionMode string `yaml:"transaction_mode"`

	// TombstoneLimit bounds how many closed cursor handles are remembered
	// for precise errors on late fetches.
	TombstoneLimit int `yaml:"tombstone_limit"`
}

// MQTTConfig contains settings for the optional MQTT event mirror.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	// MaxBodySize is the request body limit in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// AuthEnabled requires a bearer token on every API call. It needs a
	// JWT secret.
	AuthEnabled bool      `yaml:"auth_enabled"`
	JWT         JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// SessionTTL is in minutes.
	SessionTTL int `yaml:"session_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LITELENS_SECTION_KEY
// For example: LITELENS_API_PORT, LITELENS_ENGINE_MAX_WINDOW
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration with environment overrides
// applied. It is used by CLI commands that run without a config file.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxOpenConnections:  8,
			BusyPolicy:          BusyPolicyReject,
			BusyWait:            250,
			BusyTimeout:         5,
			DefaultWindow:       100,
			MaxWindow:           1000,
			CursorIdleTimeout:   600,
			CancelCheckInterval: 256,
			CloseTimeout:        5,
			ForeignKeys:         true,
			TransactionMode:     "deferred",
			TombstoneLimit:      1024,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7413,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			MaxBodySize: 4 << 20,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "litelens-core",
			},
			QoS:         1,
			TopicPrefix: "litelens",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				SessionTTL: 720,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LITELENS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Engine
	if v, ok := envInt("LITELENS_ENGINE_MAX_OPEN_CONNECTIONS"); ok {
		cfg.Engine.MaxOpenConnections = v
	}
	if v := os.Getenv("LITELENS_ENGINE_BUSY_POLICY"); v != "" {
		cfg.Engine.BusyPolicy = v
	}
	if v, ok := envInt("LITELENS_ENGINE_MAX_WINDOW"); ok {
		cfg.Engine.MaxWindow = v
	}

	// API
	if v := os.Getenv("LITELENS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("LITELENS_API_PORT"); ok {
		cfg.API.Port = v
	}

	// MQTT
	if v := os.Getenv("LITELENS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LITELENS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LITELENS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Logging
	if v := os.Getenv("LITELENS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security - the desktop shell passes the session secret at launch
	if v := os.Getenv("LITELENS_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
		cfg.Security.AuthEnabled = true
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Engine validation
	if c.Engine.MaxOpenConnections < 1 {
		errs = append(errs, "engine.max_open_connections must be at least 1")
	}
	switch c.Engine.BusyPolicy {
	case BusyPolicyReject, BusyPolicyQueue:
	default:
		errs = append(errs, "engine.busy_policy must be reject or queue")
	}
	if c.Engine.BusyWait < 0 {
		errs = append(errs, "engine.busy_wait must not be negative")
	}
	if c.Engine.MaxWindow < 1 {
		errs = append(errs, "engine.max_window must be at least 1")
	}
	if c.Engine.DefaultWindow < 1 || c.Engine.DefaultWindow > c.Engine.MaxWindow {
		errs = append(errs, "engine.default_window must be between 1 and engine.max_window")
	}
	if c.Engine.CancelCheckInterval < 1 {
		errs = append(errs, "engine.cancel_check_interval must be at least 1")
	}
	switch strings.ToLower(c.Engine.TransactionMode) {
	case "deferred", "immediate", "exclusive":
	default:
		errs = append(errs, "engine.transaction_mode must be deferred, immediate, or exclusive")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Security validation - a short secret lets anyone on the machine
	// forge a session for the local API.
	const minJWTSecretLength = 32
	if c.Security.AuthEnabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when auth is enabled (set LITELENS_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// BusyWaitDuration returns the busy queue wait as a Duration.
func (e EngineConfig) BusyWaitDuration() time.Duration {
	return time.Duration(e.BusyWait) * time.Millisecond
}

// CursorIdleDuration returns the cursor idle timeout as a Duration.
func (e EngineConfig) CursorIdleDuration() time.Duration {
	return time.Duration(e.CursorIdleTimeout) * time.Second
}

// CloseTimeoutDuration returns the close timeout as a Duration.
func (e EngineConfig) CloseTimeoutDuration() time.Duration {
	return time.Duration(e.CloseTimeout) * time.Second
}

// SessionTTLDuration returns the session token lifetime as a Duration.
func (s SecurityConfig) SessionTTLDuration() time.Duration {
	return time.Duration(s.JWT.SessionTTL) * time.Minute
}

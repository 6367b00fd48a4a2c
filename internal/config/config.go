// Package config provides Viper-based configuration loading for the gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds the browser-facing HTTP/WebSocket listener settings.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// StaticDir, when non-empty, is served at "/".
	StaticDir string `mapstructure:"static_dir"`
	// ReadHeaderTimeout bounds how long a client may take to send request headers.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// WriteTimeout bounds each websocket frame written to a browser client.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AllowedOrigins lists the Origin values accepted on websocket upgrades.
	// Empty accepts any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// BackendConfig holds the remote MUD connection settings.
type BackendConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// WriteTimeout bounds a single send to the backend.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadChunkSize is the maximum number of bytes pulled per read.
	ReadChunkSize int `mapstructure:"read_chunk_size"`
	// Profile is an optional path to a backend profile YAML file.
	Profile string `mapstructure:"profile"`
}

// Addr returns the "host:port" backend address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (b BackendConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// Timeout is how long a session with no attached clients may stay idle.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxSessions is the registry capacity ceiling.
	MaxSessions int `mapstructure:"max_sessions"`
	// CleanupInterval is the inactivity sweep cadence.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// RemovalDelay is the grace window between a manual disconnect and removal.
	RemovalDelay time.Duration `mapstructure:"removal_delay"`
	// QuitGrace is how long to wait after sending the quit command.
	QuitGrace time.Duration `mapstructure:"quit_grace"`
	// LoginPacing is the pause between the sends of the login sequence.
	LoginPacing time.Duration `mapstructure:"login_pacing"`
	// CommandMaxLength truncates longer command values (in characters).
	CommandMaxLength int `mapstructure:"command_max_length"`
	// InitTimeout bounds how long a new client may take to send its init message.
	InitTimeout time.Duration `mapstructure:"init_timeout"`
	// ClientBuffer is the per-client outbound queue length.
	ClientBuffer int `mapstructure:"client_buffer"`
}

// RateLimitConfig holds the per-connection sliding window settings.
type RateLimitConfig struct {
	MaxMessages int           `mapstructure:"max_messages"`
	Window      time.Duration `mapstructure:"window"`
}

// HistoryConfig holds the per-session scrollback caps.
type HistoryConfig struct {
	MaxBytes int `mapstructure:"max_bytes"`
	MaxLines int `mapstructure:"max_lines"`
}

// PartialConfig holds the unterminated-remainder cap.
type PartialConfig struct {
	MaxBytes int `mapstructure:"max_bytes"`
}

// DebugConfig gates the introspection endpoints.
type DebugConfig struct {
	// Secret must be presented in the X-Debug-Secret header when non-empty.
	Secret string `mapstructure:"secret"`
}

// StorageConfig selects the session metadata store.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `mapstructure:"driver"`
	// Migrations, when non-empty, is a golang-migrate source URL applied at
	// startup for the postgres driver (e.g. "file://migrations").
	Migrations string `mapstructure:"migrations"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// GRPCConfig holds the gRPC health service settings.
type GRPCConfig struct {
	// HealthPort enables the health service when greater than zero.
	HealthPort int `mapstructure:"health_port"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	History   HistoryConfig   `mapstructure:"history"`
	Partial   PartialConfig   `mapstructure:"partial"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateHTTP(c.HTTP),
		validateBackend(c.Backend),
		validateSession(c.Session),
		validateRateLimit(c.RateLimit),
		validateBuffers(c.History, c.Partial),
		validateStorage(c.Storage, c.Database),
		validateGRPC(c.GRPC),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validateHTTP(h HTTPConfig) error {
	var errs []string
	// 0 lets the OS pick a port, which tests rely on.
	if h.Port < 0 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 0-65535, got %d", h.Port))
	}
	if h.ReadHeaderTimeout < 0 {
		errs = append(errs, "http.read_header_timeout must not be negative")
	}
	if h.WriteTimeout <= 0 {
		errs = append(errs, "http.write_timeout must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateBackend(b BackendConfig) error {
	var errs []string
	if b.Host == "" {
		errs = append(errs, "backend.host must not be empty")
	}
	if !validPort(b.Port) {
		errs = append(errs, fmt.Sprintf("backend.port must be 1-65535, got %d", b.Port))
	}
	if b.DialTimeout <= 0 {
		errs = append(errs, "backend.dial_timeout must be positive")
	}
	if b.WriteTimeout < 0 {
		errs = append(errs, "backend.write_timeout must not be negative")
	}
	if b.ReadChunkSize < 1 {
		errs = append(errs, fmt.Sprintf("backend.read_chunk_size must be >= 1, got %d", b.ReadChunkSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}
	if s.MaxSessions < 1 {
		errs = append(errs, fmt.Sprintf("session.max_sessions must be >= 1, got %d", s.MaxSessions))
	}
	if s.CleanupInterval < time.Second {
		errs = append(errs, "session.cleanup_interval must be at least 1s")
	}
	if s.RemovalDelay < 0 {
		errs = append(errs, "session.removal_delay must not be negative")
	}
	if s.QuitGrace < 0 {
		errs = append(errs, "session.quit_grace must not be negative")
	}
	if s.LoginPacing < 0 {
		errs = append(errs, "session.login_pacing must not be negative")
	}
	if s.CommandMaxLength < 1 {
		errs = append(errs, fmt.Sprintf("session.command_max_length must be >= 1, got %d", s.CommandMaxLength))
	}
	if s.InitTimeout < 0 {
		errs = append(errs, "session.init_timeout must not be negative")
	}
	if s.ClientBuffer < 1 {
		errs = append(errs, fmt.Sprintf("session.client_buffer must be >= 1, got %d", s.ClientBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRateLimit(r RateLimitConfig) error {
	var errs []string
	if r.MaxMessages < 1 {
		errs = append(errs, fmt.Sprintf("ratelimit.max_messages must be >= 1, got %d", r.MaxMessages))
	}
	if r.Window <= 0 {
		errs = append(errs, "ratelimit.window must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateBuffers(h HistoryConfig, p PartialConfig) error {
	var errs []string
	if h.MaxBytes < 1 {
		errs = append(errs, fmt.Sprintf("history.max_bytes must be >= 1, got %d", h.MaxBytes))
	}
	if h.MaxLines < 1 {
		errs = append(errs, fmt.Sprintf("history.max_lines must be >= 1, got %d", h.MaxLines))
	}
	if p.MaxBytes < 1 {
		errs = append(errs, fmt.Sprintf("partial.max_bytes must be >= 1, got %d", p.MaxBytes))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateStorage(s StorageConfig, d DatabaseConfig) error {
	switch s.Driver {
	case "memory":
		return nil
	case "postgres":
		return validateDatabase(d)
	default:
		return fmt.Errorf("storage.driver must be one of [memory, postgres], got %q", s.Driver)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if !validPort(d.Port) {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateGRPC(g GRPCConfig) error {
	if g.HealthPort < 0 || g.HealthPort > 65535 {
		return fmt.Errorf("grpc.health_port must be 0-65535, got %d", g.HealthPort)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the optional file at path, applies environment
// variable overrides, and validates the result. An empty path skips the file
// so the gateway can run from environment variables alone.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

const windowSecondsKey = "ratelimit_window_seconds"

// NewViper returns a Viper instance with defaults and environment bindings
// applied but no configuration file.
//
// Postcondition: Returns a non-nil Viper instance.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with MUDBRIDGE_ prefix
	v.SetEnvPrefix("MUDBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat names used by earlier deployments.
	_ = v.BindEnv("session.max_sessions", "MUDBRIDGE_SESSION_MAX_SESSIONS", "MAX_SESSIONS")
	_ = v.BindEnv("ratelimit.max_messages", "MUDBRIDGE_RATELIMIT_MAX_MESSAGES", "WS_RATE_LIMIT_MAX_MESSAGES")
	_ = v.BindEnv("debug.secret", "MUDBRIDGE_DEBUG_SECRET", "DEBUG_API_SECRET")
	_ = v.BindEnv(windowSecondsKey, "WS_RATE_LIMIT_WINDOW_SECONDS")

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	// The flat window variable is a bare number of seconds.
	if v.IsSet(windowSecondsKey) {
		secs := v.GetFloat64(windowSecondsKey)
		cfg.RateLimit.Window = time.Duration(secs * float64(time.Second))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.static_dir", "")
	v.SetDefault("http.read_header_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("backend.host", "prometheus-enterprises.com")
	v.SetDefault("backend.port", 2223)
	v.SetDefault("backend.dial_timeout", "10s")
	v.SetDefault("backend.write_timeout", "10s")
	v.SetDefault("backend.read_chunk_size", 4096)
	v.SetDefault("backend.profile", "")

	v.SetDefault("session.timeout", "10m")
	v.SetDefault("session.max_sessions", 50)
	v.SetDefault("session.cleanup_interval", "60s")
	v.SetDefault("session.removal_delay", "30s")
	v.SetDefault("session.quit_grace", "500ms")
	v.SetDefault("session.login_pacing", "100ms")
	v.SetDefault("session.command_max_length", 512)
	v.SetDefault("session.init_timeout", "30s")
	v.SetDefault("session.client_buffer", 256)

	v.SetDefault("ratelimit.max_messages", 15)
	v.SetDefault("ratelimit.window", "1s")

	v.SetDefault("history.max_bytes", 2*1024*1024)
	v.SetDefault("history.max_lines", 4000)
	v.SetDefault("partial.max_bytes", 64*1024)

	v.SetDefault("debug.secret", "")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.migrations", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mudbridge")
	v.SetDefault("database.password", "mudbridge")
	v.SetDefault("database.name", "mudbridge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("grpc.health_port", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Package config holds all configuration types and loading logic for pulse.
//
// The phase table is not configurable. Config only describes how to reach the
// broker, how to log, and whether to expose the status listener.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputName is the logical output every emission is tagged with. Downstream
// consumers route on it, so it is fixed.
const OutputName = "output"

var (
	// ErrNoConnectionString is returned when neither the config file nor
	// PULSE_CONNECTION_STRING provide a connection string.
	ErrNoConnectionString = errors.New("connection string is not set")
	// ErrBadConnectionString is returned for malformed connection strings.
	ErrBadConnectionString = errors.New("malformed connection string")
	// ErrNoCACert is returned when a CA certificate is required but no path
	// was given.
	ErrNoCACert = errors.New("ca certificate path is required but not set")
)

// Config is the root configuration for a pulse process.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Log        LogConfig        `yaml:"log"`
	Status     StatusConfig     `yaml:"status"`
	// DryRun replaces the broker sink with one that only logs.
	DryRun bool `yaml:"dry_run"`
}

// ConnectionConfig describes how to reach the EpochQ broker.
type ConnectionConfig struct {
	// String has the form "Endpoint=https://host:8080;Namespace=pulse;ApiKey=secret".
	String string `yaml:"string"`
	// CACert is a PEM file added to the system trust store for TLS endpoints.
	CACert        string `yaml:"ca_cert"`
	RequireCACert bool   `yaml:"require_ca_cert"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	// MaxBatch is the largest batch the broker accepts in one request.
	// Larger emissions are split into several requests.
	MaxBatch int `yaml:"max_batch"`
}

// LogConfig controls the slog handler built by cmd/pulse.
type LogConfig struct {
	Level string `yaml:"level"`
}

// StatusConfig controls the health / metrics / websocket listener.
type StatusConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	PushIntervalMs int    `yaml:"push_interval_ms"`
}

// Connection is the parsed, ready-to-dial form of ConnectionConfig.
type Connection struct {
	Endpoint  string
	Namespace string
	APIKey    string
	CACert    string
	Timeout   time.Duration
	MaxBatch  int
}

// Default returns a Config populated with defaults. The connection string has
// no default; it must come from the file or the environment.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			TimeoutMs: 30_000,
			MaxBatch:  100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Status: StatusConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           9091,
			PushIntervalMs: 1_000,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// A missing file is not an error; pulse normally runs from the environment
// alone.
//
// Environment overrides applied after the file:
//
//	PULSE_CONNECTION_STRING  connection.string
//	PULSE_CA_CERT            connection.ca_cert
//	PULSE_REQUIRE_CA_CERT    connection.require_ca_cert
//	PULSE_LOG_LEVEL          log.level
//	PULSE_STATUS_PORT        status.port
//	PULSE_DRY_RUN            dry_run
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PULSE_CONNECTION_STRING"); v != "" {
		cfg.Connection.String = v
	}
	if v := os.Getenv("PULSE_CA_CERT"); v != "" {
		cfg.Connection.CACert = v
	}
	if v := os.Getenv("PULSE_REQUIRE_CA_CERT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Connection.RequireCACert = b
		}
	}
	if v := os.Getenv("PULSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PULSE_STATUS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Status.Port = p
		}
	}
	if v := os.Getenv("PULSE_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
}

// Validate checks that the config is complete enough to start sending.
// It returns the first error found.
func (c *Config) Validate() error {
	if !c.DryRun {
		if _, err := c.Dial(); err != nil {
			return err
		}
	}
	if c.Connection.TimeoutMs < 1 {
		return errors.New("connection.timeout_ms must be at least 1")
	}
	if c.Connection.MaxBatch < 1 {
		return errors.New("connection.max_batch must be at least 1")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Status.Enabled {
		if c.Status.Port < 1 || c.Status.Port > 65535 {
			return errors.New("status.port must be between 1 and 65535")
		}
		if c.Status.PushIntervalMs < 1 {
			return errors.New("status.push_interval_ms must be at least 1")
		}
	}
	return nil
}

// Dial parses the connection settings into a Connection and checks the CA
// certificate requirements.
func (c *Config) Dial() (Connection, error) {
	if strings.TrimSpace(c.Connection.String) == "" {
		return Connection{}, ErrNoConnectionString
	}
	conn, err := ParseConnectionString(c.Connection.String)
	if err != nil {
		return Connection{}, err
	}

	if c.Connection.CACert == "" {
		if c.Connection.RequireCACert {
			return Connection{}, ErrNoCACert
		}
	} else {
		if _, err := os.Stat(c.Connection.CACert); err != nil {
			return Connection{}, fmt.Errorf("ca certificate: %w", err)
		}
		conn.CACert = c.Connection.CACert
	}

	conn.Timeout = time.Duration(c.Connection.TimeoutMs) * time.Millisecond
	conn.MaxBatch = c.Connection.MaxBatch
	return conn, nil
}

// ParseConnectionString parses "Key=Value" pairs separated by ';'.
// Keys are case-insensitive. Endpoint is required and must be an http or https
// URL; Namespace defaults to "pulse". SharedAccessKey is accepted as an alias
// for ApiKey.
func ParseConnectionString(s string) (Connection, error) {
	conn := Connection{Namespace: "pulse"}

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return Connection{}, fmt.Errorf("%w: %q has no '='", ErrBadConnectionString, part)
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "endpoint":
			conn.Endpoint = strings.TrimRight(val, "/")
		case "namespace":
			conn.Namespace = val
		case "apikey", "sharedaccesskey":
			conn.APIKey = val
		default:
			return Connection{}, fmt.Errorf("%w: unknown key %q", ErrBadConnectionString, key)
		}
	}

	if conn.Endpoint == "" {
		return Connection{}, fmt.Errorf("%w: Endpoint is missing", ErrBadConnectionString)
	}
	u, err := url.Parse(conn.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Connection{}, fmt.Errorf("%w: Endpoint %q must be an http(s) URL", ErrBadConnectionString, conn.Endpoint)
	}
	if conn.Namespace == "" {
		return Connection{}, fmt.Errorf("%w: Namespace is empty", ErrBadConnectionString)
	}
	return conn, nil
}

// SlogLevel converts the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// PushInterval returns the status websocket push period.
func (s StatusConfig) PushInterval() time.Duration {
	return time.Duration(s.PushIntervalMs) * time.Millisecond
}

// Package config loads the daemon configuration from defaults, an optional
// TOML file and NOTIFYD_* environment variables, in increasing priority.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage error policies.
const (
	PolicySkip = "skip" // log, keep the cursor, retry on the next tick
	PolicyExit = "exit" // shut the daemon down with an error
)

type Config struct {
	DatabaseURL string `toml:"database_url"` // NOTIFYD_DATABASE_URL (required)

	ListenHost     string `toml:"listen_host"`     // NOTIFYD_LISTEN_HOST (default "127.0.0.1")
	ListenPort     int    `toml:"listen_port"`     // NOTIFYD_LISTEN_PORT (default 5664)
	StreamPath     string `toml:"stream_path"`     // NOTIFYD_STREAM_PATH (default "/subscribe")
	SessionCookie  string `toml:"session_cookie"`  // NOTIFYD_SESSION_COOKIE (default "Icingaweb2")
	ProtocolHeader string `toml:"protocol_header"` // NOTIFYD_PROTOCOL_HEADER

	TickInterval         Duration `toml:"tick_interval"`         // NOTIFYD_TICK_INTERVAL (default 3s)
	KeepaliveInterval    Duration `toml:"keepalive_interval"`    // NOTIFYD_KEEPALIVE_INTERVAL (default 30s)
	HousekeepingInterval Duration `toml:"housekeeping_interval"` // NOTIFYD_HOUSEKEEPING_INTERVAL (default 1h)
	SessionMaxAge        Duration `toml:"session_max_age"`       // NOTIFYD_SESSION_MAX_AGE (default 24h)
	RetryInterval        Duration `toml:"retry_interval"`        // NOTIFYD_RETRY_INTERVAL (default 3s)
	PollErrorPolicy      string   `toml:"poll_error_policy"`     // NOTIFYD_POLL_ERROR_POLICY (default "skip")

	MetricsAddr string `toml:"metrics_addr"` // NOTIFYD_METRICS_ADDR (optional, empty = disabled)
	NATSURL     string `toml:"nats_url"`     // NOTIFYD_NATS_URL (optional, empty = no mirror)

	LogLevel  string `toml:"log_level"`  // NOTIFYD_LOG_LEVEL (default "info")
	LogFormat string `toml:"log_format"` // NOTIFYD_LOG_FORMAT (default "auto")
}

// Duration is a time.Duration that decodes from strings such as "30s".
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

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		ListenHost:           "127.0.0.1",
		ListenPort:           5664,
		StreamPath:           "/subscribe",
		SessionCookie:        "Icingaweb2",
		ProtocolHeader:       "X-Icinga-Notifications-Protocol-Version",
		TickInterval:         Duration{3 * time.Second},
		KeepaliveInterval:    Duration{30 * time.Second},
		HousekeepingInterval: Duration{time.Hour},
		SessionMaxAge:        Duration{24 * time.Hour},
		RetryInterval:        Duration{3 * time.Second},
		PollErrorPolicy:      PolicySkip,
		LogLevel:             "info",
		LogFormat:            "auto",
	}
}

// Load builds the configuration. path names a TOML file; when empty,
// NOTIFYD_CONFIG is consulted, and when that is empty too no file is read.
func Load(path string) (*Config, error) {
	c := Defaults()

	if path == "" {
		path = os.Getenv("NOTIFYD_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func applyEnv(c *Config) error {
	setString(&c.DatabaseURL, "NOTIFYD_DATABASE_URL")
	setString(&c.ListenHost, "NOTIFYD_LISTEN_HOST")
	setString(&c.StreamPath, "NOTIFYD_STREAM_PATH")
	setString(&c.SessionCookie, "NOTIFYD_SESSION_COOKIE")
	setString(&c.ProtocolHeader, "NOTIFYD_PROTOCOL_HEADER")
	setString(&c.PollErrorPolicy, "NOTIFYD_POLL_ERROR_POLICY")
	setString(&c.MetricsAddr, "NOTIFYD_METRICS_ADDR")
	setString(&c.NATSURL, "NOTIFYD_NATS_URL")
	setString(&c.LogLevel, "NOTIFYD_LOG_LEVEL")
	setString(&c.LogFormat, "NOTIFYD_LOG_FORMAT")

	if v := os.Getenv("NOTIFYD_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NOTIFYD_LISTEN_PORT: %w", err)
		}
		c.ListenPort = port
	}

	for key, dst := range map[string]*Duration{
		"NOTIFYD_TICK_INTERVAL":         &c.TickInterval,
		"NOTIFYD_KEEPALIVE_INTERVAL":    &c.KeepaliveInterval,
		"NOTIFYD_HOUSEKEEPING_INTERVAL": &c.HousekeepingInterval,
		"NOTIFYD_SESSION_MAX_AGE":       &c.SessionMaxAge,
		"NOTIFYD_RETRY_INTERVAL":        &c.RetryInterval,
	} {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url (NOTIFYD_DATABASE_URL) is required")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.SessionCookie == "" {
		return fmt.Errorf("session_cookie must not be empty")
	}
	for name, d := range map[string]Duration{
		"tick_interval":         c.TickInterval,
		"keepalive_interval":    c.KeepaliveInterval,
		"housekeeping_interval": c.HousekeepingInterval,
		"session_max_age":       c.SessionMaxAge,
		"retry_interval":        c.RetryInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.PollErrorPolicy {
	case PolicySkip, PolicyExit:
	default:
		return fmt.Errorf("poll_error_policy %q must be %q or %q", c.PollErrorPolicy, PolicySkip, PolicyExit)
	}
	return nil
}

// ListenAddr is the host:port the stream endpoint binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// Package config handles configuration loading and validation for tunnelgrid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig holds coordinator-side authentication settings. Users maps
// usernames to passwords for the interactive login exchange; leave it empty
// to disable logins entirely.
type AuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Secret  string            `yaml:"secret"` // HMAC signing secret for issued tokens
	Users   map[string]string `yaml:"users,omitempty"`
}

// HeartbeatConfig holds the liveness timing knobs. The agent and coordinator
// values are deliberately asymmetric: the agent fails fast on a missed reply
// while the coordinator tolerates a couple of missed probes before evicting.
type HeartbeatConfig struct {
	Interval      string `yaml:"interval"`       // agent probe interval (default "5s")
	ReplyTimeout  string `yaml:"reply_timeout"`  // agent reply wait (default "3s")
	CheckInterval string `yaml:"check_interval"` // coordinator sweep cadence (default "10s")
	StaleAfter    string `yaml:"stale_after"`    // coordinator staleness threshold (default "30s")
}

// ReconnectConfig holds the agent's retry policy.
type ReconnectConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Interval    string `yaml:"interval"`     // base retry delay (default "1s")
	Backoff     bool   `yaml:"backoff"`      // exponential backoff toggle
	MaxDelay    string `yaml:"max_delay"`    // backoff cap (default "30s")
	MaxAttempts int    `yaml:"max_attempts"` // 0 = unlimited
}

// CoordinatorConfig holds configuration for the coordinator process.
type CoordinatorConfig struct {
	Listen         string          `yaml:"listen"`
	MaxConnections int             `yaml:"max_connections"`
	MaxPerIP       int             `yaml:"max_per_ip"`
	IdleTimeout    string          `yaml:"idle_timeout"`
	Auth           AuthConfig      `yaml:"auth"`
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`

	idleTimeout time.Duration
	heartbeat   heartbeatDurations
}

// AgentConfig holds configuration for an agent process.
type AgentConfig struct {
	Server          string          `yaml:"server"` // coordinator base URL (http/https)
	Username        string          `yaml:"username"`
	CredentialsFile string          `yaml:"credentials_file"`
	ConnectTimeout  string          `yaml:"connect_timeout"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`

	connectTimeout time.Duration
	reconnect      reconnectDurations
	heartbeat      heartbeatDurations
}

type heartbeatDurations struct {
	interval      time.Duration
	replyTimeout  time.Duration
	checkInterval time.Duration
	staleAfter    time.Duration
}

type reconnectDurations struct {
	interval time.Duration
	maxDelay time.Duration
}

// LoadCoordinatorConfig loads coordinator configuration from a YAML file.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &CoordinatorConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in defaults and parses duration fields.
func (c *CoordinatorConfig) ApplyDefaults() error {
	if c.Listen == "" {
		c.Listen = ":8720"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 100
	}
	if c.MaxPerIP == 0 {
		c.MaxPerIP = 10
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = "5m"
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth is enabled")
	}

	var err error
	if c.idleTimeout, err = parseDuration("idle_timeout", c.IdleTimeout); err != nil {
		return err
	}
	c.heartbeat, err = c.Heartbeat.parse()
	return err
}

// IdleTimeoutDuration returns the parsed idle timeout.
func (c *CoordinatorConfig) IdleTimeoutDuration() time.Duration { return c.idleTimeout }

// HeartbeatCheckInterval returns the coordinator sweep cadence.
func (c *CoordinatorConfig) HeartbeatCheckInterval() time.Duration { return c.heartbeat.checkInterval }

// HeartbeatStaleAfter returns the coordinator staleness threshold.
func (c *CoordinatorConfig) HeartbeatStaleAfter() time.Duration { return c.heartbeat.staleAfter }

// LoadAgentConfig loads agent configuration from a YAML file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &AgentConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in defaults and parses duration fields.
func (c *AgentConfig) ApplyDefaults() error {
	if c.Server == "" {
		return fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(c.Server, "http://") && !strings.HasPrefix(c.Server, "https://") {
		return fmt.Errorf("server URL must start with http:// or https://")
	}
	if c.ConnectTimeout == "" {
		c.ConnectTimeout = "10s"
	}
	if c.CredentialsFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.CredentialsFile = filepath.Join(home, ".tunnelgrid", "credentials.yaml")
		} else {
			c.CredentialsFile = "credentials.yaml"
		}
	}
	if strings.HasPrefix(c.CredentialsFile, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.CredentialsFile = filepath.Join(home, c.CredentialsFile[2:])
		}
	}
	if c.Reconnect.Interval == "" {
		c.Reconnect.Interval = "1s"
	}
	if c.Reconnect.MaxDelay == "" {
		c.Reconnect.MaxDelay = "30s"
	}

	var err error
	if c.connectTimeout, err = parseDuration("connect_timeout", c.ConnectTimeout); err != nil {
		return err
	}
	if c.reconnect.interval, err = parseDuration("reconnect.interval", c.Reconnect.Interval); err != nil {
		return err
	}
	if c.reconnect.maxDelay, err = parseDuration("reconnect.max_delay", c.Reconnect.MaxDelay); err != nil {
		return err
	}
	c.heartbeat, err = c.Heartbeat.parse()
	return err
}

// ConnectTimeoutDuration returns the parsed connect timeout.
func (c *AgentConfig) ConnectTimeoutDuration() time.Duration { return c.connectTimeout }

// ReconnectInterval returns the base retry delay.
func (c *AgentConfig) ReconnectInterval() time.Duration { return c.reconnect.interval }

// ReconnectMaxDelay returns the backoff cap.
func (c *AgentConfig) ReconnectMaxDelay() time.Duration { return c.reconnect.maxDelay }

// HeartbeatInterval returns the agent probe interval.
func (c *AgentConfig) HeartbeatInterval() time.Duration { return c.heartbeat.interval }

// HeartbeatReplyTimeout returns the agent reply wait.
func (c *AgentConfig) HeartbeatReplyTimeout() time.Duration { return c.heartbeat.replyTimeout }

func (h *HeartbeatConfig) parse() (heartbeatDurations, error) {
	if h.Interval == "" {
		h.Interval = "5s"
	}
	if h.ReplyTimeout == "" {
		h.ReplyTimeout = "3s"
	}
	if h.CheckInterval == "" {
		h.CheckInterval = "10s"
	}
	if h.StaleAfter == "" {
		h.StaleAfter = "30s"
	}

	var d heartbeatDurations
	var err error
	if d.interval, err = parseDuration("heartbeat.interval", h.Interval); err != nil {
		return d, err
	}
	if d.replyTimeout, err = parseDuration("heartbeat.reply_timeout", h.ReplyTimeout); err != nil {
		return d, err
	}
	if d.checkInterval, err = parseDuration("heartbeat.check_interval", h.CheckInterval); err != nil {
		return d, err
	}
	d.staleAfter, err = parseDuration("heartbeat.stale_after", h.StaleAfter)
	return d, err
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, value)
	}
	return d, nil
}

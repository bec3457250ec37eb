package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for tuning knobs left unset in config.toml.
const (
	DefaultServerURL            = "http://localhost:5000"
	DefaultAckDeadline          = 500 * time.Millisecond
	DefaultSendWatchdog         = 5 * time.Second
	DefaultPollInterval         = 5 * time.Second
	DefaultSignalPollInterval   = time.Second
	DefaultTypingReset          = 3 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
)

// Config represents the global ~/.pigeon/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ServerURL      string `toml:"server_url"`

	// Delivery tuning. Millisecond values; zero means use the default.
	AckDeadlineMs    int `toml:"ack_deadline_ms"`
	SendWatchdogMs   int `toml:"send_watchdog_ms"`
	PollIntervalMs   int `toml:"poll_interval_ms"`
	SignalPollMs     int `toml:"signal_poll_ms"`
	TypingResetMs    int `toml:"typing_reset_ms"`
	ReconnectDelayMs int `toml:"reconnect_delay_ms"`

	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Server returns the configured server URL or the default.
func (c *Config) Server() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	return DefaultServerURL
}

// AckDeadline returns the realtime acknowledgment deadline.
func (c *Config) AckDeadline() time.Duration {
	return msOrDefault(c.AckDeadlineMs, DefaultAckDeadline)
}

// SendWatchdog returns the last-resort bound on a send reaching a terminal state.
func (c *Config) SendWatchdog() time.Duration {
	return msOrDefault(c.SendWatchdogMs, DefaultSendWatchdog)
}

// PollInterval returns the catch-up fetch interval for the open conversation.
func (c *Config) PollInterval() time.Duration {
	return msOrDefault(c.PollIntervalMs, DefaultPollInterval)
}

// SignalPoll returns the cross-process signal polling interval.
func (c *Config) SignalPoll() time.Duration {
	return msOrDefault(c.SignalPollMs, DefaultSignalPollInterval)
}

// TypingReset returns how long an inbound typing flag stays set without renewal.
func (c *Config) TypingReset() time.Duration {
	return msOrDefault(c.TypingResetMs, DefaultTypingReset)
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return msOrDefault(c.ReconnectDelayMs, DefaultReconnectDelay)
}

// ReconnectBudget returns the bounded number of automatic reconnect attempts.
func (c *Config) ReconnectBudget() int {
	if c.MaxReconnectAttempts > 0 {
		return c.MaxReconnectAttempts
	}
	return DefaultMaxReconnectAttempts
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

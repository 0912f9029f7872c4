package observer

import (
	"fmt"
	"time"
)

// Config holds configuration for the observer component.
type Config struct {
	// ListenAddr is the websocket listen address.
	ListenAddr string `json:"listen_addr"`

	// QueueSize is the per-connection outbound event buffer. A full
	// buffer drops the oldest events and injects a lag marker so slow
	// consumers know to reconcile against the state store.
	QueueSize int `json:"queue_size"`

	// PingIntervalSeconds is the keepalive ping cadence. Two missed
	// pongs close the connection.
	PingIntervalSeconds int `json:"ping_interval_seconds"`

	// ConfigPath optionally points at the veriflow config file.
	ConfigPath string `json:"config_path,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          ":8091",
		QueueSize:           100,
		PingIntervalSeconds: 30,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	if c.PingIntervalSeconds < 1 {
		return fmt.Errorf("ping_interval_seconds must be at least 1")
	}
	return nil
}

// PingInterval returns the keepalive cadence.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

package review

import (
	"fmt"
	"time"
)

// Config holds configuration for the review coordinator component.
type Config struct {
	// ListenAddr is the operator HTTP listen address.
	ListenAddr string `json:"listen_addr"`

	// LeaseTTLSeconds is how long an operator's claim on a review task
	// holds before another operator may take it.
	LeaseTTLSeconds int `json:"lease_ttl_seconds"`

	// ReminderAfterSeconds is how long a workflow may sit unreviewed
	// before a reminder alert is published.
	ReminderAfterSeconds int `json:"reminder_after_seconds"`

	// CheckIntervalSeconds is the reminder scan cadence.
	CheckIntervalSeconds int `json:"check_interval_seconds"`

	// ConfigPath optionally points at the veriflow config file.
	ConfigPath string `json:"config_path,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           ":8090",
		LeaseTTLSeconds:      1800,
		ReminderAfterSeconds: 86400,
		CheckIntervalSeconds: 600,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.LeaseTTLSeconds < 1 {
		return fmt.Errorf("lease_ttl_seconds must be at least 1")
	}
	if c.ReminderAfterSeconds < 1 {
		return fmt.Errorf("reminder_after_seconds must be at least 1")
	}
	if c.CheckIntervalSeconds < 1 {
		return fmt.Errorf("check_interval_seconds must be at least 1")
	}
	return nil
}

// LeaseTTL returns the claim lease duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// ReminderAfter returns the reminder threshold.
func (c *Config) ReminderAfter() time.Duration {
	return time.Duration(c.ReminderAfterSeconds) * time.Second
}

// CheckInterval returns the reminder scan cadence.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

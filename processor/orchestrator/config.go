package orchestrator

import (
	"fmt"
	"time"
)

// Config holds configuration for the orchestrator component.
type Config struct {
	// Stream is the JetStream stream carrying inbound raw items.
	Stream string `json:"stream"`

	// Consumer is the durable consumer name. All orchestrator instances
	// share it, so the stream load-balances across them.
	Consumer string `json:"consumer"`

	// Workers is the number of concurrent raw item handlers.
	Workers int `json:"workers"`

	// AckWaitSeconds is how long the broker waits for an ack before
	// redelivering. Must exceed the longest expected node execution.
	AckWaitSeconds int `json:"ack_wait_seconds"`

	// ConfigPath optionally points at the veriflow config file. Empty
	// uses the standard lookup (env var, then directory walk).
	ConfigPath string `json:"config_path,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Stream:         "RAW_ITEMS",
		Consumer:       "veriflow-orchestrator",
		Workers:        4,
		AckWaitSeconds: 300,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("stream is required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.AckWaitSeconds < 1 {
		return fmt.Errorf("ack_wait_seconds must be at least 1")
	}
	return nil
}

// AckWait returns the ack wait as a duration.
func (c *Config) AckWait() time.Duration {
	return time.Duration(c.AckWaitSeconds) * time.Second
}

// Package config provides configuration loading and management for Veriflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crisislens/veriflow/workflow"
)

// Config represents the complete Veriflow configuration
type Config struct {
	NATS         NATSConfig         `yaml:"nats"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Review       ReviewConfig       `yaml:"review"`
	Observer     ObserverConfig     `yaml:"observer"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded server
	Embedded bool `yaml:"embedded"`
}

// PipelineConfig configures the verification pipeline and its retry policy
type PipelineConfig struct {
	// ReviewThreshold is the risk score at or above which a workflow
	// parks for human review (0.0-1.0)
	ReviewThreshold float64 `yaml:"review_threshold"`
	// ClaimParallelism bounds concurrent per-claim sub-pipelines
	ClaimParallelism int `yaml:"claim_parallelism"`
	// RetryMaxAttempts is the per-node attempt cap for retryable failures
	RetryMaxAttempts int `yaml:"retry_max_attempts"`
	// DLQAttemptCap is the inbound redelivery count after which an item
	// routes to the dead letter stream
	DLQAttemptCap int `yaml:"dlq_attempt_cap"`
	// NodeTimeouts overrides per-node execution timeouts
	NodeTimeouts map[workflow.Node]time.Duration `yaml:"node_timeouts"`
	// WorkflowDeadline caps total wall-clock time for one workflow,
	// excluding time parked in review
	WorkflowDeadline time.Duration `yaml:"workflow_deadline"`
	// WorkflowTTL is the retention of workflow state and checkpoints
	WorkflowTTL time.Duration `yaml:"workflow_ttl"`
	// OwnerLeaseTTL is the orchestrator ownership lease duration;
	// leases renew at a third of this interval
	OwnerLeaseTTL time.Duration `yaml:"owner_lease_ttl"`
}

// ReviewConfig configures the human review surface
type ReviewConfig struct {
	// ListenAddr is the operator HTTP listen address
	ListenAddr string `yaml:"listen_addr"`
	// LeaseTTL is how long an operator's claim on a review task holds
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// ReminderAfter is how long a workflow may sit in review before a
	// reminder alert is published
	ReminderAfter time.Duration `yaml:"reminder_after"`
}

// ObserverConfig configures the websocket observer plane
type ObserverConfig struct {
	// ListenAddr is the websocket listen address
	ListenAddr string `yaml:"listen_addr"`
	// QueueSize is the per-connection outbound buffer; overflow drops
	// the oldest event and injects a lag marker
	QueueSize int `yaml:"queue_size"`
	// PingInterval is the keepalive ping cadence; two missed pongs
	// close the connection
	PingInterval time.Duration `yaml:"ping_interval"`
}

// CollaboratorConfig selects and configures the pipeline collaborators
type CollaboratorConfig struct {
	// Mode is "local" for the built-in heuristic collaborators or
	// "http" for external services
	Mode string `yaml:"mode"`
	// BaseURL is the external collaborator service root (http mode)
	BaseURL string `yaml:"base_url"`
	// AuthToken is the bearer token for the collaborator service
	AuthToken string `yaml:"auth_token"`
}

// SupervisorConfig configures process lifecycle
type SupervisorConfig struct {
	// ShutdownGrace bounds how long components get to drain on stop
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultNodeTimeouts returns the per-node timeout defaults. Evidence
// retrieval and drafting call slow external services and get the long end.
func DefaultNodeTimeouts() map[workflow.Node]time.Duration {
	return map[workflow.Node]time.Duration{
		workflow.NodeNormalize:        5 * time.Second,
		workflow.NodeEntityExtract:    30 * time.Second,
		workflow.NodeClaimExtract:     30 * time.Second,
		workflow.NodeTopicAssign:      10 * time.Second,
		workflow.NodeEvidenceRetrieve: 60 * time.Second,
		workflow.NodeVeracityAssess:   30 * time.Second,
		workflow.NodeRiskScore:        5 * time.Second,
		workflow.NodeDraftAdvisory:    60 * time.Second,
		workflow.NodeTranslate:        60 * time.Second,
		workflow.NodePublish:          10 * time.Second,
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Pipeline: PipelineConfig{
			ReviewThreshold:  0.7,
			ClaimParallelism: 4,
			RetryMaxAttempts: 3,
			DLQAttemptCap:    5,
			NodeTimeouts:     DefaultNodeTimeouts(),
			WorkflowDeadline: 30 * time.Minute,
			WorkflowTTL:      7 * 24 * time.Hour,
			OwnerLeaseTTL:    30 * time.Second,
		},
		Review: ReviewConfig{
			ListenAddr:    ":8090",
			LeaseTTL:      30 * time.Minute,
			ReminderAfter: 24 * time.Hour,
		},
		Observer: ObserverConfig{
			ListenAddr:   ":8091",
			QueueSize:    100,
			PingInterval: 30 * time.Second,
		},
		Collaborator: CollaboratorConfig{
			Mode: "local",
		},
		Supervisor: SupervisorConfig{
			ShutdownGrace: 30 * time.Second,
		},
	}
}

// NodeTimeout returns the effective timeout for node n, falling back to the
// built-in default when the config has no override.
func (c *Config) NodeTimeout(n workflow.Node) time.Duration {
	if d, ok := c.Pipeline.NodeTimeouts[n]; ok && d > 0 {
		return d
	}
	if d, ok := DefaultNodeTimeouts()[n]; ok {
		return d
	}
	return 30 * time.Second
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Pipeline.ReviewThreshold < 0 || c.Pipeline.ReviewThreshold > 1 {
		return fmt.Errorf("pipeline.review_threshold must be between 0 and 1")
	}
	if c.Pipeline.ClaimParallelism < 1 {
		return fmt.Errorf("pipeline.claim_parallelism must be at least 1")
	}
	if c.Pipeline.RetryMaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry_max_attempts must be at least 1")
	}
	if c.Pipeline.DLQAttemptCap < 1 {
		return fmt.Errorf("pipeline.dlq_attempt_cap must be at least 1")
	}
	if c.Pipeline.WorkflowTTL <= 0 {
		return fmt.Errorf("pipeline.workflow_ttl must be positive")
	}
	if c.Pipeline.OwnerLeaseTTL <= 0 {
		return fmt.Errorf("pipeline.owner_lease_ttl must be positive")
	}
	switch c.Collaborator.Mode {
	case "local":
	case "http":
		if c.Collaborator.BaseURL == "" {
			return fmt.Errorf("collaborator.base_url is required in http mode")
		}
	default:
		return fmt.Errorf("collaborator.mode must be local or http, got %q", c.Collaborator.Mode)
	}
	if c.Observer.QueueSize < 1 {
		return fmt.Errorf("observer.queue_size must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Values of the form
// ${VAR} expand from the environment before parsing, so secrets stay out of
// the file on disk.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

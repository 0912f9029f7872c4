package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crisislens/veriflow/workflow"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pipeline.ReviewThreshold != 0.7 {
		t.Errorf("expected default review threshold 0.7, got %f", cfg.Pipeline.ReviewThreshold)
	}
	if cfg.Pipeline.ClaimParallelism != 4 {
		t.Errorf("expected default claim parallelism 4, got %d", cfg.Pipeline.ClaimParallelism)
	}
	if cfg.Pipeline.RetryMaxAttempts != 3 {
		t.Errorf("expected default retry cap 3, got %d", cfg.Pipeline.RetryMaxAttempts)
	}
	if cfg.Pipeline.WorkflowTTL != 7*24*time.Hour {
		t.Errorf("expected 7 day workflow TTL, got %s", cfg.Pipeline.WorkflowTTL)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Collaborator.Mode != "local" {
		t.Errorf("expected local collaborator mode, got %s", cfg.Collaborator.Mode)
	}
}

func TestNodeTimeout(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.NodeTimeout(workflow.NodeEvidenceRetrieve); got != 60*time.Second {
		t.Errorf("evidence timeout = %s, want 60s", got)
	}
	if got := cfg.NodeTimeout(workflow.NodeNormalize); got != 5*time.Second {
		t.Errorf("normalize timeout = %s, want 5s", got)
	}

	cfg.Pipeline.NodeTimeouts = map[workflow.Node]time.Duration{
		workflow.NodeEvidenceRetrieve: 2 * time.Minute,
	}
	if got := cfg.NodeTimeout(workflow.NodeEvidenceRetrieve); got != 2*time.Minute {
		t.Errorf("override not applied, got %s", got)
	}
	// Unlisted nodes fall back to the built-in default.
	if got := cfg.NodeTimeout(workflow.NodeRiskScore); got != 5*time.Second {
		t.Errorf("risk timeout fallback = %s, want 5s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "threshold too low",
			modify:  func(c *Config) { c.Pipeline.ReviewThreshold = -0.1 },
			wantErr: true,
		},
		{
			name:    "threshold too high",
			modify:  func(c *Config) { c.Pipeline.ReviewThreshold = 1.1 },
			wantErr: true,
		},
		{
			name:    "zero claim parallelism",
			modify:  func(c *Config) { c.Pipeline.ClaimParallelism = 0 },
			wantErr: true,
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Pipeline.RetryMaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "http mode without base url",
			modify:  func(c *Config) { c.Collaborator.Mode = "http" },
			wantErr: true,
		},
		{
			name: "http mode with base url",
			modify: func(c *Config) {
				c.Collaborator.Mode = "http"
				c.Collaborator.BaseURL = "http://collab:9000"
			},
			wantErr: false,
		},
		{
			name:    "unknown collaborator mode",
			modify:  func(c *Config) { c.Collaborator.Mode = "grpc" },
			wantErr: true,
		},
		{
			name:    "zero observer queue",
			modify:  func(c *Config) { c.Observer.QueueSize = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "veriflow.yaml")

	content := `
nats:
  url: "nats://test:4222"
pipeline:
  review_threshold: 0.8
  claim_parallelism: 8
  node_timeouts:
    evidence: 90s
review:
  listen_addr: ":9090"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("nats url = %s", cfg.NATS.URL)
	}
	if cfg.Pipeline.ReviewThreshold != 0.8 {
		t.Errorf("review threshold = %f, want 0.8", cfg.Pipeline.ReviewThreshold)
	}
	if cfg.Pipeline.ClaimParallelism != 8 {
		t.Errorf("claim parallelism = %d, want 8", cfg.Pipeline.ClaimParallelism)
	}
	if got := cfg.NodeTimeout(workflow.NodeEvidenceRetrieve); got != 90*time.Second {
		t.Errorf("evidence timeout = %s, want 90s", got)
	}
	// Unspecified fields keep defaults.
	if cfg.Pipeline.RetryMaxAttempts != 3 {
		t.Errorf("retry cap = %d, want default 3", cfg.Pipeline.RetryMaxAttempts)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("VF_TEST_TOKEN", "s3cret")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "veriflow.yaml")
	content := `
collaborator:
  mode: http
  base_url: "http://collab:9000"
  auth_token: "${VF_TEST_TOKEN}"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Collaborator.AuthToken != "s3cret" {
		t.Errorf("auth token = %q, want expanded env value", cfg.Collaborator.AuthToken)
	}
}

func TestLoaderExplicitPathMissing(t *testing.T) {
	loader := NewLoader(nil)
	if _, err := loader.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}

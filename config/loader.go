package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "veriflow.yaml"
	// EnvConfigPath overrides config discovery when set
	EnvConfigPath = "VERIFLOW_CONFIG"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Explicit path (flag), or VERIFLOW_CONFIG, or veriflow.yaml found in
// current or parent directories
// 3. VERIFLOW_NATS_URL environment override
func (l *Loader) Load(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = l.findProjectConfig()
	}

	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			if explicitPath != "" || !os.IsNotExist(err) {
				return nil, err
			}
			l.logger.Warn("config file unreadable, using defaults",
				slog.String("path", path), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("loaded config", slog.String("path", path))
			config = loaded
		}
	} else {
		l.logger.Debug("no config file found, using defaults")
	}

	if url := os.Getenv("VERIFLOW_NATS_URL"); url != "" {
		config.NATS.URL = url
		config.NATS.Embedded = false
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// findProjectConfig searches for veriflow.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vietddude/txflow/internal/core/domain"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Janitor.Interval == 0 {
		cfg.Janitor.Interval = 10 * time.Minute
	}

	switch domain.IsolationLevel(cfg.Coordinator.DefaultIsolation) {
	case "", domain.IsolationReadCommitted, domain.IsolationRepeatableRead, domain.IsolationSerializable:
	default:
		return nil, fmt.Errorf("unknown isolation level %q", cfg.Coordinator.DefaultIsolation)
	}

	for i, p := range cfg.Participants {
		if p.ID == "" || p.Endpoint == "" {
			return nil, fmt.Errorf("participant %d needs both id and endpoint", i)
		}
	}

	return &cfg, nil
}

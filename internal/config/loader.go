package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"lightkeyd/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// Static backend endpoints registered at startup.
	Endpoints []string `json:"endpoints" yaml:"endpoints" toml:"endpoints"`

	// Container provisioning spec; empty image disables pool growth.
	Container types.ContainerSpec `json:"container" yaml:"container" toml:"container"`

	// Defaults applied to jobs that omit them.
	DefaultModel  string  `json:"default_model" yaml:"default_model" toml:"default_model"`
	DefaultPrompt string  `json:"default_prompt" yaml:"default_prompt" toml:"default_prompt"`
	SystemPrompt  string  `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Temperature   float64 `json:"temperature" yaml:"temperature" toml:"temperature"`

	// Result cache.
	CachePath       string `json:"cache_path" yaml:"cache_path" toml:"cache_path"`
	CacheMaxEntries int    `json:"cache_max_entries" yaml:"cache_max_entries" toml:"cache_max_entries"`
	CacheMaxAgeDays int    `json:"cache_max_age_days" yaml:"cache_max_age_days" toml:"cache_max_age_days"`

	// Dispatch.
	MaxPerInstance    int `json:"max_per_instance" yaml:"max_per_instance" toml:"max_per_instance"`
	MaxRetries        int `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RequestTimeoutSec int `json:"request_timeout_sec" yaml:"request_timeout_sec" toml:"request_timeout_sec"`
	StartupTimeoutSec int `json:"startup_timeout_sec" yaml:"startup_timeout_sec" toml:"startup_timeout_sec"`
	BatchWorkers      int `json:"batch_workers" yaml:"batch_workers" toml:"batch_workers"`

	// Health monitoring.
	ProbeIntervalSec int `json:"probe_interval_sec" yaml:"probe_interval_sec" toml:"probe_interval_sec"`
	ProbeTimeoutSec  int `json:"probe_timeout_sec" yaml:"probe_timeout_sec" toml:"probe_timeout_sec"`
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	EvictGraceSec    int `json:"evict_grace_sec" yaml:"evict_grace_sec" toml:"evict_grace_sec"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

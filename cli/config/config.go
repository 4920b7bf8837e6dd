package config

import (
	"fmt"
	"time"
)

// Config represents a camlink.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	Server        string         `yaml:"server"`
	Identity      string         `yaml:"identity"`
	IdentityMatch string         `yaml:"identity_match"`
	RejectMarkers []string       `yaml:"reject_markers"`
	Transfer      TransferConfig `yaml:"transfer"`
	Storage       StorageConfig  `yaml:"storage"`
	Adapter       AdapterConfig  `yaml:"adapter"`
	Log           LogConfig      `yaml:"log"`
}

// TransferConfig holds chunking and reassembly defaults.
type TransferConfig struct {
	ChunkSize       int      `yaml:"chunk_size"`
	SingleShotLimit int      `yaml:"single_shot_limit"`
	StaleTimeout    Duration `yaml:"stale_timeout"`
	SweepInterval   Duration `yaml:"sweep_interval"`
}

// StorageConfig holds image storage defaults.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds downstream notification defaults.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Stream  string            `yaml:"stream,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Secret  string            `yaml:"secret,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// LogConfig holds logging defaults.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Storage          StorageConfig   `yaml:"storage"`
	Recording        RecordingConfig `yaml:"recording"`
	Buffer           BufferConfig    `yaml:"buffer"`
	Monitor          MonitorConfig   `yaml:"monitor"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
}

// StorageConfig contains on-disk layout settings
type StorageConfig struct {
	Root      string `yaml:"root"`       // segment root directory
	ExportDir string `yaml:"export_dir"` // defaults to <root>/exports
}

// RecordingConfig contains session and segment settings
type RecordingConfig struct {
	SegmentMinutes     int `yaml:"segment_minutes"`      // segment rotation window (default: 30)
	MaxDurationMinutes int `yaml:"max_duration_minutes"` // hard session limit (default: 240)
	FPS                int `yaml:"fps"`                  // expected source rate, used for coverage tolerance
}

// BufferConfig contains in-memory window and overflow settings
type BufferConfig struct {
	CapacityMB          int     `yaml:"capacity_mb"`           // frame store budget (default: 4096)
	MemoryThresholdMB   int     `yaml:"memory_threshold_mb"`   // pressure threshold (default: 2048)
	EvictionFraction    float64 `yaml:"eviction_fraction"`     // oldest fraction offloaded per pass (default: 0.25)
	OverflowDir         string  `yaml:"overflow_dir"`          // defaults to <storage.root>/overflow
	OverflowCapacityMB  int     `yaml:"overflow_capacity_mb"`  // disk budget for spilled frames (default: 8192)
	WriteFailureEscalate int     `yaml:"write_failure_escalate"` // consecutive segment write failures before stop (default: 30)
}

// MonitorConfig contains resource monitor settings
type MonitorConfig struct {
	IntervalSeconds int `yaml:"interval_s"` // sampling period (default: 2)
}

// MQTTConfig contains MQTT broker settings for events and control
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SegmentDuration returns the rotation window as a duration.
func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.Recording.SegmentMinutes) * time.Minute
}

// MaxDuration returns the session hard limit as a duration.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.Recording.MaxDurationMinutes) * time.Minute
}

// MemoryThresholdBytes returns the pressure threshold in bytes.
func (c *Config) MemoryThresholdBytes() int64 {
	return int64(c.Buffer.MemoryThresholdMB) * 1024 * 1024
}

// MonitorInterval returns the resource monitor sampling period.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown timeout.
// Returns default of 5 seconds if not configured.
func (c *Config) ShutdownTimeout() time.Duration {
	timeout := time.Duration(c.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

package config

import (
	"fmt"
	"path/filepath"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults for optional fields.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if cfg.Storage.ExportDir == "" {
		cfg.Storage.ExportDir = filepath.Join(cfg.Storage.Root, "exports")
	}

	// Recording defaults
	if cfg.Recording.SegmentMinutes < 0 {
		return fmt.Errorf("recording.segment_minutes must be >= 0")
	}
	if cfg.Recording.SegmentMinutes == 0 {
		cfg.Recording.SegmentMinutes = 30
	}
	if cfg.Recording.MaxDurationMinutes < 0 {
		return fmt.Errorf("recording.max_duration_minutes must be >= 0")
	}
	if cfg.Recording.MaxDurationMinutes == 0 {
		cfg.Recording.MaxDurationMinutes = 240 // 4h
	}
	if cfg.Recording.FPS <= 0 {
		cfg.Recording.FPS = 30
	}

	// Buffer defaults
	if cfg.Buffer.CapacityMB == 0 {
		cfg.Buffer.CapacityMB = 4096
	}
	if cfg.Buffer.MemoryThresholdMB == 0 {
		cfg.Buffer.MemoryThresholdMB = 2048 // 2 GiB
	}
	if cfg.Buffer.MemoryThresholdMB > cfg.Buffer.CapacityMB {
		return fmt.Errorf("buffer.memory_threshold_mb (%d) must not exceed buffer.capacity_mb (%d)",
			cfg.Buffer.MemoryThresholdMB, cfg.Buffer.CapacityMB)
	}
	if cfg.Buffer.EvictionFraction < 0 || cfg.Buffer.EvictionFraction >= 1 {
		return fmt.Errorf("buffer.eviction_fraction must be in [0, 1), got %v", cfg.Buffer.EvictionFraction)
	}
	if cfg.Buffer.EvictionFraction == 0 {
		cfg.Buffer.EvictionFraction = 0.25
	}
	if cfg.Buffer.OverflowDir == "" {
		cfg.Buffer.OverflowDir = filepath.Join(cfg.Storage.Root, "overflow")
	}
	if cfg.Buffer.OverflowCapacityMB == 0 {
		cfg.Buffer.OverflowCapacityMB = 8192
	}
	if cfg.Buffer.WriteFailureEscalate == 0 {
		cfg.Buffer.WriteFailureEscalate = 30
	}

	// Monitor defaults
	if cfg.Monitor.IntervalSeconds == 0 {
		cfg.Monitor.IntervalSeconds = 2
	}

	// MQTT is optional: without a broker the recorder runs with local-only
	// events and no control plane.
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("smartbox/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("smartbox/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control":           1,
				"session_started":   1,
				"session_stopped":   1,
				"segment_completed": 1,
				"memory_pressure":   0,
				"export_completed":  1,
			}
		}
	}

	return nil
}

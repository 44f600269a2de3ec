package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostern42/smartbox-next-sub001/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, `
instance_id: smartbox-01
storage:
  root: /tmp/recordings
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "smartbox-01", cfg.InstanceID)
	assert.Equal(t, "/tmp/recordings", cfg.Storage.Root)

	// Defaults fill in everything else.
	assert.Equal(t, filepath.Join("/tmp/recordings", "exports"), cfg.Storage.ExportDir)
	assert.Equal(t, 30, cfg.Recording.SegmentMinutes)
	assert.Equal(t, 240, cfg.Recording.MaxDurationMinutes)
	assert.Equal(t, 30, cfg.Recording.FPS)
	assert.Equal(t, 4096, cfg.Buffer.CapacityMB)
	assert.Equal(t, 2048, cfg.Buffer.MemoryThresholdMB)
	assert.Equal(t, 0.25, cfg.Buffer.EvictionFraction)
	assert.Equal(t, filepath.Join("/tmp/recordings", "overflow"), cfg.Buffer.OverflowDir)
	assert.Equal(t, 8192, cfg.Buffer.OverflowCapacityMB)
	assert.Equal(t, 30, cfg.Buffer.WriteFailureEscalate)
	assert.Equal(t, 2, cfg.Monitor.IntervalSeconds)

	// No broker: MQTT stays unset.
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Empty(t, cfg.MQTT.Topics.Control)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
instance_id: ward-3-bed-7
shutdown_timeout_s: 10
storage:
  root: /data/rec
  export_dir: /data/exports
recording:
  segment_minutes: 15
  max_duration_minutes: 120
  fps: 60
buffer:
  capacity_mb: 1024
  memory_threshold_mb: 512
  eviction_fraction: 0.5
  overflow_dir: /data/overflow
  overflow_capacity_mb: 2048
  write_failure_escalate: 10
monitor:
  interval_s: 5
mqtt:
  broker: tcp://broker:1883
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.SegmentDuration())
	assert.Equal(t, 2*time.Hour, cfg.MaxDuration())
	assert.Equal(t, int64(512)*1024*1024, cfg.MemoryThresholdBytes())
	assert.Equal(t, 5*time.Second, cfg.MonitorInterval())
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 60, cfg.Recording.FPS)

	// Broker present: topic defaults derive from the instance id.
	assert.Equal(t, "smartbox/control/ward-3-bed-7", cfg.MQTT.Topics.Control)
	assert.Equal(t, "smartbox/events/ward-3-bed-7", cfg.MQTT.Topics.Events)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["control"])
	assert.Equal(t, byte(0), cfg.MQTT.QoS["memory_pressure"])
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing instance_id", `
storage:
  root: /tmp/r
`},
		{"bad instance_id", `
instance_id: "Not Valid!"
storage:
  root: /tmp/r
`},
		{"missing storage root", `
instance_id: ok
`},
		{"threshold above capacity", `
instance_id: ok
storage:
  root: /tmp/r
buffer:
  capacity_mb: 100
  memory_threshold_mb: 200
`},
		{"eviction fraction out of range", `
instance_id: ok
storage:
  root: /tmp/r
buffer:
  eviction_fraction: 1.5
`},
		{"negative segment minutes", `
instance_id: ok
storage:
  root: /tmp/r
recording:
  segment_minutes: -1
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestShutdownTimeoutDefault(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
}

// Package monitor implements periodic resource sampling and drives the frame
// store's eviction policy. Sampling is behind a capability interface so the
// core stays portable and tests can fake pressure without allocating
// gigabytes.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// MetricsSnapshot is one sample of process resource usage.
type MetricsSnapshot struct {
	SampledAt  time.Time
	HeapBytes  uint64
	SysBytes   uint64
	Goroutines int
	CPUs       int
}

// Sampler provides resource snapshots. Implementations must be cheap enough
// to call on every monitor tick.
type Sampler interface {
	Sample() MetricsSnapshot
}

// RuntimeSampler reads the Go runtime's memory statistics. It is the default
// sampler; platform performance counters are deliberately not used.
type RuntimeSampler struct{}

// Sample implements Sampler.
func (RuntimeSampler) Sample() MetricsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MetricsSnapshot{
		SampledAt:  time.Now(),
		HeapBytes:  ms.HeapAlloc,
		SysBytes:   ms.Sys,
		Goroutines: runtime.NumGoroutine(),
		CPUs:       runtime.NumCPU(),
	}
}

// Buffer is the slice of the frame store the monitor acts on.
type Buffer interface {
	Usage() int64
	Offload(fraction float64) int
}

// Options configures a Monitor.
type Options struct {
	// ThresholdBytes is the buffered-byte level that triggers eviction.
	ThresholdBytes int64
	// EvictionFraction is the oldest fraction offloaded per pressure pass.
	EvictionFraction float64
	// Interval is the sampling period.
	Interval time.Duration
	// OnPressure fires at most once per threshold crossing, not per sample.
	OnPressure func(usage, threshold int64)
}

// Monitor periodically samples buffer usage and process metrics, triggering
// offload when the configured threshold is crossed.
type Monitor struct {
	opts    Options
	sampler Sampler
	buffer  Buffer
	log     *slog.Logger

	above bool // true while usage sits over the threshold (edge trigger state)
}

// New creates a monitor. A nil sampler defaults to RuntimeSampler.
func New(opts Options, sampler Sampler, buffer Buffer, log *slog.Logger) *Monitor {
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{opts: opts, sampler: sampler, buffer: buffer, log: log}
}

// Run samples until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.log.Debug("resource monitor started",
		"interval", m.opts.Interval,
		"threshold_bytes", m.opts.ThresholdBytes,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick performs one sampling pass. Exported so the recorder's tests can
// drive the monitor deterministically without waiting on the ticker.
func (m *Monitor) Tick() {
	snap := m.sampler.Sample()
	usage := m.buffer.Usage()

	m.log.Debug("resource sample",
		"buffer_bytes", usage,
		"heap_bytes", snap.HeapBytes,
		"goroutines", snap.Goroutines,
	)

	if m.opts.ThresholdBytes <= 0 || usage <= m.opts.ThresholdBytes {
		m.above = false
		return
	}

	crossing := !m.above
	m.above = true

	if crossing {
		m.log.Warn("memory pressure detected",
			"buffer_bytes", usage,
			"threshold_bytes", m.opts.ThresholdBytes,
		)
		if m.opts.OnPressure != nil {
			m.opts.OnPressure(usage, m.opts.ThresholdBytes)
		}
	}

	moved := m.buffer.Offload(m.opts.EvictionFraction)

	after := m.buffer.Usage()
	if after > m.opts.ThresholdBytes {
		// Eviction could not bring usage under the threshold. That is a
		// configuration problem (fraction too small, frames too large),
		// not a crash.
		m.log.Warn("eviction insufficient, usage still over threshold",
			"frames_offloaded", moved,
			"buffer_bytes", after,
			"threshold_bytes", m.opts.ThresholdBytes,
		)
	} else {
		m.above = false
		m.log.Info("memory pressure relieved",
			"frames_offloaded", moved,
			"buffer_bytes", after,
		)
	}
}

// Package recorder implements the recording controller: session lifecycle,
// frame fan-out into the frame store and segment writer, and the supervisory
// loops that keep a continuous recording honest.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ostern42/smartbox-next-sub001/internal/catalog"
	"github.com/ostern42/smartbox-next-sub001/internal/config"
	"github.com/ostern42/smartbox-next-sub001/internal/emitter"
	"github.com/ostern42/smartbox-next-sub001/internal/export"
	"github.com/ostern42/smartbox-next-sub001/internal/framestore"
	"github.com/ostern42/smartbox-next-sub001/internal/monitor"
	"github.com/ostern42/smartbox-next-sub001/internal/segment"
	"github.com/ostern42/smartbox-next-sub001/internal/source"
	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// StopReasonDurationLimit is the stop reason recorded when the duration
// guard fires.
const StopReasonDurationLimit = "duration limit reached"

// Options carries the recorder's collaborators. Source is required; the
// rest default to in-process fallbacks.
type Options struct {
	Source  source.Source
	Emitter emitter.Emitter
	Audit   export.AuditSink
	Catalog *catalog.Catalog // optional durable index
	Sampler monitor.Sampler  // defaults to the runtime sampler
}

// Recorder is the single entry point for external callers. At most one
// session is active at a time; Start and Stop are idempotent no-ops when
// called in the wrong state.
type Recorder struct {
	cfg  atomic.Pointer[config.Config]
	opts Options
	log  *slog.Logger

	mu      sync.Mutex // coarse session lock shared by the supervisory loops
	session *types.Session
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	store    *framestore.Store
	writer   *segment.Writer
	exporter *export.Exporter
	mon      *monitor.Monitor

	totalFrames atomic.Uint64

	// segBoundary is the exact rotation boundary of the open segment, used
	// instead of wall time so segment k+1 starts exactly where k ended.
	segBoundary time.Time

	// Resolved from config at construction; fields so tests can shorten them.
	segDur      time.Duration
	maxDur      time.Duration
	monInterval time.Duration
}

// New creates a recorder. Call Start to begin a session.
func New(cfg *config.Config, opts Options, log *slog.Logger) (*Recorder, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("recorder requires a frame source")
	}
	if opts.Emitter == nil {
		opts.Emitter = &emitter.LogEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		opts:        opts,
		log:         log,
		segDur:      cfg.SegmentDuration(),
		maxDur:      cfg.MaxDuration(),
		monInterval: cfg.MonitorInterval(),
	}
	r.cfg.Store(cfg)
	return r, nil
}

// UpdateConfig swaps the configuration used by future sessions. An active
// session keeps the parameters it started with.
func (r *Recorder) UpdateConfig(cfg *config.Config) {
	r.cfg.Store(cfg)
	r.mu.Lock()
	r.segDur = cfg.SegmentDuration()
	r.maxDur = cfg.MaxDuration()
	r.monInterval = cfg.MonitorInterval()
	r.mu.Unlock()
}

// Start begins a recording session for the given subject. If a session is
// already active this is a no-op and the current state is returned.
func (r *Recorder) Start(subject string) (types.SessionState, error) {
	r.mu.Lock()
	if r.session != nil {
		state := r.session.State
		r.mu.Unlock()
		r.log.Info("start ignored, session already active", "state", state)
		return state, nil
	}

	cfg := r.cfg.Load()
	start := time.Now().UTC()
	sessionID := fmt.Sprintf("%s-%s", sanitizeID(subject), uuid.New().String()[:8])

	store, err := framestore.New(framestore.Options{
		ThresholdBytes:        cfg.MemoryThresholdBytes(),
		CapacityBytes:         int64(cfg.Buffer.CapacityMB) * 1024 * 1024,
		OverflowDir:           filepath.Join(cfg.Buffer.OverflowDir, sessionID),
		OverflowCapacityBytes: int64(cfg.Buffer.OverflowCapacityMB) * 1024 * 1024,
	}, r.log)
	if err != nil {
		r.mu.Unlock()
		return types.StateIdle, fmt.Errorf("failed to create frame store: %w", err)
	}

	writer := segment.NewWriter(segment.Options{
		Root:             cfg.Storage.Root,
		FailureThreshold: cfg.Buffer.WriteFailureEscalate,
		OnCompleted:      func(seg segment.Segment) { r.onSegmentCompleted(sessionID, seg) },
		OnFatal:          r.onWriterFatal,
	}, r.log)
	if err := writer.Initialize(sessionID, start); err != nil {
		r.mu.Unlock()
		return types.StateIdle, fmt.Errorf("failed to initialize segment writer: %w", err)
	}

	fps := cfg.Recording.FPS
	if fps <= 0 {
		fps = 30
	}
	exporter := export.New(export.Options{
		Dir:           cfg.Storage.ExportDir,
		FrameInterval: time.Second / time.Duration(fps),
		Audit:         r.opts.Audit,
	}, store, r.log)

	mon := monitor.New(monitor.Options{
		ThresholdBytes:   cfg.MemoryThresholdBytes(),
		EvictionFraction: cfg.Buffer.EvictionFraction,
		Interval:         r.monInterval,
		OnPressure: func(usage, threshold int64) {
			r.emit(emitter.Event{
				Type:      emitter.MemoryPressure,
				Timestamp: time.Now().UTC(),
				SessionID: sessionID,
				Data: map[string]any{
					"usage_bytes":     usage,
					"threshold_bytes": threshold,
				},
			})
		},
	}, r.opts.Sampler, store, r.log)

	ctx, cancel := context.WithCancel(context.Background())

	if err := r.opts.Source.Start(ctx); err != nil {
		cancel()
		writer.Finalize(start)
		store.Clear()
		r.mu.Unlock()
		return types.StateIdle, fmt.Errorf("failed to start frame source: %w", err)
	}

	r.session = &types.Session{
		ID:        sessionID,
		Subject:   subject,
		StartedAt: start,
		State:     types.StateRecording,
		Segment:   1,
	}
	r.cancel = cancel
	r.store = store
	r.writer = writer
	r.exporter = exporter
	r.mon = mon
	r.segBoundary = start
	r.totalFrames.Store(0)
	r.wg.Add(4)
	segDur, maxDur := r.segDur, r.maxDur
	r.mu.Unlock()

	if r.opts.Catalog != nil {
		if err := r.opts.Catalog.SessionStarted(sessionID, subject, start); err != nil {
			r.log.Warn("catalog session insert failed", "error", err)
		}
	}

	go r.consumeFrames(ctx)
	go r.durationGuard(ctx)
	go r.rotationLoop(ctx)
	go r.monitorLoop(ctx)

	r.log.Info("recording session started",
		"session_id", sessionID,
		"subject", subject,
		"segment_duration", segDur,
		"max_duration", maxDur,
	)

	r.emit(emitter.Event{
		Type:      emitter.SessionStarted,
		Timestamp: start,
		SessionID: sessionID,
		Data:      map[string]any{"subject": subject},
	})

	return types.StateRecording, nil
}

// Stop ends the active session: cancels the supervisory loops, unsubscribes
// from the frame source, finalizes the open segment and clears the frame
// store. When Stop returns, the last segment file is safely closed. Calling
// Stop with no active session is a no-op.
func (r *Recorder) Stop(reason string) {
	r.mu.Lock()
	if r.session == nil || r.session.State != types.StateRecording {
		r.mu.Unlock()
		r.log.Debug("stop ignored, no active session")
		return
	}
	r.session.State = types.StateStopping
	sess := *r.session
	cancel := r.cancel
	r.mu.Unlock()

	r.log.Info("stopping recording session",
		"session_id", sess.ID,
		"reason", reason,
	)

	cancel()
	if err := r.opts.Source.Stop(); err != nil {
		r.log.Error("failed to stop frame source", "error", err)
	}

	// All loops observe the cancellation at their next polling boundary.
	r.wg.Wait()

	stoppedAt := time.Now().UTC()
	if _, err := r.writer.Finalize(stoppedAt); err != nil {
		r.log.Error("failed to finalize segment writer", "error", err)
	}

	// The only path that clears in-memory data. A crash mid-session leaves
	// on-disk segments intact up to the last flush.
	r.store.Clear()

	if r.opts.Catalog != nil {
		if err := r.opts.Catalog.SessionStopped(sess.ID, stoppedAt, reason); err != nil {
			r.log.Warn("catalog session update failed", "error", err)
		}
	}

	r.mu.Lock()
	elapsed := stoppedAt.Sub(sess.StartedAt)
	bytes := r.writer.BytesWritten()
	r.session = nil
	r.cancel = nil
	r.mu.Unlock()

	r.log.Info("recording session stopped",
		"session_id", sess.ID,
		"reason", reason,
		"elapsed", elapsed,
		"bytes_written", bytes,
	)

	r.emit(emitter.Event{
		Type:      emitter.SessionStopped,
		Timestamp: stoppedAt,
		SessionID: sess.ID,
		Data: map[string]any{
			"reason":        reason,
			"elapsed_s":     elapsed.Seconds(),
			"bytes_written": bytes,
		},
	})
}

// ExportLastMinutes materializes the last N minutes of the active session's
// buffered history as a standalone clip.
func (r *Recorder) ExportLastMinutes(minutes int, reason, requester string) (export.Result, error) {
	r.mu.Lock()
	exporter := r.exporter
	var subject string
	var sessionID string
	if r.session != nil {
		subject = r.session.Subject
		sessionID = r.session.ID
	}
	r.mu.Unlock()

	if exporter == nil {
		return export.Result{}, export.ErrInsufficientData
	}

	res, err := exporter.ExportLastMinutes(export.Request{
		Subject:   subject,
		Minutes:   minutes,
		Reason:    reason,
		Requester: requester,
	})
	if err != nil {
		return export.Result{}, err
	}

	r.emit(emitter.Event{
		Type:      emitter.ExportCompleted,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Data: map[string]any{
			"request_id": res.RequestID,
			"path":       res.Path,
			"frames":     res.Frames,
			"bytes":      res.Bytes,
		},
	})
	return res, nil
}

// Stats returns a read-only snapshot of recorder state.
func (r *Recorder) Stats() types.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return types.Stats{}
	}

	dropped := r.writer.Dropped() + r.store.Dropped()
	return types.Stats{
		Recording:      r.session.State == types.StateRecording,
		SessionID:      r.session.ID,
		Subject:        r.session.Subject,
		Elapsed:        time.Since(r.session.StartedAt),
		TotalFrames:    r.totalFrames.Load(),
		BufferedFrames: r.store.Len(),
		SpilledFrames:  r.store.SpilledFrames(),
		DroppedFrames:  dropped,
		MemoryBytes:    r.store.Usage(),
		DiskBytes:      r.writer.BytesWritten() + r.store.DiskUsage(),
		Segment:        r.writer.CurrentSegment(),
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() types.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return types.StateIdle
	}
	return r.session.State
}

func (r *Recorder) onSegmentCompleted(sessionID string, seg segment.Segment) {
	if r.opts.Catalog != nil {
		if err := r.opts.Catalog.SegmentCompleted(sessionID, seg); err != nil {
			r.log.Warn("catalog segment insert failed", "segment", seg.Seq, "error", err)
		}
	}

	r.emit(emitter.Event{
		Type:      emitter.SegmentCompleted,
		Timestamp: seg.EndedAt,
		SessionID: sessionID,
		Data: map[string]any{
			"segment":    seg.Seq,
			"path":       seg.Path,
			"frames":     seg.Frames,
			"bytes":      seg.Bytes,
			"duration_s": seg.Duration().Seconds(),
		},
	})
}

func (r *Recorder) onWriterFatal(err error) {
	// Sustained persistence failure: a recording that silently loses data
	// must not masquerade as healthy.
	r.log.Error("segment writer fatal, stopping session", "error", err)
	r.Stop(fmt.Sprintf("segment writer failure: %v", err))
}

func (r *Recorder) emit(event emitter.Event) {
	r.opts.Emitter.Emit(event)
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "session"
	}
	return out
}

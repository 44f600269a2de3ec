// Package daemon wires the recorder, the MQTT control plane, the event
// emitter and the session catalog into a long-running service.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/ostern42/smartbox-next-sub001/internal/catalog"
	"github.com/ostern42/smartbox-next-sub001/internal/config"
	"github.com/ostern42/smartbox-next-sub001/internal/control"
	"github.com/ostern42/smartbox-next-sub001/internal/emitter"
	"github.com/ostern42/smartbox-next-sub001/internal/export"
	"github.com/ostern42/smartbox-next-sub001/internal/recorder"
	"github.com/ostern42/smartbox-next-sub001/internal/source"
	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// Options tunes service construction.
type Options struct {
	// Source overrides the frame source. Nil selects the synthetic source.
	Source source.Source
	// AutoStartSubject, when set, starts a recording session as soon as the
	// service is up instead of waiting for a control plane command.
	AutoStartSubject string
}

// Service is the top-level orchestrator for the recording daemon.
type Service struct {
	cfg  *config.Config
	opts Options
	log  *slog.Logger

	rec     *recorder.Recorder
	mqtt    *emitter.MQTTEmitter
	handler *control.Handler
	cat     *catalog.Catalog
	watcher *config.Watcher

	mu        sync.Mutex
	started   time.Time
	isRunning bool
	cancelCtx context.CancelFunc
}

// New loads configuration and builds all components. The service does not
// touch the network until Run.
func New(configPath string, opts Options, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"storage_root", cfg.Storage.Root,
		"segment_duration", cfg.SegmentDuration(),
	)

	cat, err := catalog.Open(filepath.Join(cfg.Storage.Root, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session catalog: %w", err)
	}

	src := opts.Source
	if src == nil {
		src = source.NewSyntheticSource(640, 480, cfg.Recording.FPS, 0)
		log.Info("using synthetic frame source (no capture source configured)")
	}

	s := &Service{cfg: cfg, opts: opts, log: log, cat: cat}

	var emit emitter.Emitter = &emitter.LogEmitter{}
	if cfg.MQTT.Broker != "" {
		s.mqtt = emitter.NewMQTTEmitter(cfg)
		emit = emitter.Multi{s.mqtt, &emitter.LogEmitter{}}
	}

	rec, err := recorder.New(cfg, recorder.Options{
		Source:  src,
		Emitter: emit,
		Catalog: cat,
	}, log)
	if err != nil {
		cat.Close()
		return nil, err
	}
	s.rec = rec

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		log.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		watcher.OnChange(s.onConfigChange)
		s.watcher = watcher
	}

	return s, nil
}

// Run starts the service and blocks until the context is cancelled or the
// control plane requests a shutdown.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	if s.mqtt != nil {
		if err := s.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		s.handler = control.NewHandler(s.cfg, s.mqtt.Client, control.CommandCallbacks{
			OnStart:      s.startSession,
			OnStop:       s.stopSession,
			OnExportLast: s.exportLast,
			OnGetStatus:  s.getStatus,
			OnShutdown:   s.shutdownViaControl,
		}, s.log)
		if err := s.handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	} else {
		s.log.Warn("mqtt broker not configured, control plane disabled")
	}

	if s.watcher != nil {
		go s.watcher.Run(ctx)
	}

	if s.opts.AutoStartSubject != "" {
		if _, err := s.rec.Start(s.opts.AutoStartSubject); err != nil {
			return fmt.Errorf("failed to auto-start session: %w", err)
		}
	}

	s.log.Info("recording service running",
		"instance_id", s.cfg.InstanceID,
		"control_plane", s.handler != nil,
	)

	<-ctx.Done()

	s.log.Info("recording service run loop exiting")
	return nil
}

// Shutdown tears the service down in dependency order. The context bounds
// how long the teardown may take.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.log.Info("shutting down recording service")

	done := make(chan struct{})
	go func() {
		defer close(done)

		// The recorder first: it finalizes the open segment and must not
		// be interrupted by a closed emitter mid-stop.
		s.rec.Stop("service shutdown")

		if s.handler != nil {
			s.handler.Stop()
		}
		if s.mqtt != nil {
			if err := s.mqtt.Disconnect(); err != nil {
				s.log.Error("failed to disconnect mqtt", "error", err)
			}
		}
		if err := s.cat.Close(); err != nil {
			s.log.Error("failed to close session catalog", "error", err)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	s.log.Info("recording service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout exposes the configured graceful shutdown budget.
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

// Recorder exposes the underlying recorder, mainly for embedding callers.
func (s *Service) Recorder() *recorder.Recorder {
	return s.rec
}

func (s *Service) startSession(subject string) (map[string]any, error) {
	state, err := s.rec.Start(subject)
	if err != nil {
		return nil, err
	}
	stats := s.rec.Stats()
	return map[string]any{
		"state":      string(state),
		"session_id": stats.SessionID,
		"subject":    stats.Subject,
	}, nil
}

func (s *Service) stopSession(reason string) error {
	s.rec.Stop(reason)
	return nil
}

func (s *Service) exportLast(minutes int, reason, requester string) (map[string]any, error) {
	res, err := s.rec.ExportLastMinutes(minutes, reason, requester)
	if err != nil {
		if err == export.ErrInsufficientData || err == export.ErrExportInFlight {
			return nil, err
		}
		return nil, fmt.Errorf("export failed: %w", err)
	}
	return map[string]any{
		"request_id": res.RequestID,
		"path":       res.Path,
		"frames":     res.Frames,
		"bytes":      res.Bytes,
		"from":       res.From.Format(time.RFC3339),
		"to":         res.To.Format(time.RFC3339),
	}, nil
}

func (s *Service) getStatus() map[string]any {
	stats := s.rec.Stats()
	status := map[string]any{
		"instance_id":     s.cfg.InstanceID,
		"uptime_s":        time.Since(s.started).Seconds(),
		"recording":       stats.Recording,
		"session_id":      stats.SessionID,
		"subject":         stats.Subject,
		"elapsed_s":       stats.Elapsed.Seconds(),
		"total_frames":    stats.TotalFrames,
		"buffered_frames": stats.BufferedFrames,
		"spilled_frames":  stats.SpilledFrames,
		"dropped_frames":  stats.DroppedFrames,
		"memory_bytes":    stats.MemoryBytes,
		"disk_bytes":      stats.DiskBytes,
		"segment":         stats.Segment,
	}
	if s.mqtt != nil {
		ms := s.mqtt.Stats()
		status["mqtt_connected"] = ms.Connected
		status["mqtt_errors"] = ms.Errors
	}
	return status
}

func (s *Service) shutdownViaControl() error {
	s.mu.Lock()
	cancel := s.cancelCtx
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// onConfigChange hands a reloaded configuration to the recorder. Settings are
// read at session start, so the swap only affects future sessions; an active
// session keeps the parameters it started with. The service's own wiring
// (broker, topics, storage paths already opened) stays as loaded at startup.
func (s *Service) onConfigChange(cfg *config.Config) {
	if s.rec.State() != types.StateIdle {
		s.log.Info("config reloaded, will apply when the active session ends")
	} else {
		s.log.Info("config reloaded")
	}
	s.rec.UpdateConfig(cfg)
}

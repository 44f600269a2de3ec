// Package export materializes "the last N minutes" of buffered history as a
// standalone clip file without interrupting live capture. Exports serialize
// among themselves but never against frame ingestion.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ostern42/smartbox-next-sub001/internal/recfile"
	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

var (
	// ErrInsufficientData means the requested range is not fully covered by
	// the retained history. A routine failure mode, not an exception: five
	// minutes into a session there simply is no "last hour" yet.
	ErrInsufficientData = errors.New("insufficient buffered history for requested range")

	// ErrExportInFlight means another export is currently running.
	// Concurrent exports are rejected, never interleaved.
	ErrExportInFlight = errors.New("another export is in flight")
)

// Store is the slice of the frame store the exporter reads.
type Store interface {
	Range(from, to time.Time) []*types.Frame
	OldestTimestamp() (time.Time, bool)
}

// Request describes one retroactive export.
type Request struct {
	Subject   string
	Minutes   int
	Reason    string
	Requester string
}

// Result describes a completed export.
type Result struct {
	RequestID string
	Path      string
	Frames    int
	Bytes     int64
	From      time.Time
	To        time.Time
}

// Provenance is the audit record handed to the external audit collaborator
// for every completed export. Mandatory side effect, not optional logging.
type Provenance struct {
	RequestID  string    `json:"request_id"`
	Requester  string    `json:"requester"`
	Reason     string    `json:"reason"`
	Subject    string    `json:"subject"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	OutputPath string    `json:"output_path"`
	Bytes      int64     `json:"bytes"`
	Frames     int       `json:"frames"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditSink receives provenance records. The implementation lives outside
// this module; LogSink is the in-process fallback.
type AuditSink interface {
	RecordExport(p Provenance)
}

// LogSink writes provenance to the structured log.
type LogSink struct {
	Log *slog.Logger
}

// RecordExport implements AuditSink.
func (l LogSink) RecordExport(p Provenance) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("export provenance",
		"request_id", p.RequestID,
		"requester", p.Requester,
		"reason", p.Reason,
		"subject", p.Subject,
		"from", p.From,
		"to", p.To,
		"path", p.OutputPath,
		"bytes", p.Bytes,
		"frames", p.Frames,
	)
}

// Options configures an Exporter.
type Options struct {
	// Dir is the export output directory.
	Dir string
	// FrameInterval is the nominal spacing between frames, used as the
	// edge tolerance for the coverage check.
	FrameInterval time.Duration
	// Audit receives provenance for every completed export. Defaults to
	// LogSink.
	Audit AuditSink
}

// Exporter turns a time window of buffered frames into a clip file.
type Exporter struct {
	opts  Options
	store Store
	log   *slog.Logger

	mu  sync.Mutex // single-flight guard
	now func() time.Time
}

// New creates an exporter over the given store.
func New(opts Options, store Store, log *slog.Logger) *Exporter {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = time.Second / 30
	}
	if opts.Audit == nil {
		opts.Audit = LogSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{opts: opts, store: store, log: log, now: time.Now}
}

// ExportLastMinutes materializes [now - minutes, now] as a standalone clip.
// Returns ErrInsufficientData when the window is empty or not fully covered
// by retained history, and ErrExportInFlight when another export is running.
func (e *Exporter) ExportLastMinutes(req Request) (Result, error) {
	if req.Minutes <= 0 {
		return Result{}, fmt.Errorf("requested minutes must be > 0, got %d", req.Minutes)
	}

	if !e.mu.TryLock() {
		return Result{}, ErrExportInFlight
	}
	defer e.mu.Unlock()

	to := e.now().UTC()
	from := to.Add(-time.Duration(req.Minutes) * time.Minute)

	// Coverage check before touching the disk: a truncated clip that
	// silently starts later than requested is worse than a refusal.
	oldest, ok := e.store.OldestTimestamp()
	if !ok {
		return Result{}, ErrInsufficientData
	}
	if oldest.After(from.Add(e.opts.FrameInterval)) {
		e.log.Info("export refused, window not covered",
			"requested_from", from,
			"oldest_retained", oldest,
		)
		return Result{}, ErrInsufficientData
	}

	frames := e.store.Range(from, to)
	if len(frames) == 0 {
		return Result{}, ErrInsufficientData
	}

	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create export dir: %w", err)
	}

	// The request id in the name keeps two identical requests within the
	// same second from overwriting each other's clip.
	requestID := uuid.New().String()
	name := fmt.Sprintf("%s_%s_%dmin_%s_%s%s",
		sanitize(req.Subject),
		to.Format("20060102T150405Z"),
		req.Minutes,
		sanitize(req.Reason),
		requestID[:8],
		recfile.Extension,
	)
	path := filepath.Join(e.opts.Dir, name)

	w, err := recfile.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create clip: %w", err)
	}
	for _, f := range frames {
		if err := w.Append(f); err != nil {
			w.Close()
			os.Remove(path)
			return Result{}, fmt.Errorf("failed to write clip: %w", err)
		}
	}
	size, err := w.Close()
	if err != nil {
		os.Remove(path)
		return Result{}, fmt.Errorf("failed to finalize clip: %w", err)
	}

	res := Result{
		RequestID: requestID,
		Path:      path,
		Frames:    len(frames),
		Bytes:     size,
		From:      frames[0].Timestamp,
		To:        frames[len(frames)-1].Timestamp,
	}

	e.opts.Audit.RecordExport(Provenance{
		RequestID:  requestID,
		Requester:  req.Requester,
		Reason:     req.Reason,
		Subject:    req.Subject,
		From:       from,
		To:         to,
		OutputPath: path,
		Bytes:      size,
		Frames:     len(frames),
		CreatedAt:  e.now().UTC(),
	})

	e.log.Info("export completed",
		"request_id", requestID,
		"path", path,
		"frames", res.Frames,
		"bytes", size,
		"span", res.To.Sub(res.From),
	)

	return res, nil
}

// sanitize keeps file names portable: anything outside [a-zA-Z0-9-] becomes
// a dash, and empty components become "unnamed".
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "unnamed"
	}
	return out
}

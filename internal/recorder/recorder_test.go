package recorder

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ostern42/smartbox-next-sub001/internal/catalog"
	"github.com/ostern42/smartbox-next-sub001/internal/config"
	"github.com/ostern42/smartbox-next-sub001/internal/emitter"
	"github.com/ostern42/smartbox-next-sub001/internal/export"
	"github.com/ostern42/smartbox-next-sub001/internal/recfile"
	"github.com/ostern42/smartbox-next-sub001/internal/source"
	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// captureEmitter records every emitted event for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []emitter.Event
}

func (c *captureEmitter) Emit(e emitter.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureEmitter) ofType(t emitter.EventType) []emitter.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitter.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		InstanceID: "test-box",
		Storage:    config.StorageConfig{Root: root},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	return cfg
}

func newTestRecorder(t *testing.T, src source.Source) (*Recorder, *captureEmitter) {
	t.Helper()
	events := &captureEmitter{}
	r, err := New(testConfig(t), Options{
		Source:  src,
		Emitter: events,
	}, testLog)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return r, events
}

func pushFrame(src *source.PushSource, seq uint64, ts time.Time) {
	src.Push(types.Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     2,
		Height:    2,
		Format:    types.FormatBGR24,
		Data:      []byte{0xAB, 0xCD},
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestStartStopIdempotent validates the lifecycle contract: double start is a
// no-op reporting the current state, stop when idle is a no-op, and the
// recorder is reusable for a fresh session afterwards.
func TestStartStopIdempotent(t *testing.T) {
	src := source.NewPushSource(16)
	r, events := newTestRecorder(t, src)

	r.Stop("nothing running") // no-op

	state, err := r.Start("bed-7")
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if state != types.StateRecording {
		t.Fatalf("Start() state = %v, want recording", state)
	}
	firstID := r.Stats().SessionID

	state, err = r.Start("someone-else")
	if err != nil {
		t.Fatalf("second Start() errored: %v", err)
	}
	if state != types.StateRecording {
		t.Errorf("second Start() state = %v, want recording", state)
	}
	if r.Stats().SessionID != firstID {
		t.Error("second Start() replaced the active session")
	}

	r.Stop("test done")
	if r.State() != types.StateIdle {
		t.Errorf("State() = %v after Stop, want idle", r.State())
	}
	r.Stop("again") // no-op

	if got := len(events.ofType(emitter.SessionStarted)); got != 1 {
		t.Errorf("SessionStarted events = %d, want 1", got)
	}
	if got := len(events.ofType(emitter.SessionStopped)); got != 1 {
		t.Errorf("SessionStopped events = %d, want 1", got)
	}

	// Fresh session on the same recorder.
	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if r.Stats().SessionID == firstID {
		t.Error("restart reused the previous session id")
	}
	r.Stop("cleanup")
}

// TestFramesReachSegmentFile validates the ingestion path end to end: pushed
// frames land in the session's first segment file and survive session stop.
func TestFramesReachSegmentFile(t *testing.T) {
	src := source.NewPushSource(64)
	r, _ := newTestRecorder(t, src)

	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 50; i++ {
		pushFrame(src, uint64(i), base.Add(time.Duration(i)*33*time.Millisecond))
	}

	waitFor(t, 2*time.Second, func() bool {
		return r.Stats().TotalFrames == 50
	}, "frames were not consumed")

	stats := r.Stats()
	if stats.BufferedFrames != 50 {
		t.Errorf("BufferedFrames = %d, want 50", stats.BufferedFrames)
	}

	r.Stop("test done")

	paths, err := filepath.Glob(filepath.Join(r.cfg.Load().Storage.Root, "*", "*", "seg_*"+recfile.Extension))
	if err != nil || len(paths) != 1 {
		t.Fatalf("expected one segment file, got %v (err %v)", paths, err)
	}

	recs, err := recfile.ReadAll(paths[0])
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(recs) != 50 {
		t.Errorf("segment holds %d records, want 50", len(recs))
	}
	for i, rec := range recs {
		if rec.Meta.Seq != uint64(i) {
			t.Fatalf("record %d out of order: Seq = %d", i, rec.Meta.Seq)
		}
	}

	// Stop cleared the buffer.
	if got := r.Stats(); got.Recording || got.BufferedFrames != 0 {
		t.Errorf("stats after stop = %+v, want idle and empty", got)
	}
}

// TestDurationGuardStopsSession validates the hard session limit: the guard
// stops the recording on its own with the duration-limit reason.
func TestDurationGuardStopsSession(t *testing.T) {
	src := source.NewPushSource(16)
	r, events := newTestRecorder(t, src)
	r.maxDur = 150 * time.Millisecond

	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return r.State() == types.StateIdle
	}, "duration guard did not stop the session")

	stopped := events.ofType(emitter.SessionStopped)
	if len(stopped) != 1 {
		t.Fatalf("SessionStopped events = %d, want 1", len(stopped))
	}
	if reason := stopped[0].Data["reason"]; reason != StopReasonDurationLimit {
		t.Errorf("stop reason = %v, want %q", reason, StopReasonDurationLimit)
	}
}

// TestRotationProducesContiguousSegments validates periodic rotation: a feed
// spanning several rotation windows yields multiple segments whose
// boundaries meet exactly, verified through the durable catalog.
func TestRotationProducesContiguousSegments(t *testing.T) {
	src := source.NewPushSource(256)
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open() failed: %v", err)
	}
	defer cat.Close()

	events := &captureEmitter{}
	r, err := New(testConfig(t), Options{
		Source:  src,
		Emitter: events,
		Catalog: cat,
	}, testLog)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	r.segDur = 250 * time.Millisecond

	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	sessionID := r.Stats().SessionID

	// Feed for a bit over one second: three rotations plus the final
	// segment closed on stop.
	stop := time.Now().Add(1100 * time.Millisecond)
	var seq uint64
	for time.Now().Before(stop) {
		pushFrame(src, seq, time.Now().UTC())
		seq++
		time.Sleep(20 * time.Millisecond)
	}

	r.Stop("test done")

	segs, err := cat.Segments(sessionID)
	if err != nil {
		t.Fatalf("Segments() failed: %v", err)
	}
	if len(segs) < 4 {
		t.Fatalf("catalog holds %d segments, want >= 4", len(segs))
	}

	for i, seg := range segs {
		if seg.Seq != i+1 {
			t.Errorf("segment %d: Seq = %d, want %d", i, seg.Seq, i+1)
		}
	}
	for i := 1; i < len(segs); i++ {
		gap := segs[i].StartedAt.Sub(segs[i-1].EndedAt)
		if gap < -time.Millisecond || gap > time.Millisecond {
			t.Errorf("segments %d/%d not contiguous: gap = %v", segs[i-1].Seq, segs[i].Seq, gap)
		}
	}

	if got := len(events.ofType(emitter.SegmentCompleted)); got != len(segs) {
		t.Errorf("SegmentCompleted events = %d, catalog segments = %d", got, len(segs))
	}
}

// TestConfigUpdateAppliesToNextSession validates hot reload semantics: a
// configuration swapped in mid-session leaves the active session untouched
// and takes effect when the next session starts.
func TestConfigUpdateAppliesToNextSession(t *testing.T) {
	src := source.NewPushSource(64)
	r, _ := newTestRecorder(t, src)
	oldRoot := r.cfg.Load().Storage.Root

	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	pushFrame(src, 0, time.Now().UTC())
	waitFor(t, 2*time.Second, func() bool {
		return r.Stats().TotalFrames == 1
	}, "frame was not consumed")

	next := testConfig(t)
	r.UpdateConfig(next)
	if r.State() != types.StateRecording {
		t.Fatal("config update disturbed the active session")
	}
	r.Stop("reload test")

	paths, err := filepath.Glob(filepath.Join(oldRoot, "*", "*", "seg_*"+recfile.Extension))
	if err != nil || len(paths) != 1 {
		t.Fatalf("active session segments = %v, want one under the original root (err %v)", paths, err)
	}

	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	pushFrame(src, 0, time.Now().UTC())
	waitFor(t, 2*time.Second, func() bool {
		return r.Stats().TotalFrames == 1
	}, "frame was not consumed after restart")
	r.Stop("test done")

	paths, err = filepath.Glob(filepath.Join(next.Storage.Root, "*", "*", "seg_*"+recfile.Extension))
	if err != nil || len(paths) != 1 {
		t.Fatalf("next session segments = %v, want one under the reloaded root (err %v)", paths, err)
	}
}

// TestStartToleratesUnsetFPS validates that a configuration missing the frame
// rate does not break session start; the export tolerance falls back to the
// default rate.
func TestStartToleratesUnsetFPS(t *testing.T) {
	src := source.NewPushSource(16)
	cfg := testConfig(t)
	cfg.Recording.FPS = 0
	r, err := New(cfg, Options{Source: src, Emitter: &captureEmitter{}}, testLog)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	r.Stop("test done")
}

// TestExportThroughRecorder validates the wired export path and its refusal
// when no session is active.
func TestExportThroughRecorder(t *testing.T) {
	src := source.NewPushSource(256)
	r, events := newTestRecorder(t, src)

	// No session yet: nothing to export.
	if _, err := r.ExportLastMinutes(1, "review", "tester"); !errors.Is(err, export.ErrInsufficientData) {
		t.Fatalf("export with no session: err = %v, want ErrInsufficientData", err)
	}

	if _, err := r.Start("bed-7"); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer r.Stop("cleanup")

	// Two minutes of backdated history at 1 fps.
	base := time.Now().UTC().Add(-2 * time.Minute)
	for i := 0; i < 120; i++ {
		pushFrame(src, uint64(i), base.Add(time.Duration(i)*time.Second))
	}
	waitFor(t, 2*time.Second, func() bool {
		return r.Stats().TotalFrames == 120
	}, "frames were not consumed")

	res, err := r.ExportLastMinutes(1, "fall-review", "nurse-2")
	if err != nil {
		t.Fatalf("ExportLastMinutes() failed: %v", err)
	}
	if res.Frames == 0 {
		t.Fatal("export produced no frames")
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("clip file missing: %v", err)
	}

	if got := len(events.ofType(emitter.ExportCompleted)); got != 1 {
		t.Errorf("ExportCompleted events = %d, want 1", got)
	}

	// Asking for more than the session holds is refused.
	if _, err := r.ExportLastMinutes(60, "too-much", "tester"); !errors.Is(err, export.ErrInsufficientData) {
		t.Errorf("oversized export: err = %v, want ErrInsufficientData", err)
	}
}

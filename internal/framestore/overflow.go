package framestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ostern42/smartbox-next-sub001/internal/recfile"
	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// chunk is one immutable spill file plus its index entry. Chunk files are
// written once and never modified; only deletion under the disk budget
// touches them again.
type chunk struct {
	path   string
	start  time.Time
	end    time.Time
	frames int
	bytes  int64
}

// overflowStore is the slower-but-larger backing store that keeps the DVR
// window answerable after memory eviction.
type overflowStore struct {
	dir    string
	budget int64
	log    *slog.Logger

	mu      sync.Mutex
	chunks  []chunk // ordered by start time, oldest first
	bytes   int64
	seq     int
	dropped uint64 // frames deleted to honor the disk budget
}

func newOverflowStore(dir string, budget int64, log *slog.Logger) (*overflowStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create overflow dir: %w", err)
	}
	// Stale chunks from a previous run belong to a dead session.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read overflow dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == recfile.Extension {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}

	return &overflowStore{dir: dir, budget: budget, log: log}, nil
}

// spill writes the given frames (ascending timestamps) to a new chunk file
// and indexes it. Returns false if the write failed; the caller then counts
// the frames as dropped.
func (o *overflowStore) spill(frames []*types.Frame) bool {
	if len(frames) == 0 {
		return true
	}

	o.mu.Lock()
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	path := filepath.Join(o.dir, fmt.Sprintf("spill_%06d%s", seq, recfile.Extension))

	w, err := recfile.Create(path)
	if err != nil {
		o.log.Error("overflow spill failed", "path", path, "error", err)
		return false
	}
	for _, f := range frames {
		if err := w.Append(f); err != nil {
			o.log.Error("overflow spill write failed", "path", path, "error", err)
			w.Close()
			os.Remove(path)
			return false
		}
	}
	size, err := w.Close()
	if err != nil {
		o.log.Error("overflow spill close failed", "path", path, "error", err)
		os.Remove(path)
		return false
	}

	c := chunk{
		path:   path,
		start:  frames[0].Timestamp,
		end:    frames[len(frames)-1].Timestamp,
		frames: len(frames),
		bytes:  size,
	}

	o.mu.Lock()
	o.chunks = append(o.chunks, c)
	o.bytes += size
	o.enforceBudgetLocked()
	o.mu.Unlock()

	o.log.Debug("frames spilled to overflow",
		"path", path,
		"frames", c.frames,
		"bytes", size,
	)
	return true
}

// query decodes every chunk overlapping [from, to] and returns the matching
// frames in ascending order. Chunk files are immutable, so decoding happens
// without holding the index lock.
func (o *overflowStore) query(from, to time.Time) []*types.Frame {
	o.mu.Lock()
	var hits []chunk
	for _, c := range o.chunks {
		if !c.end.Before(from) && !c.start.After(to) {
			hits = append(hits, c)
		}
	}
	o.mu.Unlock()

	var out []*types.Frame
	for _, c := range hits {
		recs, err := recfile.ReadAll(c.path)
		if err != nil {
			// Deleted by budget enforcement between index read and open,
			// or corrupted; either way the frames are gone.
			o.log.Warn("overflow chunk unreadable", "path", c.path, "error", err)
			continue
		}
		for _, rec := range recs {
			ts := rec.Meta.Timestamp
			if ts.Before(from) || ts.After(to) {
				continue
			}
			out = append(out, &types.Frame{
				Seq:       rec.Meta.Seq,
				Timestamp: ts,
				Width:     rec.Meta.Width,
				Height:    rec.Meta.Height,
				Format:    rec.Meta.Format,
				Data:      rec.Data,
				KeyFrame:  rec.Meta.KeyFrame,
			})
		}
	}
	return out
}

func (o *overflowStore) oldest() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.chunks) == 0 {
		return time.Time{}, false
	}
	return o.chunks[0].start, true
}

func (o *overflowStore) frames() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.chunks {
		n += c.frames
	}
	return n
}

func (o *overflowStore) usage() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytes
}

func (o *overflowStore) droppedFrames() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *overflowStore) clear() {
	o.mu.Lock()
	chunks := o.chunks
	o.chunks = nil
	o.bytes = 0
	o.mu.Unlock()

	for _, c := range chunks {
		os.Remove(c.path)
	}
}

// enforceBudgetLocked deletes oldest chunks until usage fits the budget.
// Deleting oldest-first keeps the retained span contiguous with memory.
func (o *overflowStore) enforceBudgetLocked() {
	if o.budget <= 0 {
		return
	}
	for o.bytes > o.budget && len(o.chunks) > 0 {
		victim := o.chunks[0]
		o.chunks = o.chunks[1:]
		o.bytes -= victim.bytes
		o.dropped += uint64(victim.frames)
		os.Remove(victim.path)
		o.log.Warn("overflow budget exceeded, oldest chunk dropped",
			"path", victim.path,
			"frames", victim.frames,
			"bytes", victim.bytes,
		)
	}
}

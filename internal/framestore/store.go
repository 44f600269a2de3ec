// Package framestore implements the bounded in-memory window of recent
// frames with disk-backed overflow. It is the single source the retroactive
// exporter reads from, so the DVR window it retains (memory plus overflow)
// bounds what can be exported.
package framestore

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// Options configures a Store.
type Options struct {
	// ThresholdBytes marks the store "under pressure" once exceeded.
	ThresholdBytes int64
	// CapacityBytes is the hard in-memory cap. If the monitor falls behind
	// and usage reaches this, the oldest frames are dropped synchronously.
	CapacityBytes int64
	// OverflowDir is where evicted frames are spilled. Empty disables the
	// overflow store (degraded mode: evicted frames are lost).
	OverflowDir string
	// OverflowCapacityBytes is the disk budget for spilled frames.
	OverflowCapacityBytes int64
}

// Store holds the live frame window.
//
// Locking: mu protects the in-memory window; all mutation (Add, Offload,
// Clear) is mutually exclusive. Add does no I/O and holds the lock only for
// the append, keeping the producer path free of storage latency. Offload does
// its disk write outside the lock against an immutable snapshot.
type Store struct {
	mu       sync.Mutex
	frames   []*types.Frame // non-decreasing Timestamp order
	start    int            // index of oldest live frame (prefix is evicted)
	bytes    int64
	gen      uint64 // bumped by Clear so an in-flight offload can abort
	pressure bool

	dropped uint64 // frames lost to the hard cap or disabled overflow

	opts     Options
	overflow *overflowStore // nil in degraded mode
	log      *slog.Logger
}

// New creates a frame store. If opts.OverflowDir is empty the store runs in
// the degraded in-memory-only mode: evicted frames are discarded and the DVR
// window shrinks to what fits under the threshold. This mode is logged loudly
// at construction because it silently narrows what Export can answer.
func New(opts Options, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &Store{opts: opts, log: log}

	if opts.OverflowDir == "" {
		log.Warn("frame store running without disk overflow",
			"mode", "degraded",
			"consequence", "evicted frames are dropped and shrink the export window",
		)
		return s, nil
	}

	ov, err := newOverflowStore(opts.OverflowDir, opts.OverflowCapacityBytes, log)
	if err != nil {
		return nil, err
	}
	s.overflow = ov
	return s, nil
}

// Add appends a frame at the tail. Never blocks beyond the append itself.
// Frames must arrive in non-decreasing timestamp order; a frame that lands
// behind the tail (source clock adjustment) is clamped to the tail timestamp
// so the window stays ordered.
func (s *Store) Add(frame *types.Frame) {
	s.mu.Lock()

	if n := len(s.frames); n > s.start && frame.Timestamp.Before(s.frames[n-1].Timestamp) {
		frame.Timestamp = s.frames[n-1].Timestamp
	}

	s.frames = append(s.frames, frame)
	s.bytes += frame.Size()

	if s.opts.ThresholdBytes > 0 && s.bytes > s.opts.ThresholdBytes {
		s.pressure = true
	}

	// Hard cap safety valve: the monitor should evict long before this.
	if s.opts.CapacityBytes > 0 && s.bytes > s.opts.CapacityBytes {
		for s.start < len(s.frames) && s.bytes > s.opts.CapacityBytes {
			s.bytes -= s.frames[s.start].Size()
			s.frames[s.start] = nil
			s.start++
			s.dropped++
		}
	}

	s.compactLocked()
	s.mu.Unlock()
}

// Range returns all retained frames with from <= ts <= to in ascending order.
// Frames that aged out of both memory and overflow are simply absent: a
// truncated result is not an error here; coverage checks belong to callers.
func (s *Store) Range(from, to time.Time) []*types.Frame {
	if to.Before(from) {
		return nil
	}

	s.mu.Lock()
	live := s.frames[s.start:]
	lo := sort.Search(len(live), func(i int) bool { return !live[i].Timestamp.Before(from) })
	hi := sort.Search(len(live), func(i int) bool { return live[i].Timestamp.After(to) })
	memHits := make([]*types.Frame, hi-lo)
	copy(memHits, live[lo:hi])
	var memOldest uint64
	haveMem := len(live) > 0
	if haveMem {
		memOldest = live[0].Seq
	}
	s.mu.Unlock()

	if s.overflow == nil {
		return memHits
	}

	spilled := s.overflow.query(from, to)
	if haveMem && len(spilled) > 0 {
		// An offload pass registers its chunk before the victims leave
		// memory, so a frame can briefly be answerable from both sides.
		// Anything at or past the oldest frame of the memory snapshot is
		// still covered by memHits and must not come from overflow too.
		kept := spilled[:0]
		for _, f := range spilled {
			if f.Seq < memOldest {
				kept = append(kept, f)
			}
		}
		spilled = kept
	}
	if len(spilled) == 0 {
		return memHits
	}
	// Surviving spilled frames are strictly older than the memory snapshot,
	// so the two result sets concatenate without interleaving.
	return append(spilled, memHits...)
}

// Offload relocates the oldest fraction of buffered frames to the overflow
// store (or discards them in degraded mode). Called by the resource monitor,
// never by the producer path. Returns the number of frames moved out of
// memory.
func (s *Store) Offload(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}

	s.mu.Lock()
	live := s.frames[s.start:]
	n := int(float64(len(live)) * fraction)
	if n == 0 && len(live) > 0 && fraction > 0 {
		n = 1
	}
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	victims := make([]*types.Frame, n)
	copy(victims, live[:n])
	gen := s.gen
	s.mu.Unlock()

	// Disk write happens against the snapshot while the frames stay
	// visible in memory, so Range never observes a gap.
	var spillOK bool
	if s.overflow != nil {
		spillOK = s.overflow.spill(victims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// Cleared while spilling: the session is gone, drop the chunk too.
		if spillOK {
			s.overflow.clear()
		}
		return 0
	}

	for i := 0; i < n && s.start < len(s.frames); i++ {
		s.bytes -= s.frames[s.start].Size()
		s.frames[s.start] = nil
		s.start++
	}
	if !spillOK {
		s.dropped += uint64(n)
	}
	if s.opts.ThresholdBytes > 0 && s.bytes <= s.opts.ThresholdBytes {
		s.pressure = false
	}
	s.compactLocked()
	return n
}

// Clear drops all retained frames, memory and overflow. Session stop only.
func (s *Store) Clear() {
	s.mu.Lock()
	s.frames = nil
	s.start = 0
	s.bytes = 0
	s.gen++
	s.pressure = false
	s.mu.Unlock()

	if s.overflow != nil {
		s.overflow.clear()
	}
}

// Usage returns the current in-memory byte usage.
func (s *Store) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// UnderPressure reports whether usage exceeded the threshold and has not yet
// been brought back under it by an eviction pass.
func (s *Store) UnderPressure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure
}

// Len returns the number of frames held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) - s.start
}

// SpilledFrames returns the number of frames currently held on disk.
func (s *Store) SpilledFrames() int {
	if s.overflow == nil {
		return 0
	}
	return s.overflow.frames()
}

// DiskUsage returns the overflow store's on-disk byte usage.
func (s *Store) DiskUsage() int64 {
	if s.overflow == nil {
		return 0
	}
	return s.overflow.usage()
}

// Dropped returns the number of frames lost without reaching disk.
func (s *Store) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dropped
	if s.overflow != nil {
		d += s.overflow.droppedFrames()
	}
	return d
}

// OldestTimestamp returns the capture time of the oldest retained frame,
// considering both overflow and memory. ok is false when the store is empty.
func (s *Store) OldestTimestamp() (time.Time, bool) {
	if s.overflow != nil {
		if ts, ok := s.overflow.oldest(); ok {
			return ts, true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start >= len(s.frames) {
		return time.Time{}, false
	}
	return s.frames[s.start].Timestamp, true
}

// compactLocked reclaims the evicted prefix once it dominates the backing
// array. Amortized O(1) per Add.
func (s *Store) compactLocked() {
	if s.start > 0 && s.start >= len(s.frames)/2 {
		remaining := len(s.frames) - s.start
		copy(s.frames, s.frames[s.start:])
		for i := remaining; i < len(s.frames); i++ {
			s.frames[i] = nil
		}
		s.frames = s.frames[:remaining]
		s.start = 0
	}
}

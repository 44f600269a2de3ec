package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ostern42/smartbox-next-sub001/internal/recfile"
	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// ErrNotInitialized is returned by operations on a writer that has not been
// initialized or has already been finalized.
var ErrNotInitialized = errors.New("segment writer not initialized")

// Options configures a Writer.
type Options struct {
	// Root is the storage root; segments land under
	// <Root>/<sessionID>/<yyyymmdd>/seg_NNNNNN.sbx.
	Root string
	// QueueSize bounds the write queue between the producer and the disk
	// goroutine. When full, frames are dropped from persistence (never from
	// the in-memory store) and counted. Default 256.
	QueueSize int
	// FailureThreshold is the number of consecutive write failures after
	// which OnFatal fires. Zero disables escalation.
	FailureThreshold int
	// OnCompleted is invoked from the disk goroutine whenever a segment is
	// finalized, on rotation and on stop.
	OnCompleted func(Segment)
	// OnFatal is invoked at most once when consecutive write failures reach
	// FailureThreshold. The recorder escalates this to a session stop.
	OnFatal func(error)
}

// Writer appends the live stream to rotating segment files. All disk I/O
// happens on a single internal goroutine fed by a bounded queue, so Write
// returns without ever waiting on storage. Rotation and finalization go
// through a separate control channel and never contend with Write.
type Writer struct {
	opts Options
	log  *slog.Logger

	dir string

	frames chan *types.Frame
	ctl    chan ctlReq
	exited chan struct{}
	wg     sync.WaitGroup

	closed      atomic.Bool
	initialized bool
	initMu      sync.Mutex

	dropped    atomic.Uint64
	totalBytes atomic.Int64
	curSeq     atomic.Int64

	// Loop-owned state, touched only by run().
	cur      *recfile.Writer
	seg      Segment
	failures int
	fatal    bool
}

type ctlReq struct {
	at       time.Time
	finalize bool
	done     chan Segment
}

// NewWriter creates a segment writer. Initialize must be called before Write.
func NewWriter(opts Options, log *slog.Logger) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{opts: opts, log: log}
	w.closed.Store(true)
	return w
}

// Initialize opens segment 1 for the given session and starts the disk
// goroutine.
func (w *Writer) Initialize(sessionID string, start time.Time) error {
	w.initMu.Lock()
	defer w.initMu.Unlock()

	if w.initialized {
		return fmt.Errorf("segment writer already initialized")
	}

	w.dir = filepath.Join(w.opts.Root, sessionID, start.UTC().Format("20060102"))
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create segment dir: %w", err)
	}

	if err := w.openSegment(1, start); err != nil {
		return err
	}

	w.frames = make(chan *types.Frame, w.opts.QueueSize)
	w.ctl = make(chan ctlReq)
	w.exited = make(chan struct{})
	w.fatal = false
	w.failures = 0
	w.initialized = true
	w.closed.Store(false)

	w.wg.Add(1)
	go w.run()

	w.log.Info("segment writer initialized", "dir", w.dir, "segment", 1)
	return nil
}

// Write enqueues a frame for persistence. Non-blocking: if the disk
// goroutine is behind and the queue is full, the frame is dropped from the
// durable record (it remains in the frame store) and counted.
func (w *Writer) Write(frame *types.Frame) {
	if w.closed.Load() {
		return
	}
	select {
	case w.frames <- frame:
	default:
		w.dropped.Add(1)
	}
}

// Rotate finalizes the current segment with the given boundary time and
// opens the next one. The returned segment is the finalized one. Blocks
// until the rotation is durable; callers are the recorder's rotation loop,
// never the producer.
func (w *Writer) Rotate(at time.Time) (Segment, error) {
	if w.closed.Load() {
		return Segment{}, ErrNotInitialized
	}
	req := ctlReq{at: at, done: make(chan Segment, 1)}
	select {
	case w.ctl <- req:
		return <-req.done, nil
	case <-w.exited:
		return Segment{}, ErrNotInitialized
	}
}

// Finalize flushes and closes the open segment and stops the disk goroutine,
// draining everything already enqueued first. When Finalize returns, the
// file is safely closed; session stop relies on this.
func (w *Writer) Finalize(at time.Time) (Segment, error) {
	if !w.closed.CompareAndSwap(false, true) {
		return Segment{}, ErrNotInitialized
	}

	req := ctlReq{at: at, finalize: true, done: make(chan Segment, 1)}
	w.ctl <- req
	seg := <-req.done
	w.wg.Wait()

	w.initMu.Lock()
	w.initialized = false
	w.initMu.Unlock()
	return seg, nil
}

// Dropped returns the number of frames that never reached the durable
// record because the write queue was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// BytesWritten returns the cumulative bytes across all segments.
func (w *Writer) BytesWritten() int64 {
	return w.totalBytes.Load()
}

// CurrentSegment returns the sequence number of the open segment.
func (w *Writer) CurrentSegment() int {
	return int(w.curSeq.Load())
}

// run is the single disk goroutine. It owns the open file handle; nothing
// else touches it.
func (w *Writer) run() {
	defer w.wg.Done()
	defer close(w.exited)

	for {
		select {
		case frame := <-w.frames:
			w.writeFrame(frame)

		case req := <-w.ctl:
			// Frames enqueued before the boundary belong to the old
			// segment; drain them before closing it.
			w.drain()
			seg := w.closeSegment(req.at)
			if req.finalize {
				req.done <- seg
				return
			}
			if err := w.openSegment(seg.Seq+1, req.at); err != nil {
				w.log.Error("failed to open next segment", "error", err)
				w.escalate(err)
			}
			req.done <- seg
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case frame := <-w.frames:
			w.writeFrame(frame)
		default:
			return
		}
	}
}

func (w *Writer) writeFrame(frame *types.Frame) {
	if w.cur == nil {
		w.dropped.Add(1)
		return
	}

	if err := w.cur.Append(frame); err != nil {
		// Already flushed data is unaffected; this frame is lost from the
		// durable record. Sustained failure escalates.
		w.dropped.Add(1)
		w.failures++
		w.log.Error("segment write failed",
			"segment", w.seg.Seq,
			"seq", frame.Seq,
			"consecutive_failures", w.failures,
			"error", err,
		)
		if w.opts.FailureThreshold > 0 && w.failures >= w.opts.FailureThreshold {
			w.escalate(fmt.Errorf("%d consecutive segment write failures: %w", w.failures, err))
		}
		return
	}

	w.failures = 0
	w.seg.Frames++
	w.totalBytes.Add(w.cur.BytesWritten() - w.seg.Bytes)
	w.seg.Bytes = w.cur.BytesWritten()
}

func (w *Writer) openSegment(seq int, start time.Time) error {
	path := filepath.Join(w.dir, fmt.Sprintf("seg_%06d%s", seq, recfile.Extension))
	rw, err := recfile.Create(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %d: %w", seq, err)
	}
	w.cur = rw
	w.seg = Segment{Seq: seq, Path: path, StartedAt: start}
	w.curSeq.Store(int64(seq))
	return nil
}

func (w *Writer) closeSegment(at time.Time) Segment {
	if w.cur == nil {
		return w.seg
	}

	payload := w.seg.Bytes
	size, err := w.cur.Close()
	if err != nil {
		w.log.Error("segment close failed", "segment", w.seg.Seq, "error", err)
		size = payload
	}
	w.cur = nil

	w.seg.EndedAt = at
	w.seg.Bytes = size
	w.seg.Closed = true
	w.totalBytes.Add(size - payload)

	w.log.Info("segment finalized",
		"segment", w.seg.Seq,
		"path", w.seg.Path,
		"frames", w.seg.Frames,
		"bytes", size,
		"duration", w.seg.Duration(),
	)

	if w.opts.OnCompleted != nil {
		w.opts.OnCompleted(w.seg)
	}
	return w.seg
}

func (w *Writer) escalate(err error) {
	if w.fatal {
		return
	}
	w.fatal = true
	if w.opts.OnFatal != nil {
		// Off the disk goroutine: the fatal path calls back into the
		// recorder, which calls Finalize and must not deadlock.
		go w.opts.OnFatal(err)
	}
}

// Package recfile implements the on-disk frame container used for segment
// files, overflow spill chunks and exported clips. A recfile is a stream of
// msgpack-encoded records, one per frame, with no global header: any prefix
// of a recfile is itself a valid recfile, which is what makes crash-truncated
// segments readable up to the last flushed record.
package recfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ostern42/smartbox-next-sub001/internal/types"
)

// Extension is the file extension for frame container files.
const Extension = ".sbx"

// Record is one frame as stored on disk.
type Record struct {
	Meta types.FrameMeta `msgpack:"meta"`
	Data []byte          `msgpack:"data"`
}

// Writer appends frame records to a file. Not safe for concurrent use;
// the owning component serializes access.
type Writer struct {
	f       *os.File
	buf     *bufio.Writer
	enc     *msgpack.Encoder
	written int64
	frames  int
	closed  bool
}

// Create opens a new recfile for writing, truncating any existing file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recfile: %w", err)
	}

	buf := bufio.NewWriterSize(f, 256*1024)
	return &Writer{
		f:   f,
		buf: buf,
		enc: msgpack.NewEncoder(buf),
	}, nil
}

// Append writes one frame record.
func (w *Writer) Append(frame *types.Frame) error {
	if w.closed {
		return errors.New("recfile writer is closed")
	}

	rec := Record{Meta: frame.Meta(), Data: frame.Data}
	if err := w.enc.Encode(&rec); err != nil {
		return fmt.Errorf("failed to encode frame record: %w", err)
	}

	// Payload plus a small per-record envelope; exact on-disk size is
	// reconciled from the file at Close.
	w.written += frame.Size()
	w.frames++
	return nil
}

// Flush pushes buffered records to the OS.
func (w *Writer) Flush() error {
	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

// Frames returns the number of records appended so far.
func (w *Writer) Frames() int {
	return w.frames
}

// BytesWritten returns the payload bytes appended so far.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// Close flushes, syncs and closes the file, returning the final on-disk size.
// Sync before close is deliberate: a returned Close means the records are
// durable, which session stop relies on.
func (w *Writer) Close() (int64, error) {
	if w.closed {
		return w.written, nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return 0, fmt.Errorf("failed to flush recfile: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return 0, fmt.Errorf("failed to sync recfile: %w", err)
	}

	info, statErr := w.f.Stat()
	if err := w.f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close recfile: %w", err)
	}
	if statErr == nil {
		return info.Size(), nil
	}
	return w.written, nil
}

// Reader iterates the records of a recfile in order.
type Reader struct {
	f   *os.File
	dec *msgpack.Decoder
}

// Open opens a recfile for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recfile: %w", err)
	}
	return &Reader{
		f:   f,
		dec: msgpack.NewDecoder(bufio.NewReaderSize(f, 256*1024)),
	}, nil
}

// Next returns the next record, or io.EOF when the file is exhausted.
// A truncated trailing record (crash mid-write) is reported as io.EOF:
// everything before it has already been returned intact.
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode frame record: %w", err)
	}
	return &rec, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll decodes every record of the file at path. Intended for tests and
// small spill chunks, not multi-gigabyte segments.
func ReadAll(path string) ([]*Record, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var recs []*Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}

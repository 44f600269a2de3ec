package types

import "time"

// PixelFormat tags the layout of Frame.Data. The recorder never interprets
// pixel data; the tag travels with the frame so downstream consumers can.
type PixelFormat string

const (
	FormatBGR24 PixelFormat = "BGR24"
	FormatYUYV  PixelFormat = "YUYV"
	FormatMJPEG PixelFormat = "MJPEG"
)

// Frame represents a single captured video frame.
//
// IMMUTABILITY CONTRACT:
//   - Source: MUST NOT modify Data after handing the frame to the recorder
//   - Recorder components: MUST NOT modify Data (read-only, shared by reference)
//
// Frames flow zero-copy from the source channel into the frame store and the
// segment writer; enforcement is documentation-based.
type Frame struct {
	// Seq is a monotonic sequence number assigned by the source.
	Seq uint64
	// Timestamp is the capture time (UTC, from the source clock).
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format tags the layout of Data.
	Format PixelFormat
	// Data contains the raw frame bytes. MUST NOT be modified after ingest.
	Data []byte
	// KeyFrame marks frames that are decodable standalone.
	KeyFrame bool
	// TraceID is a unique identifier for tracing a frame across the pipeline.
	TraceID string
}

// Size returns the retained byte cost of the frame (payload only; the
// struct overhead is negligible against video payloads).
func (f *Frame) Size() int64 {
	return int64(len(f.Data))
}

// Meta returns the frame metadata without the payload.
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		KeyFrame:  f.KeyFrame,
	}
}

// FrameMeta contains frame metadata without the raw data.
type FrameMeta struct {
	Seq       uint64      `msgpack:"seq"`
	Timestamp time.Time   `msgpack:"ts"`
	Width     int         `msgpack:"w"`
	Height    int         `msgpack:"h"`
	Format    PixelFormat `msgpack:"fmt"`
	KeyFrame  bool        `msgpack:"key"`
}

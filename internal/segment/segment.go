// Package segment implements durable, rotating, append-only persistence of
// the live frame stream. One segment file covers one rotation window; the
// files of a session cover its timeline in order, without overlap.
package segment

import "time"

// Segment describes one finalized or in-progress on-disk unit.
type Segment struct {
	// Seq is the 1-based segment sequence number within the session.
	Seq int
	// Path is the absolute path of the segment file.
	Path string
	// StartedAt is the start of the rotation window. For segment k+1 this
	// equals segment k's EndedAt under continuous arrival.
	StartedAt time.Time
	// EndedAt is set when the segment is finalized.
	EndedAt time.Time
	// Frames is the number of frame records written.
	Frames int
	// Bytes is the final on-disk size. Zero while the segment is open.
	Bytes int64
	// Closed is true once the segment is flushed, closed and immutable.
	Closed bool
}

// Duration returns the covered time span of a finalized segment.
func (s Segment) Duration() time.Duration {
	if !s.Closed {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

package types

import "time"

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateRecording SessionState = "recording"
	StateStopping  SessionState = "stopping"
)

// Session describes one continuous recording run. At most one session is
// active at a time; the recorder owns all mutation.
type Session struct {
	// ID is a unique identifier assigned at start.
	ID string
	// Subject identifies who or what is being recorded.
	Subject string
	// StartedAt is the wall-clock start of the session.
	StartedAt time.Time
	// State is the current lifecycle state.
	State SessionState
	// Segment is the sequence number of the currently open segment (1-based).
	Segment int
}

// Stats is a read-only snapshot of recorder state for status queries.
type Stats struct {
	Recording      bool          `json:"recording"`
	SessionID      string        `json:"session_id,omitempty"`
	Subject        string        `json:"subject,omitempty"`
	Elapsed        time.Duration `json:"elapsed_ns"`
	TotalFrames    uint64        `json:"total_frames"`
	BufferedFrames int           `json:"buffered_frames"`
	SpilledFrames  int           `json:"spilled_frames"`
	DroppedFrames  uint64        `json:"dropped_frames"`
	MemoryBytes    int64         `json:"memory_bytes"`
	DiskBytes      int64         `json:"disk_bytes"`
	Segment        int           `json:"segment"`
}

// Package emitter publishes the recorder's observable events to external
// collaborators (UI, automation). Event payloads carry metadata only, never
// frame data.
package emitter

import (
	"encoding/json"
	"log/slog"
	"time"
)

// EventType identifies an observable event.
type EventType string

const (
	SessionStarted   EventType = "session_started"
	SessionStopped   EventType = "session_stopped"
	SegmentCompleted EventType = "segment_completed"
	MemoryPressure   EventType = "memory_pressure"
	ExportCompleted  EventType = "export_completed"
)

// Event is one observable occurrence in the recorder.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ToJSON marshals the event for the wire.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter delivers events to interested collaborators. Implementations must
// not block the caller for longer than their own publish timeout; the
// recorder emits from its supervisory loops, never from the producer path.
type Emitter interface {
	Emit(event Event)
}

// LogEmitter writes events to the structured log. It is the default when no
// broker is configured and the fallback sink in tests.
type LogEmitter struct {
	Log *slog.Logger
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("event emitted",
		"type", event.Type,
		"session_id", event.SessionID,
		"data", event.Data,
	)
}

// Multi fans one event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

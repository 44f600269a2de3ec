// Package catalog maintains a durable SQLite index of sessions and their
// segment files. The catalog is advisory: it serves status queries and
// post-hoc tooling, and a catalog failure never interrupts recording.
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ostern42/smartbox-next-sub001/internal/segment"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		startedAt REAL NOT NULL,
		stoppedAt REAL,
		stopReason TEXT
	);

	CREATE TABLE IF NOT EXISTS segments (
		sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		path TEXT NOT NULL,
		startedAt REAL NOT NULL,
		endedAt REAL NOT NULL,
		frames INTEGER NOT NULL,
		bytes INTEGER NOT NULL,
		PRIMARY KEY (sessionId, seq)
	);
`

// SessionRow is one catalog session record.
type SessionRow struct {
	ID         string
	Subject    string
	StartedAt  time.Time
	StoppedAt  *time.Time
	StopReason string
}

// SegmentRow is one catalog segment record.
type SegmentRow struct {
	SessionID string
	Seq       int
	Path      string
	StartedAt time.Time
	EndedAt   time.Time
	Frames    int
	Bytes     int64
}

// Catalog wraps the SQLite index.
type Catalog struct {
	db *sql.DB
}

// Open opens (and if needed initializes) the catalog database at path.
// Use ":memory:" for tests.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// SessionStarted records a new session.
func (c *Catalog) SessionStarted(id, subject string, startedAt time.Time) error {
	_, err := c.db.Exec(`
		INSERT INTO sessions (id, subject, startedAt) VALUES (?, ?, ?)
	`, id, subject, unix(startedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionStopped marks a session finished.
func (c *Catalog) SessionStopped(id string, stoppedAt time.Time, reason string) error {
	_, err := c.db.Exec(`
		UPDATE sessions SET stoppedAt = ?, stopReason = ? WHERE id = ?
	`, unix(stoppedAt), reason, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// SegmentCompleted records a finalized segment.
func (c *Catalog) SegmentCompleted(sessionID string, seg segment.Segment) error {
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO segments (sessionId, seq, path, startedAt, endedAt, frames, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, seg.Seq, seg.Path, unix(seg.StartedAt), unix(seg.EndedAt), seg.Frames, seg.Bytes)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// Segments returns a session's segments in sequence order.
func (c *Catalog) Segments(sessionID string) ([]SegmentRow, error) {
	rows, err := c.db.Query(`
		SELECT sessionId, seq, path, startedAt, endedAt, frames, bytes
		FROM segments
		WHERE sessionId = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var r SegmentRow
		var startedAt, endedAt float64
		if err := rows.Scan(&r.SessionID, &r.Seq, &r.Path, &startedAt, &endedAt, &r.Frames, &r.Bytes); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		r.StartedAt = timeFromUnix(startedAt)
		r.EndedAt = timeFromUnix(endedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSession returns the most recently started session, or nil.
func (c *Catalog) LatestSession() (*SessionRow, error) {
	row := c.db.QueryRow(`
		SELECT id, subject, startedAt, stoppedAt, stopReason
		FROM sessions
		ORDER BY startedAt DESC
		LIMIT 1
	`)

	var s SessionRow
	var startedAt float64
	var stoppedAt sql.NullFloat64
	var reason sql.NullString

	if err := row.Scan(&s.ID, &s.Subject, &startedAt, &stoppedAt, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.StartedAt = timeFromUnix(startedAt)
	if stoppedAt.Valid {
		t := timeFromUnix(stoppedAt.Float64)
		s.StoppedAt = &t
	}
	if reason.Valid {
		s.StopReason = reason.String
	}
	return &s, nil
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnix(v float64) time.Time {
	return time.Unix(0, int64(v*float64(time.Second))).UTC()
}

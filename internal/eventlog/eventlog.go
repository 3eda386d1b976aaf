// Package eventlog implements the durable session+event store: a
// relational store of sessions and events with a parent/child link,
// written asynchronously off the copy/verify hot path.
//
// Backed by modernc.org/sqlite (pure-Go, cgo-free) via database/sql. A
// relational sessions/events store is the natural fit here, and a real
// embedded engine is preferable to a bespoke file format built on the
// standard library alone.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/imageintact/backupcore/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	source_path  TEXT NOT NULL,
	file_count   INTEGER NOT NULL,
	total_bytes  INTEGER NOT NULL,
	tool_version TEXT NOT NULL,
	status       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT NOT NULL REFERENCES sessions(session_id),
	timestamp        TEXT NOT NULL,
	type             TEXT NOT NULL,
	severity         TEXT NOT NULL,
	file_path        TEXT,
	destination_path TEXT,
	size             INTEGER,
	digest           TEXT,
	error_message    TEXT,
	metadata         TEXT,
	duration_ms      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp);
`

// writeRequest is one queued mutation processed by the single background
// writer goroutine, keeping writes off the copy/verify hot path.
type writeRequest struct {
	exec func(ctx context.Context, db *sql.DB) error
	done chan error
}

// Logger is the EventLogger implementation.
type Logger struct {
	db        *sql.DB
	onWarn    func(error)
	sessionID string

	writes chan writeRequest
	done   chan struct{}
}

// Open creates (or attaches to) a SQLite-backed event store at path. Pass
// ":memory:" for an ephemeral store in tests.
func Open(ctx context.Context, path string, onWarn func(error)) (*Logger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %q (%w)", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to migrate event store schema: %w", err)
	}

	if onWarn == nil {
		onWarn = func(error) {}
	}

	l := &Logger{
		db:     db,
		onWarn: onWarn,
		writes: make(chan writeRequest, 256),
		done:   make(chan struct{}),
	}

	go l.drain(context.Background())

	return l, nil
}

// drain is the single background writer; it never blocks StartSession /
// LogEvent callers beyond enqueueing.
func (l *Logger) drain(ctx context.Context) {
	defer close(l.done)

	for req := range l.writes {
		err := req.exec(ctx, l.db)
		if err != nil {
			l.onWarn(err)
		}

		if req.done != nil {
			req.done <- err
		}
	}
}

func (l *Logger) enqueue(exec func(ctx context.Context, db *sql.DB) error) {
	l.writes <- writeRequest{exec: exec}
}

// Flush blocks until every write enqueued before this call has been
// applied, giving callers (report generation, tests) a deterministic
// sync point against the background writer.
func (l *Logger) Flush() {
	done := make(chan error, 1)
	l.writes <- writeRequest{exec: func(context.Context, *sql.DB) error { return nil }, done: done}
	<-done
}

// Close drains pending writes and closes the underlying database.
func (l *Logger) Close() error {
	close(l.writes)
	<-l.done

	return l.db.Close()
}

// StartSession records a new BackupSession and returns its session id. If
// sessionID is empty, a UUID is generated, grounded on kopia-kopia's
// direct use of github.com/google/uuid for content/session identity.
func (l *Logger) StartSession(sourcePath string, fileCount int, totalBytes int64, toolVersion string, sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	l.sessionID = sessionID
	startedAt := time.Now().UTC()

	l.enqueue(func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, started_at, source_path, file_count, total_bytes, tool_version, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, startedAt.Format(time.RFC3339), sourcePath, fileCount, totalBytes, toolVersion, string(model.SessionRunning),
		)

		return err
	})

	return sessionID
}

// LogEvent enqueues one event row for the background writer; the caller
// blocks only while the 256-slot write queue is full.
func (l *Logger) LogEvent(e model.Event) {
	e.SessionID = l.sessionID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.enqueue(func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO events (session_id, timestamp, type, severity, file_path, destination_path, size, digest, error_message, metadata, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.SessionID, e.Timestamp.Format(time.RFC3339Nano), string(e.Type), string(e.Severity),
			e.FilePath, e.DestinationPath, e.Size, e.Digest, e.ErrorMessage, e.Metadata, e.DurationMS,
		)

		return err
	})
}

// CompleteSession marks the current session terminal.
func (l *Logger) CompleteSession(status model.SessionStatus) {
	sessionID := l.sessionID
	completedAt := time.Now().UTC()

	l.enqueue(func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE sessions SET completed_at = ?, status = ? WHERE session_id = ?`,
			completedAt.Format(time.RFC3339), string(status), sessionID,
		)

		return err
	})
}

// LogCancellation records a cancel event plus one per-file cancel event
// for each task still in flight, then completes the session as cancelled
// so a resumed run can report what was interrupted.
func (l *Logger) LogCancellation(inFlight []string) {
	l.LogEvent(model.Event{Type: model.EventCancel, Severity: model.SeverityWarning})

	for _, path := range inFlight {
		l.LogEvent(model.Event{Type: model.EventCancel, Severity: model.SeverityWarning, FilePath: path})
	}

	l.CompleteSession(model.SessionCancelled)
}

// GenerateReport produces a stable, diffable text report: events sorted
// by timestamp ascending under fixed section headers.
func (l *Logger) GenerateReport(ctx context.Context, sessionID string) (string, error) {
	var sess model.BackupSession

	var completedAt sql.NullString

	row := l.db.QueryRowContext(ctx,
		`SELECT session_id, started_at, completed_at, source_path, file_count, total_bytes, tool_version, status
		 FROM sessions WHERE session_id = ?`, sessionID)

	var startedAt string

	if err := row.Scan(&sess.SessionID, &startedAt, &completedAt, &sess.SourcePath, &sess.FileCount, &sess.TotalBytes, &sess.ToolVersion, &sess.Status); err != nil {
		return "", fmt.Errorf("failed to load session: %q (%w)", sessionID, err)
	}

	events, err := l.loadEvents(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "SESSION %s\n", sess.SessionID)
	fmt.Fprintf(&b, "status: %s\n", sess.Status)
	fmt.Fprintf(&b, "source: %s\n", sess.SourcePath)
	fmt.Fprintf(&b, "files: %d  bytes: %d\n", sess.FileCount, sess.TotalBytes)
	b.WriteString("\nEVENTS\n")

	for _, e := range events {
		fmt.Fprintf(&b, "%s  %-6s  %-10s  %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Severity, e.Type, e.FilePath)
	}

	return b.String(), nil
}

// ExportJSON serializes a session and its events into the stable-key
// stable-key format consumed by external report tooling.
func (l *Logger) ExportJSON(ctx context.Context, sessionID string) ([]byte, error) {
	var sess model.BackupSession

	var completedAt sql.NullString

	var startedAt string

	row := l.db.QueryRowContext(ctx,
		`SELECT session_id, started_at, completed_at, source_path, file_count, total_bytes, tool_version, status
		 FROM sessions WHERE session_id = ?`, sessionID)

	if err := row.Scan(&sess.SessionID, &startedAt, &completedAt, &sess.SourcePath, &sess.FileCount, &sess.TotalBytes, &sess.ToolVersion, &sess.Status); err != nil {
		return nil, fmt.Errorf("failed to load session: %q (%w)", sessionID, err)
	}

	events, err := l.loadEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	type exportEvent struct {
		ID          int64   `json:"id"`
		Timestamp   string  `json:"timestamp"`
		Type        string  `json:"type"`
		Severity    string  `json:"severity"`
		File        *string `json:"file,omitempty"`
		Destination *string `json:"destination,omitempty"`
		FileSize    *int64  `json:"fileSize,omitempty"`
		Checksum    *string `json:"checksum,omitempty"`
		Error       *string `json:"error,omitempty"`
		DurationMS  *int64  `json:"durationMs,omitempty"`
	}

	exportEvents := make([]exportEvent, 0, len(events))

	for _, e := range events {
		ee := exportEvent{
			ID:        e.EventID,
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Type:      string(e.Type),
			Severity:  string(e.Severity),
		}
		if e.FilePath != "" {
			ee.File = &e.FilePath
		}

		if e.DestinationPath != "" {
			ee.Destination = &e.DestinationPath
		}

		if e.Size != 0 {
			ee.FileSize = &e.Size
		}

		if e.Digest != "" {
			ee.Checksum = &e.Digest
		}

		if e.ErrorMessage != "" {
			ee.Error = &e.ErrorMessage
		}

		if e.DurationMS != 0 {
			ee.DurationMS = &e.DurationMS
		}

		exportEvents = append(exportEvents, ee)
	}

	out := struct {
		SessionID   string        `json:"sessionID"`
		StartedAt   string        `json:"startedAt"`
		CompletedAt *string       `json:"completedAt"`
		Status      string        `json:"status"`
		SourceURL   string        `json:"sourceURL"`
		FileCount   int           `json:"fileCount"`
		TotalBytes  int64         `json:"totalBytes"`
		ToolVersion string        `json:"toolVersion"`
		Events      []exportEvent `json:"events"`
	}{
		SessionID:   sess.SessionID,
		StartedAt:   startedAt,
		Status:      string(sess.Status),
		SourceURL:   sess.SourcePath,
		FileCount:   sess.FileCount,
		TotalBytes:  sess.TotalBytes,
		ToolVersion: sess.ToolVersion,
		Events:      exportEvents,
	}

	if completedAt.Valid {
		out.CompletedAt = &completedAt.String
	}

	return json.Marshal(out)
}

func (l *Logger) loadEvents(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, timestamp, type, severity, COALESCE(file_path,''), COALESCE(destination_path,''),
		        COALESCE(size,0), COALESCE(digest,''), COALESCE(error_message,''), COALESCE(metadata,''), COALESCE(duration_ms,0)
		 FROM events WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []model.Event

	for rows.Next() {
		var e model.Event

		var ts string

		var typ, sev string

		if err := rows.Scan(&e.EventID, &ts, &typ, &sev, &e.FilePath, &e.DestinationPath, &e.Size, &e.Digest, &e.ErrorMessage, &e.Metadata, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		e.Type = model.EventType(typ)
		e.Severity = model.Severity(sev)

		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			e.Timestamp = parsed
		}

		events = append(events, e)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return events, rows.Err()
}

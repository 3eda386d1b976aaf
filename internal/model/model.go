// Package model holds the plain data types shared across the backup
// pipeline: the manifest entry, per-file task, per-destination status,
// failed-file record, session, and event.
package model

import "time"

// Priority orders FileTasks within a DestinationQueue.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// ManifestEntry is one immutable row of a built manifest.
//
// RelativePath is normalized forward-slash separated, never starts with
// a leading slash, and is unique within a manifest.
type ManifestEntry struct {
	RelativePath       string
	SourceAbsolutePath string
	SourceDigest       string
	SizeBytes          int64
	ImageWidth         int
	ImageHeight        int
}

// FileTask is one unit of work handed to a DestinationQueue.
type FileTask struct {
	Entry         ManifestEntry
	Priority      Priority
	AttemptCount  int
	LastErrorKind string
}

// DestinationState is the terminal/non-terminal state of a DestinationStatus.
type DestinationState string

const (
	DestIdle       DestinationState = "idle"
	DestCopying    DestinationState = "copying"
	DestVerifying  DestinationState = "verifying"
	DestCompleted  DestinationState = "completed"
	DestFailed     DestinationState = "failed"
	DestCancelled  DestinationState = "cancelled"
)

// DestinationStatus tracks one destination's progress through a run.
type DestinationStatus struct {
	Name        string
	Total       int
	Completed   int
	Verified    int
	Failed      int
	State       DestinationState
	CurrentFile string
}

// Terminal reports whether this destination has finished processing every
// task it was handed (completed + failed == total).
func (s DestinationStatus) Terminal() bool {
	return s.Completed+s.Failed == s.Total
}

// FailedFile is one diagnostic record in the bounded failed-file list.
type FailedFile struct {
	RelativePath    string
	DestinationName string
	ErrorKind       string
	Message         string
	AttemptCount    int
}

// SessionStatus is the terminal/non-terminal state of a BackupSession.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// BackupSession describes one invocation of the backup pipeline.
type BackupSession struct {
	SessionID   string
	StartedAt   time.Time
	CompletedAt *time.Time
	SourcePath  string
	FileCount   int
	TotalBytes  int64
	ToolVersion string
	Status      SessionStatus
}

// EventType enumerates the kinds of events EventLogger records.
type EventType string

const (
	EventStart      EventType = "start"
	EventScan       EventType = "scan"
	EventCopy       EventType = "copy"
	EventVerify     EventType = "verify"
	EventSkip       EventType = "skip"
	EventError      EventType = "error"
	EventCancel     EventType = "cancel"
	EventComplete   EventType = "complete"
	EventQuarantine EventType = "quarantine"
)

// Severity is the log-level-like severity of an Event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one row of the durable per-session event log.
type Event struct {
	EventID         int64
	Timestamp       time.Time
	SessionID       string
	Type            EventType
	Severity        Severity
	FilePath        string
	DestinationPath string
	Size            int64
	Digest          string
	ErrorMessage    string
	Metadata        string
	DurationMS      int64
}

// Action is the per-file outcome recorded into destination manifest CSVs.
type Action string

const (
	ActionCopied      Action = "COPIED"
	ActionSkipped     Action = "SKIPPED"
	ActionQuarantined Action = "QUARANTINED"
)

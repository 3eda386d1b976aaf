// Package artifact writes the on-disk provenance artifacts: per-destination
// CSV manifests, per-destination daily event CSVs, the source marker file,
// and quarantine directory/filename assignment.
//
// CSV output is stdlib encoding/csv. The quoting/escaping rules are
// fixed and the standard writer already implements them exactly, so
// there is nothing an ecosystem library would add.
package artifact

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/imageintact/backupcore/internal/hasher"
	"github.com/imageintact/backupcore/internal/model"
)

const flagsAppendCreate = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// ChecksumsDir, QuarantineDir and LogsDir are the bookkeeping
// directories owned exclusively by the pipeline.
const (
	ChecksumsDir  = ".imageintact_checksums"
	QuarantineDir = ".imageintact_quarantine"
	LogsDir       = ".imageintact_logs"
	SourceMarker  = ".imageintact_source"
)

var manifestHeader = []string{"file_path", "checksum", "algorithm", "file_size", "action", "timestamp"}

var eventHeader = []string{"timestamp", "session_id", "action", "source", "destination", "checksum", "algorithm", "file_size", "reason"}

// ManifestRow is one row appended to a destination's per-session manifest CSV.
type ManifestRow struct {
	FilePath  string
	Checksum  string
	FileSize  int64
	Action    model.Action
	Timestamp time.Time
}

// EventRow is one row appended to a destination's daily event CSV.
type EventRow struct {
	Timestamp   time.Time
	SessionID   string
	Action      model.Action
	Source      string
	Destination string
	Checksum    string
	FileSize    int64
	Reason      string
}

// Writer owns the provenance artifacts for one destination.
type Writer struct {
	fsys     afero.Fs
	destRoot string
}

// NewWriter returns a Writer rooted at destRoot.
func NewWriter(fsys afero.Fs, destRoot string) *Writer {
	return &Writer{fsys: fsys, destRoot: destRoot}
}

// ManifestPath returns the per-session manifest path:
// .imageintact_checksums/manifest_<yyyymmdd_HHmmss>_<session_id>.csv
func (w *Writer) ManifestPath(sessionID string, startedAt time.Time) string {
	name := fmt.Sprintf("manifest_%s_%s.csv", startedAt.UTC().Format("20060102_150405"), sessionID)

	return filepath.Join(w.destRoot, ChecksumsDir, name)
}

// EventLogPath returns today's daily event CSV path.
func (w *Writer) EventLogPath(day time.Time) string {
	name := fmt.Sprintf("imageintact_%s.csv", day.UTC().Format("2006-01-02"))

	return filepath.Join(w.destRoot, LogsDir, name)
}

// WriteManifest writes (or overwrites) the full per-session manifest in
// one pass; rows must already be in the order they should appear.
func (w *Writer) WriteManifest(sessionID string, startedAt time.Time, rows []ManifestRow) error {
	path := w.ManifestPath(sessionID, startedAt)

	if err := w.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checksums directory: %q (%w)", filepath.Dir(path), err)
	}

	f, err := w.fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %q (%w)", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)

	if err := cw.Write(manifestHeader); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}

	for _, r := range rows {
		record := []string{
			r.FilePath,
			r.Checksum,
			hasher.Algorithm,
			strconv.FormatInt(r.FileSize, 10),
			string(r.Action),
			r.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write manifest row for %q: %w", r.FilePath, err)
		}
	}

	cw.Flush()

	return cw.Error()
}

// AppendEvent appends one row to today's daily event CSV, writing the
// header first if the file does not yet exist.
func (w *Writer) AppendEvent(row EventRow) error {
	path := w.EventLogPath(row.Timestamp)

	if err := w.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %q (%w)", filepath.Dir(path), err)
	}

	needsHeader := true
	if info, err := w.fsys.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}

	f, err := w.fsys.OpenFile(path, flagsAppendCreate, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %q (%w)", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)

	if needsHeader {
		if err := cw.Write(eventHeader); err != nil {
			return fmt.Errorf("failed to write event log header: %w", err)
		}
	}

	record := []string{
		row.Timestamp.UTC().Format(time.RFC3339),
		row.SessionID,
		string(row.Action),
		row.Source,
		row.Destination,
		row.Checksum,
		hasher.Algorithm,
		strconv.FormatInt(row.FileSize, 10),
		row.Reason,
	}

	if err := cw.Write(record); err != nil {
		return fmt.Errorf("failed to write event log row: %w", err)
	}

	cw.Flush()

	return cw.Error()
}

// sourceMarker is the JSON shape of the .imageintact_source file.
type sourceMarker struct {
	SourceID   string `json:"source_id"`
	TaggedDate string `json:"tagged_date"`
	AppVersion string `json:"app_version"`
}

// WriteSourceMarker writes the source marker file once, at the moment a
// folder is designated a source. sourceRoot must not already carry one.
func WriteSourceMarker(fsys afero.Fs, sourceRoot, appVersion string, taggedAt time.Time) (string, error) {
	id := uuid.NewString()

	marker := sourceMarker{
		SourceID:   id,
		TaggedDate: taggedAt.UTC().Format(time.RFC3339),
		AppVersion: appVersion,
	}

	data, err := json.Marshal(marker)
	if err != nil {
		return "", fmt.Errorf("failed to encode source marker: %w", err)
	}

	path := filepath.Join(sourceRoot, SourceMarker)

	if err := afero.WriteFile(fsys, path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write source marker: %q (%w)", path, err)
	}

	return id, nil
}

// HasSourceMarker reports whether path already carries a source marker,
// used to refuse selecting an existing source as a new destination.
func HasSourceMarker(fsys afero.Fs, root string) bool {
	_, err := fsys.Stat(filepath.Join(root, SourceMarker))

	return err == nil
}

// QuarantinePath computes the destination path for a displaced file,
// generating the `<stem>_<yyyymmdd_HHMMSS>.<ext>` name and
// resolving within-the-same-second collisions by appending `_<n>`.
func QuarantinePath(fsys afero.Fs, destRoot, relPath string, at time.Time) (string, error) {
	ext := filepath.Ext(relPath)
	stem := strings.TrimSuffix(filepath.Base(relPath), ext)
	ts := at.UTC().Format("20060102_150405")

	dir := filepath.Join(destRoot, QuarantineDir)

	base := fmt.Sprintf("%s_%s%s", stem, ts, ext)

	candidate := filepath.Join(dir, base)
	if _, err := fsys.Stat(candidate); err != nil {
		return candidate, nil
	}

	for n := 1; ; n++ {
		base := fmt.Sprintf("%s_%s_%d%s", stem, ts, n, ext)

		candidate := filepath.Join(dir, base)
		if _, err := fsys.Stat(candidate); err != nil {
			return candidate, nil
		}
	}
}

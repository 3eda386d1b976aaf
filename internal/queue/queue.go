// Package queue implements the per-destination worker pool driving the
// pending -> copying -> verifying -> done|failed state machine for one
// destination root, including the skip/replace/quarantine branches.
// Concurrency is bounded via golang.org/x/sync/errgroup.
package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/imageintact/backupcore/internal/artifact"
	"github.com/imageintact/backupcore/internal/fileops"
	"github.com/imageintact/backupcore/internal/hasher"
	"github.com/imageintact/backupcore/internal/model"
	"github.com/imageintact/backupcore/internal/retrypolicy"
)

// EventSink is the narrow capability interface the queue logs through,
// satisfied by *eventlog.Logger; kept narrow so tests can
// supply an in-memory fake.
type EventSink interface {
	LogEvent(model.Event)
}

// ProgressSink is the narrow capability interface the queue publishes
// through, satisfied by *progress.Publisher.
type ProgressSink interface {
	UpdateDestination(model.DestinationStatus)
	RecordBytesTransferred(int64)
	RecordFailure(model.FailedFile)
}

// Config controls one DestinationQueue.
type Config struct {
	Name             string
	DestRoot         string
	SourceRoot       string
	OrganizationName string
	Concurrency      int
	MaxRetries       int
}

// Queue is one DestinationQueue: bounded worker pool over a single
// destination root.
type Queue struct {
	cfg   Config
	fsys  afero.Fs
	ops   fileops.FileOps
	log   EventSink
	prog  ProgressSink
	clock func() time.Time

	rowsMu sync.Mutex
	rows   []artifact.ManifestRow

	statusMu sync.Mutex
	status   model.DestinationStatus
}

// New constructs a Queue. fsys is the same afero.Fs ops is built on,
// needed directly here for Hasher.Digest and quarantine-path collision
// checks. clock defaults to time.Now when nil, overridable for
// deterministic tests.
func New(cfg Config, fsys afero.Fs, ops fileops.FileOps, log EventSink, prog ProgressSink, clock func() time.Time) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = retrypolicy.DefaultMaxAttempts
	}

	if clock == nil {
		clock = time.Now
	}

	return &Queue{
		cfg:    cfg,
		fsys:   fsys,
		ops:    ops,
		log:    log,
		prog:   prog,
		clock:  clock,
		status: model.DestinationStatus{Name: cfg.Name, State: model.DestIdle},
	}
}

// Run drives every entry in manifest through the per-file state machine,
// bounded by cfg.Concurrency, and returns once every task is terminal or
// ctx is cancelled. It never processes a subset of manifest: the
// all-destinations-get-all-files invariant is satisfied by
// the caller handing the identical manifest slice to every Queue.
func (q *Queue) Run(ctx context.Context, manifest []model.ManifestEntry) error {
	q.setStatus(func(s *model.DestinationStatus) {
		s.Total = len(manifest)
		s.State = model.DestCopying
	})

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(q.cfg.Concurrency)

	for _, entry := range manifest {
		entry := entry

		group.Go(func() error {
			q.processOne(gctx, entry)

			return nil
		})
	}

	_ = group.Wait()

	terminal := model.DestCompleted

	q.statusMu.Lock()
	if q.status.Failed > 0 {
		terminal = model.DestFailed
	}

	if ctx.Err() != nil {
		terminal = model.DestCancelled
	}
	q.statusMu.Unlock()

	q.setStatus(func(s *model.DestinationStatus) {
		s.State = terminal
		s.CurrentFile = ""
	})

	return nil
}

// Rows returns the accumulated manifest rows for this destination, in
// completion order, for ManifestWriter to persist.
func (q *Queue) Rows() []artifact.ManifestRow {
	q.rowsMu.Lock()
	defer q.rowsMu.Unlock()

	out := make([]artifact.ManifestRow, len(q.rows))
	copy(out, q.rows)

	return out
}

func (q *Queue) destPath(entry model.ManifestEntry) string {
	if q.cfg.OrganizationName != "" {
		return filepath.Join(q.cfg.DestRoot, q.cfg.OrganizationName, filepath.FromSlash(entry.RelativePath))
	}

	return filepath.Join(q.cfg.DestRoot, filepath.FromSlash(entry.RelativePath))
}

func (q *Queue) processOne(ctx context.Context, entry model.ManifestEntry) {
	if ctx.Err() != nil {
		return
	}

	q.setStatus(func(s *model.DestinationStatus) { s.CurrentFile = entry.RelativePath })

	dest := q.destPath(entry)

	if err := q.ops.CreateDirAll(filepath.Dir(dest)); err != nil {
		q.fail(entry, dest, err)

		return
	}

	exists, err := q.ops.Exists(dest)
	if err != nil {
		q.fail(entry, dest, err)

		return
	}

	if exists {
		digest, err := hasher.Digest(ctx, q.fsys, dest)
		if err == nil && digest == entry.SourceDigest {
			q.skip(entry, dest)

			return
		}

		if qerr := q.quarantine(dest, entry.RelativePath); qerr != nil {
			q.fail(entry, dest, qerr)

			return
		}
	}

	_, copyErr := retrypolicy.Execute(ctx, fmt.Sprintf("copy %s -> %s", entry.RelativePath, q.cfg.Name), q.cfg.MaxRetries,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, q.ops.Copy(ctx, q.cfg.SourceRoot, q.cfg.DestRoot, entry.SourceAbsolutePath, dest)
		})
	if copyErr != nil {
		q.fail(entry, dest, copyErr)

		return
	}

	q.prog.RecordBytesTransferred(entry.SizeBytes)

	_ = q.ops.XattrCopy(entry.SourceAbsolutePath, dest)

	digest, err := hasher.Digest(ctx, q.fsys, dest)
	if err != nil {
		q.fail(entry, dest, err)

		return
	}

	if digest != entry.SourceDigest {
		if qerr := q.quarantine(dest, entry.RelativePath); qerr != nil {
			q.fail(entry, dest, qerr)

			return
		}

		q.fail(entry, dest, retrypolicy.Classify(retrypolicy.KindChecksumMismatch, fmt.Errorf("verify mismatch: %q", entry.RelativePath)))

		return
	}

	now := q.clock()

	q.log.LogEvent(model.Event{
		Type:            model.EventCopy,
		FilePath:        entry.RelativePath,
		DestinationPath: dest,
		Size:            entry.SizeBytes,
		Digest:          digest,
		Timestamp:       now,
	})

	q.appendRow(artifact.ManifestRow{
		FilePath:  entry.RelativePath,
		Checksum:  digest,
		FileSize:  entry.SizeBytes,
		Action:    model.ActionCopied,
		Timestamp: now,
	})

	q.setStatus(func(s *model.DestinationStatus) {
		s.Completed++
		s.Verified++
	})
	q.prog.UpdateDestination(q.snapshotStatus())
}

func (q *Queue) skip(entry model.ManifestEntry, dest string) {
	now := q.clock()

	q.log.LogEvent(model.Event{
		Type:            model.EventSkip,
		FilePath:        entry.RelativePath,
		DestinationPath: dest,
		Size:            entry.SizeBytes,
		Digest:          entry.SourceDigest,
		Timestamp:       now,
	})

	q.appendRow(artifact.ManifestRow{
		FilePath:  entry.RelativePath,
		Checksum:  entry.SourceDigest,
		FileSize:  entry.SizeBytes,
		Action:    model.ActionSkipped,
		Timestamp: now,
	})

	q.setStatus(func(s *model.DestinationStatus) {
		s.Completed++
		s.Verified++
	})
	q.prog.UpdateDestination(q.snapshotStatus())
}

func (q *Queue) quarantine(dest, relPath string) error {
	now := q.clock()

	qpath, err := artifact.QuarantinePath(q.fsys, q.cfg.DestRoot, relPath, now)
	if err != nil {
		return err
	}

	if err := q.ops.CreateDirAll(filepath.Dir(qpath)); err != nil {
		return err
	}

	if err := q.ops.Rename(q.cfg.DestRoot, dest, qpath); err != nil {
		return err
	}

	q.log.LogEvent(model.Event{
		Type:            model.EventQuarantine,
		FilePath:        relPath,
		DestinationPath: qpath,
		Timestamp:       now,
	})

	q.appendRow(artifact.ManifestRow{
		FilePath:  relPath,
		Action:    model.ActionQuarantined,
		Timestamp: now,
	})

	return nil
}

func (q *Queue) fail(entry model.ManifestEntry, dest string, err error) {
	kind := retrypolicy.KindOf(err)

	q.log.LogEvent(model.Event{
		Type:            model.EventError,
		Severity:        model.SeverityError,
		FilePath:        entry.RelativePath,
		DestinationPath: dest,
		ErrorMessage:    err.Error(),
		Timestamp:       q.clock(),
	})

	q.prog.RecordFailure(model.FailedFile{
		RelativePath:    entry.RelativePath,
		DestinationName: q.cfg.Name,
		ErrorKind:       string(kind),
		Message:         err.Error(),
	})

	q.setStatus(func(s *model.DestinationStatus) { s.Failed++ })
	q.prog.UpdateDestination(q.snapshotStatus())
}

func (q *Queue) appendRow(row artifact.ManifestRow) {
	q.rowsMu.Lock()
	q.rows = append(q.rows, row)
	q.rowsMu.Unlock()
}

func (q *Queue) setStatus(mutate func(*model.DestinationStatus)) {
	q.statusMu.Lock()
	mutate(&q.status)
	q.statusMu.Unlock()
}

func (q *Queue) snapshotStatus() model.DestinationStatus {
	q.statusMu.Lock()
	defer q.statusMu.Unlock()

	return q.status
}

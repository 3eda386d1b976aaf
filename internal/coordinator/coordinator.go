// Package coordinator implements the backup run's lifecycle state
// machine: building the manifest, fanning it out to one queue per
// destination, aggregating progress, and handling cooperative
// cancellation across every in-flight destination.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/imageintact/backupcore/internal/artifact"
	"github.com/imageintact/backupcore/internal/dedup"
	"github.com/imageintact/backupcore/internal/fileops"
	"github.com/imageintact/backupcore/internal/manifest"
	"github.com/imageintact/backupcore/internal/model"
	"github.com/imageintact/backupcore/internal/progress"
	"github.com/imageintact/backupcore/internal/queue"
	"github.com/imageintact/backupcore/internal/retrypolicy"
)

// SessionStore is the narrow capability interface the Coordinator drives
// EventLogger through.
type SessionStore interface {
	StartSession(sourcePath string, fileCount int, totalBytes int64, toolVersion, sessionID string) string
	LogEvent(model.Event)
	CompleteSession(model.SessionStatus)
	LogCancellation(inFlight []string)
}

const (
	localConcurrency    = 8
	externalConcurrency = 4
	networkConcurrency  = 1
)

// Options configures one backup run.
type Options struct {
	SourcePath       string
	Destinations     []string
	Filter           manifest.Filter
	DedupPolicy      dedup.Policy
	OrganizationName string
	MaxRetries       int
	ToolVersion      string
	SessionID        string
}

// Coordinator owns the full lifecycle of one backup run: idle ->
// analyzing_source -> building_manifest -> analyzing_destinations ->
// copying -> verifying -> complete | cancelled | failed.
type Coordinator struct {
	fsys  afero.Fs
	ops   fileops.FileOps
	prog  *progress.Publisher
	store SessionStore
	clock func() time.Time

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	queues     map[string]*queue.Queue
}

// New constructs a Coordinator. clock defaults to time.Now when nil.
func New(fsys afero.Fs, ops fileops.FileOps, prog *progress.Publisher, store SessionStore, clock func() time.Time) *Coordinator {
	if clock == nil {
		clock = time.Now
	}

	return &Coordinator{fsys: fsys, ops: ops, prog: prog, store: store, clock: clock, queues: make(map[string]*queue.Queue)}
}

// Cancel requests cooperative cancellation of the in-flight run.
// Idempotent: multiple cancels coalesce.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// Run executes one complete backup: scan, analyze, fan out, verify,
// persist artifacts. It returns the final SessionStatus and the first
// fatal error encountered, if any; per-file failures are not fatal and
// are surfaced via ProgressPublisher.Snapshot().FailedFiles instead.
func (c *Coordinator) Run(ctx context.Context, opts Options) (model.SessionStatus, error) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	defer cancel()

	sessionID := c.store.StartSession(opts.SourcePath, 0, 0, opts.ToolVersion, opts.SessionID)

	c.prog.SetPhase(progress.PhaseAnalyzingSource)
	c.store.LogEvent(model.Event{Type: model.EventStart, Severity: model.SeverityInfo, Timestamp: c.clock()})

	c.prog.SetPhase(progress.PhaseBuildingManifest)

	entries, err := manifest.Build(runCtx, c.fsys, opts.SourcePath, opts.Filter, func(path, reason string) {
		eventType := model.EventScan
		severity := model.SeverityWarning

		if reason == "symlink" {
			eventType = model.EventSkip
			severity = model.SeverityInfo
		}

		c.store.LogEvent(model.Event{Type: eventType, Severity: severity, FilePath: path, ErrorMessage: reason, Timestamp: c.clock()})
	})
	if err != nil {
		if retrypolicy.KindOf(err) == retrypolicy.KindCancelled {
			return c.finish(runCtx, model.SessionCancelled, nil)
		}

		return c.finish(runCtx, model.SessionFailed, fmt.Errorf("failed to build manifest: %w", err))
	}

	c.prog.SetPhase(progress.PhaseAnalyzingDestinations)

	var totalBytes int64
	for _, e := range entries {
		totalBytes += e.SizeBytes
	}

	type destResult struct {
		manifest []model.ManifestEntry
		err      error
	}

	results := make(map[string]destResult, len(opts.Destinations))

	dedupPolicy := opts.DedupPolicy
	dedupPolicy.OrganizationDir = opts.OrganizationName

	for _, destRoot := range opts.Destinations {
		filtered, analysis, err := dedup.Classify(runCtx, c.fsys, destRoot, entries, dedupPolicy)
		if err != nil {
			results[destRoot] = destResult{err: err}

			continue
		}

		c.store.LogEvent(model.Event{
			Type:     model.EventScan,
			Severity: model.SeverityInfo,
			Metadata: fmt.Sprintf("unique=%d exact_duplicates=%d renamed_duplicates=%d", analysis.UniqueFiles, len(analysis.ExactDuplicates), len(analysis.RenamedDuplicates)),
			Timestamp: c.clock(),
		})

		results[destRoot] = destResult{manifest: filtered}
	}

	c.prog.StartBackup(len(entries), totalBytes, opts.Destinations)

	perDestManifest := make(map[string][]model.ManifestEntry, len(opts.Destinations))

	var live []string

	for _, destRoot := range opts.Destinations {
		res := results[destRoot]
		if res.err != nil {
			c.store.LogEvent(model.Event{
				Type:            model.EventError,
				Severity:        model.SeverityError,
				DestinationPath: destRoot,
				ErrorMessage:    res.err.Error(),
				Timestamp:       c.clock(),
			})

			c.prog.UpdateDestination(model.DestinationStatus{Name: destRoot, State: model.DestFailed})
			c.prog.RecordFailure(model.FailedFile{
				DestinationName: destRoot,
				ErrorKind:       string(retrypolicy.KindOf(res.err)),
				Message:         res.err.Error(),
			})

			continue
		}

		live = append(live, destRoot)
		perDestManifest[destRoot] = res.manifest
	}

	if len(live) == 0 {
		return c.finish(runCtx, model.SessionFailed, fmt.Errorf("every destination failed analysis"))
	}

	c.prog.SetPhase(progress.PhaseCopying)

	group, gctx := errgroup.WithContext(runCtx)

	for _, destRoot := range live {
		destRoot := destRoot

		q := queue.New(queue.Config{
			Name:             destRoot,
			DestRoot:         destRoot,
			SourceRoot:       opts.SourcePath,
			OrganizationName: opts.OrganizationName,
			Concurrency:      c.concurrencyFor(opts.SourcePath, destRoot),
			MaxRetries:       opts.MaxRetries,
		}, c.fsys, c.ops, c.store, c.prog, c.clock)

		c.mu.Lock()
		c.queues[destRoot] = q
		c.mu.Unlock()

		group.Go(func() error {
			return q.Run(gctx, perDestManifest[destRoot])
		})
	}

	_ = group.Wait()

	c.prog.SetPhase(progress.PhaseVerifying)

	for _, destRoot := range live {
		c.mu.Lock()
		q := c.queues[destRoot]
		c.mu.Unlock()

		w := artifact.NewWriter(c.fsys, destRoot)

		startedAt := c.clock()
		if err := w.WriteManifest(sessionID, startedAt, q.Rows()); err != nil {
			c.store.LogEvent(model.Event{Type: model.EventError, Severity: model.SeverityError, DestinationPath: destRoot, ErrorMessage: err.Error(), Timestamp: c.clock()})
		}

		for _, row := range q.Rows() {
			_ = w.AppendEvent(artifact.EventRow{
				Timestamp:   row.Timestamp,
				SessionID:   sessionID,
				Action:      row.Action,
				Source:      opts.SourcePath,
				Destination: destRoot,
				Checksum:    row.Checksum,
				FileSize:    row.FileSize,
			})
		}
	}

	if runCtx.Err() != nil {
		return c.finish(runCtx, model.SessionCancelled, nil)
	}

	c.prog.CompleteBackup()

	return c.finish(runCtx, model.SessionCompleted, nil)
}

// finish records the terminal session status and, for a cancellation,
// the set of files that were still in flight.
func (c *Coordinator) finish(ctx context.Context, status model.SessionStatus, runErr error) (model.SessionStatus, error) {
	if status == model.SessionCancelled {
		snap := c.prog.Snapshot()

		var inFlight []string

		for _, d := range snap.Destinations {
			if d.CurrentFile != "" && !d.Terminal() {
				inFlight = append(inFlight, d.CurrentFile)
			}
		}

		c.store.LogCancellation(inFlight)

		return status, runErr
	}

	c.store.CompleteSession(status)
	c.store.LogEvent(model.Event{Type: model.EventComplete, Severity: model.SeverityInfo, Timestamp: c.clock()})

	return status, runErr
}

// concurrencyFor clamps the worker pool size to the bracket matching the
// destination's filesystem class: local <= 8, external <= 4,
// network == 1 (effective concurrency enforced by FileOps's single-writer
// lock, but the pool itself is sized down to match). A destination
// mounted on the same device as the source is treated as local; a
// separately-mounted non-network destination (USB, external SSD) as
// external.
func (c *Coordinator) concurrencyFor(sourceRoot, destRoot string) int {
	if isNet, err := c.ops.IsNetworkVolume(destRoot); err == nil && isNet {
		return networkConcurrency
	}

	if same, err := c.ops.SameDevice(sourceRoot, destRoot); err == nil && same {
		return localConcurrency
	}

	return externalConcurrency
}

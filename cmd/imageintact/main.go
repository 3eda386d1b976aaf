/*
imageintact is a CLI utility that backs up a photographer's source tree to
one or more destinations in parallel, verifying every copy by digest and
quarantining any destination file whose content no longer matches what
was last written there.

# USAGE

	imageintact --source=ABSPATH --destination=ABSPATH [--destination=ABSPATH ...] [flags]

Run --help for the full flag set; flags always win over a --config YAML
file for any key set on both.

# RETURN CODES

  - `0`: Success
  - `1`: Failure
  - `2`: Partial failure (one or more files failed, including files
    quarantined after a failed verification)
  - `5`: Invalid command-line arguments and/or configuration file

(c) 2026 - imageintact contributors / License: GNU General Public License v2
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/imageintact/backupcore/internal/command"
	"github.com/imageintact/backupcore/internal/config"
	"github.com/imageintact/backupcore/internal/coordinator"
	"github.com/imageintact/backupcore/internal/dedup"
	"github.com/imageintact/backupcore/internal/eventlog"
	"github.com/imageintact/backupcore/internal/fileops"
	"github.com/imageintact/backupcore/internal/manifest"
	"github.com/imageintact/backupcore/internal/model"
	"github.com/imageintact/backupcore/internal/obslog"
	"github.com/imageintact/backupcore/internal/progress"
)

const (
	exitCodeSuccess       = 0
	exitCodeFailure       = 1
	exitCodePartial       = 2
	exitCodeConfigFailure = 5

	exitTimeout = 10 * time.Second
)

// Version is filled in during compilation.
var Version = "dev"

type program struct {
	fsys   afero.Fs
	stdout *os.File
	stderr *os.File

	opts  config.Options
	log   *slog.Logger
	store *eventlog.Logger
	prog  *progress.Publisher
	coord *coordinator.Coordinator

	provokeTestPanic bool
}

func main() {
	var prog *program

	var exitCode int

	defer func() {
		if prog != nil && prog.log != nil {
			prog.log.Info("program exited", "code", exitCode)
		}

		os.Exit(exitCode)
	}()

	fmt.Fprintf(os.Stdout, "imageintact (v%s) - verified multi-destination backups.\n\n", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan int, 1)

	prog, err := newProgram(context.Background(), os.Args, afero.NewOsFs(), os.Stdout, os.Stderr)
	if prog == nil || err != nil {
		exitCode = exitCodeConfigFailure

		return
	}
	defer prog.store.Close()

	go func() {
		code, _ := prog.run(ctx, command.Run{})
		doneChan <- code
	}()

	select {
	case code := <-doneChan:
		exitCode = code

		return

	case <-sigChan:
		prog.log.Warn("received interrupt signal; shutting down (waiting up to 10s)...")
		prog.coord.Cancel()
		cancel()

		select {
		case code := <-doneChan:
			exitCode = code

			return

		case <-time.After(exitTimeout):
			prog.log.Error("timed out while waiting for program exit; killing...", "error-type", "fatal")
			exitCode = exitCodeFailure

			return
		}
	}
}

func newProgram(ctx context.Context, cliArgs []string, fsys afero.Fs, stdout, stderr *os.File) (*program, error) {
	loader := config.NewLoader(fsys, stderr)

	opts, err := loader.Parse(cliArgs)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: failed to parse configuration: %v\n\n", err)

		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := config.Validate(opts); err != nil {
		fmt.Fprintf(stderr, "fatal: failed to validate configuration: %v\n\n", err)

		return nil, fmt.Errorf("failed to validate configuration: %w", err)
	}

	opts.AppVersion = Version

	if err := config.Print(stdout, opts); err != nil {
		fmt.Fprintf(stderr, "fatal: failed to print configuration: %v\n\n", err)

		return nil, fmt.Errorf("failed to print configuration: %w", err)
	}

	storePath := opts.EventStorePath
	if storePath == "" {
		storePath = ":memory:"
	}

	log := slog.New(obslog.New(stderr, opts.LogLevel, opts.JSON))

	store, err := eventlog.Open(ctx, storePath, func(err error) {
		log.Error("event store write failed", "error", err)
	})
	if err != nil {
		fmt.Fprintf(stderr, "fatal: failed to open event store: %v\n\n", err)

		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	ops := fileops.New(fsys).WithIOTimeout(time.Duration(opts.IOTimeoutSeconds) * time.Second)
	pub := progress.New()
	coord := coordinator.New(fsys, ops, pub, store, nil)

	return &program{
		fsys:   fsys,
		stdout: stdout,
		stderr: stderr,
		opts:   opts,
		log:    log,
		store:  store,
		prog:   pub,
		coord:  coord,
	}, nil
}

func (prog *program) run(ctx context.Context, cmd command.Command) (retExitCode int, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			prog.log.Error("internal panic recovered", "error", r, "error-type", "fatal")
			debug.PrintStack()
			retExitCode = exitCodeFailure
		}
	}()

	switch cmd := cmd.(type) {
	case command.Run:
		return prog.runBackup(ctx)
	case command.Cancel:
		prog.coord.Cancel()

		return exitCodeSuccess, nil
	case command.Export:
		return prog.runExport(ctx, cmd)
	default:
		return exitCodeFailure, fmt.Errorf("unsupported command: %T", cmd)
	}
}

func (prog *program) runExport(ctx context.Context, cmd command.Export) (int, error) {
	if cmd.AsJSON {
		data, err := prog.store.ExportJSON(ctx, cmd.SessionID)
		if err != nil {
			prog.log.Error("export failed", "error", err, "error-type", "fatal")

			return exitCodeFailure, fmt.Errorf("export failed: %w", err)
		}

		fmt.Fprintln(prog.stdout, string(data))

		return exitCodeSuccess, nil
	}

	report, err := prog.store.GenerateReport(ctx, cmd.SessionID)
	if err != nil {
		prog.log.Error("export failed", "error", err, "error-type", "fatal")

		return exitCodeFailure, fmt.Errorf("export failed: %w", err)
	}

	fmt.Fprintln(prog.stdout, report)

	return exitCodeSuccess, nil
}

func (prog *program) runBackup(ctx context.Context) (int, error) {
	filter := manifest.Filter{
		IncludeSubdirectories: prog.opts.IncludeSubdirectories,
		ExcludeCacheFiles:     prog.opts.ExcludeCacheFiles,
		Classes:               classesFor(prog.opts.FileTypeFilter),
	}

	if prog.opts.DryRun {
		prog.log.Warn("running in dry mode - no changes will be made")

		entries, err := manifest.Build(ctx, prog.fsys, prog.opts.SourcePath, filter, nil)
		if err != nil {
			return exitCodeFailure, fmt.Errorf("dry run scan failed: %w", err)
		}

		prog.log.Info("dry run: files that would be backed up", "files", len(entries), "destinations", prog.opts.Destinations)

		return exitCodeSuccess, nil
	}

	prog.log.Info("starting backup",
		"source", prog.opts.SourcePath,
		"destinations", prog.opts.Destinations,
	)

	status, err := prog.coord.Run(ctx, coordinator.Options{
		SourcePath:   prog.opts.SourcePath,
		Destinations: prog.opts.Destinations,
		Filter:       filter,
		DedupPolicy: dedup.Policy{
			SkipExact:    prog.opts.SkipExactDuplicates,
			SkipRenamed:  prog.opts.SkipRenamedDuplicates,
			MaxWalkDepth: manifest.MaxDepth,
		},
		OrganizationName: prog.opts.OrganizationName,
		MaxRetries:       prog.opts.MaxRetries,
		ToolVersion:      prog.opts.AppVersion,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		prog.log.Error("backup failed", "error", err, "error-type", "fatal")

		return exitCodeFailure, fmt.Errorf("backup failed: %w", err)
	}

	snap := prog.prog.Snapshot()

	switch status {
	case model.SessionCancelled:
		prog.log.Warn("backup cancelled")

		return exitCodeFailure, nil
	case model.SessionCompleted:
		if len(snap.FailedFiles) > 0 {
			prog.log.Warn("backup completed with errors", "failed_files", len(snap.FailedFiles))

			return exitCodePartial, nil
		}

		prog.log.Info("backup completed", "files", snap.TotalFiles)

		return exitCodeSuccess, nil
	default:
		return exitCodeFailure, nil
	}
}

func classesFor(filter config.FileTypeFilter) map[manifest.FileClass]bool {
	switch filter {
	case config.FilterRaw:
		return map[manifest.FileClass]bool{manifest.ClassRaw: true}
	case config.FilterStandard:
		return map[manifest.FileClass]bool{manifest.ClassStandardImage: true}
	case config.FilterVideo:
		return map[manifest.FileClass]bool{manifest.ClassVideo: true}
	case config.FilterSidecar:
		return map[manifest.FileClass]bool{manifest.ClassSidecar: true}
	case config.FilterCatalog:
		return map[manifest.FileClass]bool{manifest.ClassCatalog: true}
	default:
		return nil
	}
}

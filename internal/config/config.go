// Package config loads imageintact's configuration from CLI flags merged
// with an optional YAML file, covering the full environment-knob table
// this pipeline accepts.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// FileTypeFilter is the inclusion-set knob controlling which file classes
// a manifest keeps.
type FileTypeFilter string

const (
	FilterAll      FileTypeFilter = "all"
	FilterRaw      FileTypeFilter = "raw"
	FilterStandard FileTypeFilter = "standard"
	FilterVideo    FileTypeFilter = "video"
	FilterSidecar  FileTypeFilter = "sidecar"
	FilterCatalog  FileTypeFilter = "catalog"
)

var (
	errConfigMissing        = errors.New("config file could not be opened")
	errConfigMalformed      = errors.New("config file could not be parsed")
	errMissingSource        = errors.New("source path must be set")
	errMissingDestinations  = errors.New("at least one destination path must be set")
	errSourceNotAbs         = errors.New("source path must be absolute")
	errDestinationNotAbs    = errors.New("destination path must be absolute")
	errSourceIsDestination  = errors.New("source path cannot also be a destination")
	errInvalidLogLevel      = errors.New("invalid log level")
	errInvalidFileTypeFilter = errors.New("invalid file_type_filter")
)

// destinationList is a repeatable flag.Value collecting absolute paths.
type destinationList []string

func (d *destinationList) String() string {
	return fmt.Sprint([]string(*d))
}

func (d *destinationList) Set(value string) error {
	*d = append(*d, filepath.Clean(strings.TrimSpace(value)))

	return nil
}

// Options is the full merged configuration parsed from flags and YAML.
type Options struct {
	SourcePath           string         `yaml:"source_path"`
	Destinations         []string       `yaml:"destinations"`
	IncludeSubdirectories bool          `yaml:"include_subdirectories"`
	ExcludeCacheFiles    bool           `yaml:"exclude_cache_files"`
	FileTypeFilter       FileTypeFilter `yaml:"file_type_filter"`
	SkipExactDuplicates  bool           `yaml:"skip_exact_duplicates"`
	SkipRenamedDuplicates bool          `yaml:"skip_renamed_duplicates"`
	OrganizationName     string         `yaml:"organization_name"`
	PreventSleep         bool           `yaml:"prevent_sleep"`
	MaxRetries           int            `yaml:"max_retries"`
	IOTimeoutSeconds     int            `yaml:"io_timeout_seconds"`
	LogLevel             string         `yaml:"log_level"`
	JSON                 bool           `yaml:"json"`
	DryRun               bool           `yaml:"dry_run"`
	EventStorePath       string         `yaml:"event_store_path"`
	AppVersion           string         `yaml:"-"`
}

const (
	defaultMaxRetries       = 3
	defaultIOTimeoutSeconds = 30
	defaultLogLevel         = "info"
)

// Loader parses CLI args merged over an optional YAML config file.
type Loader struct {
	fsys   afero.Fs
	stderr io.Writer
	flags  *flag.FlagSet
	opts   Options
}

// NewLoader returns a Loader reading any --config file via fsys.
func NewLoader(fsys afero.Fs, stderr io.Writer) *Loader {
	return &Loader{fsys: fsys, stderr: stderr}
}

// Parse merges cliArgs with an optional YAML config, flags winning over
// YAML for every explicitly-set flag.
func (l *Loader) Parse(cliArgs []string) (Options, error) {
	var (
		yamlFile string
		yamlOpts Options
		dests    destinationList
	)

	l.opts = Options{
		FileTypeFilter:   FilterAll,
		MaxRetries:       defaultMaxRetries,
		IOTimeoutSeconds: defaultIOTimeoutSeconds,
		LogLevel:         defaultLogLevel,
	}

	l.flags = flag.NewFlagSet("imageintact", flag.ContinueOnError)
	l.flags.SetOutput(l.stderr)
	l.flags.Usage = func() {
		fmt.Fprintf(l.stderr, "usage: %s --source=ABSPATH --destination=ABSPATH [--destination=ABSPATH ...]\n", cliArgs[0])
		l.flags.PrintDefaults()
	}

	l.flags.StringVar(&yamlFile, "config", "", "path to a YAML configuration file")
	l.flags.StringVar(&l.opts.SourcePath, "source", "", "absolute path to the source tree")
	l.flags.Var(&dests, "destination", "absolute path to a destination; can be repeated")
	l.flags.BoolVar(&l.opts.IncludeSubdirectories, "include-subdirectories", true, "recurse into subdirectories")
	l.flags.BoolVar(&l.opts.ExcludeCacheFiles, "exclude-cache-files", false, "skip photo-library cache subpaths")
	filter := l.flags.String("file-type-filter", string(FilterAll), "raw|standard|video|sidecar|catalog|all")
	l.flags.BoolVar(&l.opts.SkipExactDuplicates, "skip-exact-duplicates", false, "filter exact duplicates out of the manifest")
	l.flags.BoolVar(&l.opts.SkipRenamedDuplicates, "skip-renamed-duplicates", false, "filter renamed duplicates out of the manifest")
	l.flags.StringVar(&l.opts.OrganizationName, "organization-name", "", "destination subfolder name")
	l.flags.BoolVar(&l.opts.PreventSleep, "prevent-sleep", false, "accepted and printed with the configuration; no hold_awake request is made")
	l.flags.IntVar(&l.opts.MaxRetries, "max-retries", defaultMaxRetries, "RetryPolicy attempts on Transient errors")
	l.flags.IntVar(&l.opts.IOTimeoutSeconds, "io-timeout-seconds", defaultIOTimeoutSeconds, "per-operation timeout")
	l.flags.StringVar(&l.opts.LogLevel, "log-level", defaultLogLevel, "debug, info, warn, error")
	l.flags.BoolVar(&l.opts.JSON, "json", false, "emit logs as JSON on stderr")
	l.flags.BoolVar(&l.opts.DryRun, "dry-run", false, "preview only; no changes written to disk")
	l.flags.StringVar(&l.opts.EventStorePath, "event-store", "", "path to the durable session/event store")

	if err := l.flags.Parse(cliArgs[1:]); err != nil {
		return Options{}, fmt.Errorf("failed parsing flags: %w", err)
	}

	l.opts.FileTypeFilter = FileTypeFilter(*filter)

	setFlags := make(map[string]bool)
	l.flags.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	yamlOpts.IncludeSubdirectories = true

	if yamlFile != "" {
		f, err := l.fsys.Open(yamlFile)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %w", errConfigMissing, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)

		if err := dec.Decode(&yamlOpts); err != nil {
			return Options{}, fmt.Errorf("%w: %w", errConfigMalformed, err)
		}
	}

	if !setFlags["source"] && yamlOpts.SourcePath != "" {
		l.opts.SourcePath = yamlOpts.SourcePath
	}

	if !setFlags["destination"] && len(yamlOpts.Destinations) > 0 {
		l.opts.Destinations = yamlOpts.Destinations
	} else {
		l.opts.Destinations = []string(dests)
	}

	if !setFlags["include-subdirectories"] {
		l.opts.IncludeSubdirectories = yamlOpts.IncludeSubdirectories
	}

	if !setFlags["exclude-cache-files"] {
		l.opts.ExcludeCacheFiles = yamlOpts.ExcludeCacheFiles
	}

	if !setFlags["file-type-filter"] && yamlOpts.FileTypeFilter != "" {
		l.opts.FileTypeFilter = yamlOpts.FileTypeFilter
	}

	if !setFlags["skip-exact-duplicates"] {
		l.opts.SkipExactDuplicates = yamlOpts.SkipExactDuplicates
	}

	if !setFlags["skip-renamed-duplicates"] {
		l.opts.SkipRenamedDuplicates = yamlOpts.SkipRenamedDuplicates
	}

	if !setFlags["organization-name"] && yamlOpts.OrganizationName != "" {
		l.opts.OrganizationName = yamlOpts.OrganizationName
	}

	if !setFlags["prevent-sleep"] {
		l.opts.PreventSleep = yamlOpts.PreventSleep
	}

	if !setFlags["max-retries"] && yamlOpts.MaxRetries != 0 {
		l.opts.MaxRetries = yamlOpts.MaxRetries
	}

	if !setFlags["io-timeout-seconds"] && yamlOpts.IOTimeoutSeconds != 0 {
		l.opts.IOTimeoutSeconds = yamlOpts.IOTimeoutSeconds
	}

	if !setFlags["log-level"] && yamlOpts.LogLevel != "" {
		l.opts.LogLevel = yamlOpts.LogLevel
	}

	if !setFlags["json"] {
		l.opts.JSON = yamlOpts.JSON
	}

	if !setFlags["dry-run"] {
		l.opts.DryRun = yamlOpts.DryRun
	}

	if !setFlags["event-store"] && yamlOpts.EventStorePath != "" {
		l.opts.EventStorePath = yamlOpts.EventStorePath
	}

	return l.opts, nil
}

// Validate enforces the structural constraints on a parsed Options.
func Validate(opts Options) error {
	if opts.SourcePath == "" {
		return errMissingSource
	}

	if len(opts.Destinations) == 0 {
		return errMissingDestinations
	}

	source := filepath.Clean(strings.TrimSpace(opts.SourcePath))
	if !filepath.IsAbs(source) {
		return errSourceNotAbs
	}

	for _, d := range opts.Destinations {
		dest := filepath.Clean(strings.TrimSpace(d))
		if !filepath.IsAbs(dest) {
			return fmt.Errorf("%w: %q", errDestinationNotAbs, d)
		}

		if dest == source {
			return fmt.Errorf("%w: %q", errSourceIsDestination, d)
		}
	}

	switch opts.FileTypeFilter {
	case FilterAll, FilterRaw, FilterStandard, FilterVideo, FilterSidecar, FilterCatalog:
	default:
		return fmt.Errorf("%w: %q", errInvalidFileTypeFilter, opts.FileTypeFilter)
	}

	if _, ok := parseLevel(opts.LogLevel); !ok {
		return fmt.Errorf("%w: %q", errInvalidLogLevel, opts.LogLevel)
	}

	return nil
}

func parseLevel(level string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return level, true
	default:
		return "", false
	}
}

// Print renders opts as indented YAML to w.
func Print(w io.Writer, opts Options) error {
	out, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed printing configuration: %w", err)
	}

	fmt.Fprintf(w, "configuration:\n")

	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			fmt.Fprintf(w, "\t%s\n", line)
		}
	}

	fmt.Fprintln(w)

	return nil
}

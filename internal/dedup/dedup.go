// Package dedup classifies manifest entries against existing destination
// content: what a destination already contains, and whether a match is
// exact, renamed, or absent.
package dedup

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/imageintact/backupcore/internal/hasher"
	"github.com/imageintact/backupcore/internal/model"
)

// Classification is the outcome of comparing one manifest entry against a
// destination's existing content.
type Classification string

const (
	ExactDuplicate   Classification = "exact_duplicate"
	RenamedDuplicate Classification = "renamed_duplicate"
	Unique           Classification = "unique"
)

// Analysis is the summary record of a destination comparison.
type Analysis struct {
	TotalSourceFiles         int
	ExactDuplicates          []string
	RenamedDuplicates        []string
	UniqueFiles              int
	PotentialSpaceSavedBytes int64
	DestinationDriveID       string
}

// bookkeepingPrefix marks the pipeline's own directories, always ignored
// during a destination walk.
const bookkeepingPrefix = ".imageintact_"

// digestIndex maps a destination's existing content digest to one
// relative path found at that digest (first one wins; enough to detect
// "renamed" duplicates).
func buildDigestIndex(ctx context.Context, fsys afero.Fs, destRoot string, maxDepth int) (map[string]string, error) {
	index := make(map[string]string)

	err := afero.Walk(fsys, destRoot, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		rel, relErr := filepath.Rel(destRoot, path)
		if relErr != nil {
			return nil
		}

		if strings.HasPrefix(filepath.Base(path), bookkeepingPrefix) {
			if info.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if info.IsDir() {
			if maxDepth >= 0 && depthOf(rel) > maxDepth {
				return filepath.SkipDir
			}

			return nil
		}

		digest, err := hasher.Digest(ctx, fsys, path)
		if err != nil {
			return nil //nolint:nilerr // unreadable destination entries are simply not indexed
		}

		if _, exists := index[digest]; !exists {
			index[digest] = filepath.ToSlash(rel)
		}

		return nil
	})

	return index, err
}

func depthOf(rel string) int {
	if rel == "." {
		return 0
	}

	return strings.Count(filepath.ToSlash(rel), "/")
}

// Policy controls which classifications are filtered out of the manifest
// handed to a DestinationQueue.
type Policy struct {
	SkipExact       bool
	SkipRenamed     bool
	MaxWalkDepth    int // negative means unlimited
	OrganizationDir string
}

// Classify partitions entries against destRoot/organizationDir and
// returns the filtered manifest (per Policy) plus the Analysis record.
func Classify(ctx context.Context, fsys afero.Fs, destRoot string, entries []model.ManifestEntry, policy Policy) ([]model.ManifestEntry, Analysis, error) {
	scanRoot := destRoot
	if policy.OrganizationDir != "" {
		scanRoot = filepath.Join(destRoot, policy.OrganizationDir)
	}

	index, err := buildDigestIndex(ctx, fsys, scanRoot, policy.MaxWalkDepth)
	if err != nil {
		return nil, Analysis{}, err
	}

	analysis := Analysis{TotalSourceFiles: len(entries)}
	filtered := make([]model.ManifestEntry, 0, len(entries))

	for _, e := range entries {
		destPath := filepath.Join(scanRoot, filepath.FromSlash(e.RelativePath))

		class := classifyOne(ctx, fsys, destPath, e, index)

		switch class {
		case ExactDuplicate:
			analysis.ExactDuplicates = append(analysis.ExactDuplicates, e.RelativePath)
			analysis.PotentialSpaceSavedBytes += e.SizeBytes

			if !policy.SkipExact {
				filtered = append(filtered, e)
			}
		case RenamedDuplicate:
			analysis.RenamedDuplicates = append(analysis.RenamedDuplicates, e.RelativePath)
			analysis.PotentialSpaceSavedBytes += e.SizeBytes

			if !policy.SkipRenamed {
				filtered = append(filtered, e)
			}
		default:
			analysis.UniqueFiles++

			filtered = append(filtered, e)
		}
	}

	return filtered, analysis, nil
}

func classifyOne(ctx context.Context, fsys afero.Fs, destPath string, e model.ManifestEntry, index map[string]string) Classification {
	if info, err := fsys.Stat(destPath); err == nil {
		if info.Size() == e.SizeBytes {
			if digest, derr := hasher.Digest(ctx, fsys, destPath); derr == nil && digest == e.SourceDigest {
				return ExactDuplicate
			}
		}
	}

	if _, ok := index[e.SourceDigest]; ok {
		return RenamedDuplicate
	}

	return Unique
}

// Package manifest walks a source tree and builds the ordered, digested
// manifest handed to every destination. Traversal is built on afero.Walk,
// with filtering, depth limiting, and parallel digest computation layered
// on top.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/imageintact/backupcore/internal/hasher"
	"github.com/imageintact/backupcore/internal/model"
	"github.com/imageintact/backupcore/internal/retrypolicy"
)

// MaxDepth is the hard traversal ceiling; descent beyond it
// halts with a warning rather than erroring the whole scan.
const MaxDepth = 50

// FileClass is the extension-derived classification of a manifest entry.
type FileClass string

const (
	ClassRaw           FileClass = "raw"
	ClassStandardImage FileClass = "standard-image"
	ClassVideo         FileClass = "video"
	ClassSidecar       FileClass = "sidecar"
	ClassCatalog       FileClass = "catalog"
	ClassOther         FileClass = "other"
)

var extensionClasses = map[string]FileClass{
	".cr2": ClassRaw, ".cr3": ClassRaw, ".nef": ClassRaw, ".arw": ClassRaw,
	".raf": ClassRaw, ".orf": ClassRaw, ".rw2": ClassRaw, ".dng": ClassRaw,
	".jpg": ClassStandardImage, ".jpeg": ClassStandardImage, ".png": ClassStandardImage,
	".heic": ClassStandardImage, ".tif": ClassStandardImage, ".tiff": ClassStandardImage,
	".mov": ClassVideo, ".mp4": ClassVideo, ".avi": ClassVideo, ".m4v": ClassVideo,
	".xmp": ClassSidecar, ".aae": ClassSidecar, ".thm": ClassSidecar,
	".lrcat": ClassCatalog, ".cosessiondb": ClassCatalog, ".catalog": ClassCatalog,
}

// ClassOf classifies path by its (case-insensitive) extension.
func ClassOf(path string) FileClass {
	ext := strings.ToLower(filepath.Ext(path))
	if c, ok := extensionClasses[ext]; ok {
		return c
	}

	return ClassOther
}

// photoPackageSuffixes are "packages" that look like directories but are
// treated as traversable photo-library containers, not opaque bundles.
var photoPackageSuffixes = []string{".photoslibrary", ".lrdata", ".cosessiondb"}

// opaqueBundleSuffixes are never descended into.
var opaqueBundleSuffixes = []string{".app", ".bundle", ".plugin", ".framework"}

// cacheSubpaths are excluded inside photo packages when ExcludeCacheFiles is set.
var cacheSubpaths = []string{"/Cache/", "/Proxies/", "/Thumbnails/"}

func isOpaqueBundle(name string) bool {
	lower := strings.ToLower(name)
	for _, suf := range opaqueBundleSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}

	return false
}

func isPhotoPackage(name string) bool {
	lower := strings.ToLower(name)
	for _, suf := range photoPackageSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}

	return false
}

func isCachePath(relPath string) bool {
	slashed := "/" + filepath.ToSlash(relPath)

	inPackage := false
	for _, dir := range strings.Split(filepath.ToSlash(filepath.Dir(relPath)), "/") {
		if isPhotoPackage(dir) {
			inPackage = true

			break
		}
	}

	if !inPackage {
		return false
	}

	for _, sub := range cacheSubpaths {
		if strings.Contains(slashed, sub) {
			return true
		}
	}

	return strings.Contains(slashed, "Previews.lrdata/")
}

func dirDepth(relPath string) int {
	if relPath == "." {
		return 0
	}

	return strings.Count(filepath.ToSlash(relPath), "/")
}

// Filter describes which manifest entries to keep.
type Filter struct {
	IncludeSubdirectories bool
	ExcludeCacheFiles     bool
	Classes               map[FileClass]bool // nil/empty means "all"
}

func (f Filter) accepts(class FileClass) bool {
	if len(f.Classes) == 0 {
		return true
	}

	return f.Classes[class]
}

// WarnFunc receives non-fatal scan warnings (depth exceeded, unreadable
// entry, etc).
type WarnFunc func(path, reason string)

// Build walks root and returns a manifest ordered lexicographically by
// RelativePath, with every entry's digest already populated. It never
// returns a partial manifest: on cancellation it returns nil and a
// Cancelled-classified error.
func Build(ctx context.Context, fsys afero.Fs, root string, filter Filter, warn WarnFunc) ([]model.ManifestEntry, error) {
	if warn == nil {
		warn = func(string, string) {}
	}

	type candidate struct {
		relPath string
		absPath string
		size    int64
	}

	var candidates []candidate

	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			warn(path, "unreadable")

			return nil
		}

		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			warn(path, "unreadable")

			return nil
		}

		if relPath == "." {
			return nil
		}

		base := filepath.Base(path)

		if strings.HasPrefix(base, ".") {
			warn(path, "hidden")
			if info.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if info.IsDir() {
			if depth := dirDepth(relPath); depth > MaxDepth {
				warn(path, "max_depth_exceeded")

				return filepath.SkipDir
			}

			if isOpaqueBundle(base) && !isPhotoPackage(base) {
				warn(path, "opaque_bundle")

				return filepath.SkipDir
			}

			if !filter.IncludeSubdirectories && relPath != "." {
				parent := filepath.Dir(relPath)
				if parent != "." {
					return filepath.SkipDir
				}
			}

			return nil
		}

		if info.Mode()&os.ModeSymlink != 0 {
			warn(path, "symlink")

			return nil
		}

		if !filter.IncludeSubdirectories {
			if filepath.Dir(relPath) != "." {
				return nil
			}
		}

		if filter.ExcludeCacheFiles && isCachePath(relPath) {
			warn(path, "cache_subpath")

			return nil
		}

		class := ClassOf(path)
		if !filter.accepts(class) {
			return nil
		}

		candidates = append(candidates, candidate{
			relPath: filepath.ToSlash(relPath),
			absPath: path,
			size:    info.Size(),
		})

		return nil
	})
	if err != nil {
		return nil, retrypolicy.Classify(retrypolicy.KindCancelled, fmt.Errorf("scan cancelled: %w", err))
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].relPath < candidates[j].relPath
	})

	entries := make([]model.ManifestEntry, len(candidates))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)

	for i, c := range candidates {
		i, c := i, c

		group.Go(func() error {
			digest, err := hasher.Digest(gctx, fsys, c.absPath)
			if err != nil {
				return err
			}

			entries[i] = model.ManifestEntry{
				RelativePath:       c.relPath,
				SourceAbsolutePath: c.absPath,
				SourceDigest:       digest,
				SizeBytes:          c.size,
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, retrypolicy.Classify(retrypolicy.KindCancelled, fmt.Errorf("digest cancelled: %w", err))
		}

		return nil, fmt.Errorf("failed to digest source file: %w", err)
	}

	return entries, nil
}

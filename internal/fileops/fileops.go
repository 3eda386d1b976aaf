// Package fileops provides the primitive filesystem operations the
// backup pipeline builds on: copy, stat, mkdir, remove, rename, xattr
// preservation, symlink handling, and network-volume write coordination.
//
// It wraps an afero.Fs (afero.NewOsFs in production, afero.NewMemMapFs in
// tests) so every component built on FileOps is testable without
// touching disk.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/imageintact/backupcore/internal/retrypolicy"
)

// DefaultIOTimeout is the per-operation deadline after which an I/O call
// is classified Transient{Timeout}.
const DefaultIOTimeout = 30 * time.Second

// Attributes describes a filesystem entry's size and kind.
type Attributes struct {
	Size     int64
	IsDir    bool
	IsSymlink bool
}

// FileOps is the narrow capability interface consumed by the rest of the
// pipeline, kept narrow so tests can supply in-memory fakes.
type FileOps interface {
	Copy(ctx context.Context, allowedSrcRoot, allowedDstRoot, src, dst string) error
	Exists(path string) (bool, error)
	CreateDirAll(path string) error
	Remove(allowedRoot, path string) error
	Attributes(path string) (Attributes, error)
	Rename(allowedRoot, src, dst string) error
	StartScopedAccess(path string) error
	StopScopedAccess(path string) error
	IsNetworkVolume(path string) (bool, error)
	IsSymlink(path string) (bool, error)
	XattrCopy(src, dst string) error
	SameDevice(a, b string) (bool, error)
}

// Ops is the production FileOps implementation backed by an afero.Fs.
type Ops struct {
	Fs afero.Fs

	ioTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]*flock.Flock
}

// New constructs an Ops over fsys with the default I/O timeout.
func New(fsys afero.Fs) *Ops {
	return &Ops{
		Fs:        fsys,
		ioTimeout: DefaultIOTimeout,
		locks:     make(map[string]*flock.Flock),
	}
}

// WithIOTimeout overrides the per-operation timeout.
func (o *Ops) WithIOTimeout(d time.Duration) *Ops {
	o.ioTimeout = d

	return o
}

// containedWithin verifies that path, once cleaned and made absolute,
// stays inside root, rejecting any path-traversal escape.
func containedWithin(root, path string) error {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(path)

	rel, err := filepath.Rel(cleanRoot, cleanPath)
	if err != nil {
		return retrypolicy.Classify(retrypolicy.KindPathEscape, fmt.Errorf("cannot relate %q to root %q: %w", path, root, err))
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return retrypolicy.Classify(retrypolicy.KindPathEscape, fmt.Errorf("path %q escapes root %q", path, root))
	}

	return nil
}

// Exists reports whether path exists.
func (o *Ops) Exists(path string) (bool, error) {
	_, err := o.Fs.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, retrypolicy.Classify(retrypolicy.KindInternal, err)
}

// CreateDirAll ensures path and all its parents exist.
func (o *Ops) CreateDirAll(path string) error {
	if err := o.Fs.MkdirAll(path, 0o777); err != nil {
		return retrypolicy.Classify(classifyMkdirErr(err), fmt.Errorf("failed to create: %q (%w)", path, err))
	}

	return nil
}

// Attributes stats path.
func (o *Ops) Attributes(path string) (Attributes, error) {
	isLink, err := o.IsSymlink(path)
	if err != nil {
		return Attributes{}, err
	}

	info, err := o.Fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Attributes{}, retrypolicy.Classify(retrypolicy.KindInvalidSource, err)
		}

		return Attributes{}, retrypolicy.Classify(retrypolicy.KindInternal, err)
	}

	return Attributes{Size: info.Size(), IsDir: info.IsDir(), IsSymlink: isLink}, nil
}

// Rename performs an atomic rename, validating dst stays within allowedRoot.
func (o *Ops) Rename(allowedRoot, src, dst string) error {
	if err := containedWithin(allowedRoot, dst); err != nil {
		return err
	}

	if err := o.Fs.Rename(src, dst); err != nil {
		return retrypolicy.Classify(retrypolicy.KindInternal, fmt.Errorf("failed to rename: %q -> %q (%w)", src, dst, err))
	}

	return nil
}

// Remove deletes path after validating it is contained within allowedRoot.
func (o *Ops) Remove(allowedRoot, path string) error {
	if err := containedWithin(allowedRoot, path); err != nil {
		return err
	}

	if err := o.Fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return retrypolicy.Classify(retrypolicy.KindInternal, fmt.Errorf("failed to remove: %q (%w)", path, err))
	}

	return nil
}

// Copy copies src (inside allowedSrcRoot) to dst (inside allowedDstRoot)
// via a temp-file-then-rename. The source is never touched or removed.
//
// Symlink sources are refused: Copy checks IsSymlink and returns an
// Internal-classified error without copying anything, so a caller that
// wants a silent skip checks IsSymlink first and logs a skip event.
func (o *Ops) Copy(ctx context.Context, allowedSrcRoot, allowedDstRoot, src, dst string) error {
	if err := containedWithin(allowedSrcRoot, src); err != nil {
		return err
	}

	if err := containedWithin(allowedDstRoot, dst); err != nil {
		return err
	}

	isLink, err := o.IsSymlink(src)
	if err != nil {
		return err
	}

	if isLink {
		return retrypolicy.Classify(retrypolicy.KindInternal, fmt.Errorf("refusing to copy symlink: %q", src))
	}

	opCtx, cancel := context.WithTimeout(ctx, o.ioTimeout)
	defer cancel()

	return o.copyWithCoordination(opCtx, allowedDstRoot, dst, func() error {
		return o.copyFile(opCtx, src, dst)
	})
}

func (o *Ops) copyFile(ctx context.Context, src, dst string) (retErr error) {
	workingFile := dst + ".inprogress"

	in, err := o.Fs.Open(src)
	if err != nil {
		return retrypolicy.Classify(retrypolicy.KindInvalidSource, fmt.Errorf("failed to open: %q (%w)", src, err))
	}
	defer in.Close()

	if err := o.Fs.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return retrypolicy.Classify(classifyMkdirErr(err), fmt.Errorf("failed to create parent: %q (%w)", filepath.Dir(dst), err))
	}

	out, err := o.Fs.Create(workingFile)
	if err != nil {
		return retrypolicy.Classify(classifyWriteErr(err), fmt.Errorf("failed to open: %q (%w)", workingFile, err))
	}
	defer func() {
		if retErr != nil {
			_ = o.Fs.Remove(workingFile)
		}
	}()
	defer out.Close()

	cr := &timeoutCopyReader{ctx: ctx, r: in}

	if _, err := io.Copy(out, cr); err != nil {
		if ctx.Err() != nil {
			return retrypolicy.Classify(retrypolicy.KindTimeout, ctx.Err())
		}

		return retrypolicy.Classify(classifyWriteErr(err), fmt.Errorf("failed during copy: %q -> %q (%w)", src, workingFile, err))
	}

	if err := out.Sync(); err != nil {
		return retrypolicy.Classify(classifyWriteErr(err), fmt.Errorf("failed to sync: %q (%w)", workingFile, err))
	}

	if err := out.Close(); err != nil {
		return retrypolicy.Classify(classifyWriteErr(err), fmt.Errorf("failed to close: %q (%w)", workingFile, err))
	}

	if err := o.Fs.Rename(workingFile, dst); err != nil {
		return retrypolicy.Classify(retrypolicy.KindInternal, fmt.Errorf("failed to rename: %q -> %q (%w)", workingFile, dst, err))
	}

	return nil
}

// timeoutCopyReader is an io.Reader that fails with the context's error
// once ctx is done, checked between reads.
type timeoutCopyReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (t *timeoutCopyReader) Read(p []byte) (int, error) {
	select {
	case <-t.ctx.Done():
		return 0, t.ctx.Err()
	default:
		return t.r.Read(p)
	}
}

// XattrCopy best-effort copies non-system extended attributes from src to
// dst. Platform-specific implementations live in fileops_unix.go /
// fileops_other.go; failure here is always non-fatal to the caller.
func (o *Ops) XattrCopy(src, dst string) error {
	return xattrCopy(src, dst)
}

// IsSymlink reports whether path is a symlink without following it.
func (o *Ops) IsSymlink(path string) (bool, error) {
	lst, ok := o.Fs.(afero.Lstater)
	if !ok {
		return false, nil
	}

	info, _, err := lst.LstatIfPossible(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, retrypolicy.Classify(retrypolicy.KindInternal, err)
	}

	return info.Mode()&os.ModeSymlink != 0, nil
}

// IsNetworkVolume probes path's filesystem type. Platform-specific
// implementations live in fileops_unix.go / fileops_other.go.
func (o *Ops) IsNetworkVolume(path string) (bool, error) {
	return isNetworkVolume(path)
}

// SameDevice reports whether a and b are mounted on the same filesystem,
// distinguishing a local destination from one on external media.
// Platform-specific implementations live in fileops_unix.go /
// fileops_other.go.
func (o *Ops) SameDevice(a, b string) (bool, error) {
	return sameDevice(a, b)
}

// StartScopedAccess / StopScopedAccess are no-ops on platforms without a
// host-level scoped-permission system; the real implementation is
// provided by the host hook injected at the CLI edge.
func (o *Ops) StartScopedAccess(string) error { return nil }
func (o *Ops) StopScopedAccess(string) error  { return nil }

// copyWithCoordination executes fn, holding a single-writer advisory
// lock keyed by the destination root when dst lives on a network volume
// to serialize concurrent writers on shared network storage.
func (o *Ops) copyWithCoordination(ctx context.Context, destRoot, dst string, fn func() error) error {
	isNet, err := o.IsNetworkVolume(filepath.Dir(dst))
	if err != nil || !isNet {
		return fn()
	}

	lockPath := filepath.Join(destRoot, ".imageintact.lock")

	o.locksMu.Lock()
	fl, ok := o.locks[lockPath]
	if !ok {
		fl = flock.New(lockPath)
		o.locks[lockPath] = fl
	}
	o.locksMu.Unlock()

	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return retrypolicy.Classify(retrypolicy.KindTimeout, fmt.Errorf("failed to acquire network-volume lock: %q: %w", lockPath, err))
	}
	defer fl.Unlock()

	return fn()
}

func classifyMkdirErr(err error) retrypolicy.Kind {
	if errors.Is(err, os.ErrPermission) {
		return retrypolicy.KindPermissionDenied
	}

	return retrypolicy.KindInternal
}

func classifyWriteErr(err error) retrypolicy.Kind {
	if errors.Is(err, os.ErrPermission) {
		return retrypolicy.KindPermissionDenied
	}

	msg := err.Error()
	if strings.Contains(msg, "no space") || strings.Contains(msg, "disk quota") {
		return retrypolicy.KindNoSpace
	}

	return retrypolicy.KindInternal
}

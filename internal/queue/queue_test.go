package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/imageintact/backupcore/internal/fileops"
	"github.com/imageintact/backupcore/internal/hasher"
	"github.com/imageintact/backupcore/internal/model"
	"github.com/imageintact/backupcore/internal/queue"
)

type fakeEventSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeEventSink) LogEvent(e model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, e)
}

func (f *fakeEventSink) snapshot() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]model.Event, len(f.events))
	copy(out, f.events)

	return out
}

type fakeProgressSink struct {
	mu         sync.Mutex
	statuses   []model.DestinationStatus
	bytes      int64
	failures   []model.FailedFile
}

func (f *fakeProgressSink) UpdateDestination(s model.DestinationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses = append(f.statuses, s)
}

func (f *fakeProgressSink) RecordBytesTransferred(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bytes += n
}

func (f *fakeProgressSink) RecordFailure(ff model.FailedFile) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures = append(f.failures, ff)
}

func manifestEntry(t *testing.T, fs afero.Fs, relPath string, content []byte) model.ManifestEntry {
	t.Helper()

	abs := "/src/" + relPath
	require.NoError(t, afero.WriteFile(fs, abs, content, 0o644))

	digest, err := hasher.Digest(t.Context(), fs, abs)
	require.NoError(t, err)

	return model.ManifestEntry{
		RelativePath:       relPath,
		SourceAbsolutePath: abs,
		SourceDigest:       digest,
		SizeBytes:          int64(len(content)),
	}
}

func Test_Unit_Run_FreshFiles_CopiedAndVerified(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	entries := []model.ManifestEntry{
		manifestEntry(t, fs, "a.jpg", []byte("aaaaaaaaaa")),
		manifestEntry(t, fs, "b.jpg", []byte("bbbbb")),
	}

	ops := fileops.New(fs)
	events := &fakeEventSink{}
	prog := &fakeProgressSink{}

	q := queue.New(queue.Config{Name: "dst1", DestRoot: "/dst", SourceRoot: "/src", Concurrency: 2}, fs, ops, events, prog, nil)

	require.NoError(t, q.Run(t.Context(), entries))

	content, err := afero.ReadFile(fs, "/dst/a.jpg")
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaaaa", string(content))

	rows := q.Rows()
	require.Len(t, rows, 2)

	for _, r := range rows {
		require.Equal(t, model.ActionCopied, r.Action)
	}

	require.Empty(t, prog.failures)
}

func Test_Unit_Run_ExistingIdenticalFile_Skipped(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	entries := []model.ManifestEntry{
		manifestEntry(t, fs, "a.jpg", []byte("aaaaaaaaaa")),
	}
	require.NoError(t, afero.WriteFile(fs, "/dst/a.jpg", []byte("aaaaaaaaaa"), 0o644))

	ops := fileops.New(fs)
	events := &fakeEventSink{}
	prog := &fakeProgressSink{}

	q := queue.New(queue.Config{Name: "dst1", DestRoot: "/dst", SourceRoot: "/src"}, fs, ops, events, prog, nil)

	require.NoError(t, q.Run(t.Context(), entries))

	rows := q.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, model.ActionSkipped, rows[0].Action)
}

func Test_Unit_Run_ExistingDivergentFile_QuarantinedThenReplaced(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	entries := []model.ManifestEntry{
		manifestEntry(t, fs, "a.jpg", []byte("new-content")),
	}
	require.NoError(t, afero.WriteFile(fs, "/dst/a.jpg", []byte("old-content"), 0o644))

	ops := fileops.New(fs)
	events := &fakeEventSink{}
	prog := &fakeProgressSink{}

	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	q := queue.New(queue.Config{Name: "dst1", DestRoot: "/dst", SourceRoot: "/src"}, fs, ops, events, prog, clock)

	require.NoError(t, q.Run(t.Context(), entries))

	content, err := afero.ReadFile(fs, "/dst/a.jpg")
	require.NoError(t, err)
	require.Equal(t, "new-content", string(content))

	exists, err := afero.Exists(fs, "/dst/.imageintact_quarantine/a_20260101_000000.jpg")
	require.NoError(t, err)
	require.True(t, exists)

	var sawQuarantine bool

	for _, e := range events.snapshot() {
		if e.Type == model.EventQuarantine {
			sawQuarantine = true
		}
	}

	require.True(t, sawQuarantine)
}

func Test_Unit_Run_OrganizationNamePrefixesDestinationPath(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	entries := []model.ManifestEntry{
		manifestEntry(t, fs, "a.jpg", []byte("content")),
	}

	ops := fileops.New(fs)
	events := &fakeEventSink{}
	prog := &fakeProgressSink{}

	q := queue.New(queue.Config{Name: "dst1", DestRoot: "/dst", SourceRoot: "/src", OrganizationName: "2026-Shoot"}, fs, ops, events, prog, nil)

	require.NoError(t, q.Run(t.Context(), entries))

	exists, err := afero.Exists(fs, "/dst/2026-Shoot/a.jpg")
	require.NoError(t, err)
	require.True(t, exists)
}

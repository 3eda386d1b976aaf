package artifact_test

import (
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/imageintact/backupcore/internal/artifact"
	"github.com/imageintact/backupcore/internal/model"
)

func Test_Unit_WriteManifest_HeaderAndRows(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	w := artifact.NewWriter(fs, "/dst")

	startedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := w.WriteManifest("sess-1", startedAt, []artifact.ManifestRow{
		{FilePath: "a.jpg", Checksum: "abc123", FileSize: 10, Action: model.ActionCopied, Timestamp: startedAt},
	})
	require.NoError(t, err)

	path := w.ManifestPath("sess-1", startedAt)
	require.Equal(t, "/dst/.imageintact_checksums/manifest_20260102_030405_sess-1.csv", path)

	content, err := afero.ReadFile(fs, path)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(content))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, []string{"file_path", "checksum", "algorithm", "file_size", "action", "timestamp"}, records[0])
	require.Equal(t, "a.jpg", records[1][0])
	require.Equal(t, "abc123", records[1][1])
	require.Equal(t, "SHA256", records[1][2])
	require.Equal(t, "10", records[1][3])
	require.Equal(t, string(model.ActionCopied), records[1][4])
}

func Test_Unit_AppendEvent_HeaderWrittenOnceThenAppended(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	w := artifact.NewWriter(fs, "/dst")

	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, w.AppendEvent(artifact.EventRow{
		Timestamp: day, SessionID: "s1", Action: model.ActionCopied,
		Source: "/src/a.jpg", Destination: "/dst/a.jpg", Checksum: "aaa", FileSize: 5,
	}))
	require.NoError(t, w.AppendEvent(artifact.EventRow{
		Timestamp: day, SessionID: "s1", Action: model.ActionSkipped,
		Source: "/src/b.jpg", Destination: "/dst/b.jpg", Checksum: "bbb", FileSize: 6, Reason: "exact_duplicate",
	}))

	content, err := afero.ReadFile(fs, w.EventLogPath(day))
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(content))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "timestamp", records[0][0])
	require.Equal(t, "s1", records[1][1])
	require.Equal(t, "exact_duplicate", records[2][8])
}

func Test_Unit_WriteSourceMarker_ThenHasSourceMarker(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	id, err := artifact.WriteSourceMarker(fs, "/src", "1.0.0", time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.True(t, artifact.HasSourceMarker(fs, "/src"))
	require.False(t, artifact.HasSourceMarker(fs, "/elsewhere"))
}

func Test_Unit_QuarantinePath_CollisionAppendsSuffix(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	first, err := artifact.QuarantinePath(fs, "/dst", "a.jpg", at)
	require.NoError(t, err)
	require.Equal(t, "/dst/.imageintact_quarantine/a_20260506_070809.jpg", first)

	require.NoError(t, afero.WriteFile(fs, first, []byte("x"), 0o644))

	second, err := artifact.QuarantinePath(fs, "/dst", "a.jpg", at)
	require.NoError(t, err)
	require.Equal(t, "/dst/.imageintact_quarantine/a_20260506_070809_1.jpg", second)
}

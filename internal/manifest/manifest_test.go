package manifest_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/imageintact/backupcore/internal/manifest"
)

func Test_Unit_Build_FlatAndNestedFiles_OrderedAndDigested(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.jpg", []byte("aaaaaaaaaa"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/b.jpg", []byte("bbbbb"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/sub/c.jpg", []byte("ccc"), 0o644))

	entries, err := manifest.Build(t.Context(), fs, "/src", manifest.Filter{IncludeSubdirectories: true}, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, "a.jpg", entries[0].RelativePath)
	require.Equal(t, "b.jpg", entries[1].RelativePath)
	require.Equal(t, "sub/c.jpg", entries[2].RelativePath)

	for _, e := range entries {
		require.NotEmpty(t, e.SourceDigest)
		require.Positive(t, e.SizeBytes)
	}
}

func Test_Unit_Build_ExcludeSubdirectories_OnlyTopLevel(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.jpg", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/sub/b.jpg", []byte("b"), 0o644))

	entries, err := manifest.Build(t.Context(), fs, "/src", manifest.Filter{IncludeSubdirectories: false}, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.jpg", entries[0].RelativePath)
}

func Test_Unit_Build_HiddenFilesAndOpaqueBundles_Skipped(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/.hidden.jpg", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/app.app/inner.jpg", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/visible.jpg", []byte("x"), 0o644))

	var warnings []string

	entries, err := manifest.Build(t.Context(), fs, "/src", manifest.Filter{IncludeSubdirectories: true}, func(path, reason string) {
		warnings = append(warnings, reason)
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "visible.jpg", entries[0].RelativePath)
	require.Contains(t, warnings, "hidden")
	require.Contains(t, warnings, "opaque_bundle")
}

func Test_Unit_Build_FileTypeFilter_OnlyMatchingClasses(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.cr2", []byte("raw"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/b.jpg", []byte("std"), 0o644))

	entries, err := manifest.Build(t.Context(), fs, "/src", manifest.Filter{
		IncludeSubdirectories: true,
		Classes:               map[manifest.FileClass]bool{manifest.ClassRaw: true},
	}, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.cr2", entries[0].RelativePath)
}

func Test_Unit_ClassOf_KnownExtensions(t *testing.T) {
	t.Parallel()

	require.Equal(t, manifest.ClassRaw, manifest.ClassOf("IMG_0001.CR2"))
	require.Equal(t, manifest.ClassStandardImage, manifest.ClassOf("photo.jpg"))
	require.Equal(t, manifest.ClassVideo, manifest.ClassOf("clip.mov"))
	require.Equal(t, manifest.ClassSidecar, manifest.ClassOf("photo.xmp"))
	require.Equal(t, manifest.ClassOther, manifest.ClassOf("notes.txt"))
}

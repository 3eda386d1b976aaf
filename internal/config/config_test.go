package config_test

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/imageintact/backupcore/internal/config"
)

func Test_Unit_Parse_FlagsOnly_AppliesDefaults(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	loader := config.NewLoader(fs, &bytes.Buffer{})

	opts, err := loader.Parse([]string{"imageintact", "--source=/src", "--destination=/dst"})
	require.NoError(t, err)
	require.Equal(t, "/src", opts.SourcePath)
	require.Equal(t, []string{"/dst"}, opts.Destinations)
	require.Equal(t, config.FilterAll, opts.FileTypeFilter)
	require.Equal(t, 3, opts.MaxRetries)
	require.Equal(t, "info", opts.LogLevel)
}

func Test_Unit_Parse_MultipleDestinationFlags_Collected(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	loader := config.NewLoader(fs, &bytes.Buffer{})

	opts, err := loader.Parse([]string{"imageintact", "--source=/src", "--destination=/dst1", "--destination=/dst2"})
	require.NoError(t, err)
	require.Equal(t, []string{"/dst1", "/dst2"}, opts.Destinations)
}

func Test_Unit_Parse_YAMLMergedUnderFlags(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte(
		"source_path: /yaml-src\ndestinations:\n  - /yaml-dst\nmax_retries: 9\n"), 0o644))

	loader := config.NewLoader(fs, &bytes.Buffer{})

	opts, err := loader.Parse([]string{"imageintact", "--config=/cfg.yaml", "--source=/flag-src"})
	require.NoError(t, err)
	require.Equal(t, "/flag-src", opts.SourcePath)
	require.Equal(t, []string{"/yaml-dst"}, opts.Destinations)
	require.Equal(t, 9, opts.MaxRetries)
}

func Test_Unit_Parse_UnknownYAMLField_Rejected(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte("bogus_field: true\n"), 0o644))

	loader := config.NewLoader(fs, &bytes.Buffer{})

	_, err := loader.Parse([]string{"imageintact", "--config=/cfg.yaml", "--source=/src", "--destination=/dst"})
	require.Error(t, err)
}

func Test_Unit_Validate_MissingSource_Rejected(t *testing.T) {
	t.Parallel()

	err := config.Validate(config.Options{Destinations: []string{"/dst"}, LogLevel: "info", FileTypeFilter: config.FilterAll})
	require.Error(t, err)
}

func Test_Unit_Validate_RelativePaths_Rejected(t *testing.T) {
	t.Parallel()

	err := config.Validate(config.Options{
		SourcePath: "relative/src", Destinations: []string{"/dst"},
		LogLevel: "info", FileTypeFilter: config.FilterAll,
	})
	require.Error(t, err)
}

func Test_Unit_Validate_SourceEqualsDestination_Rejected(t *testing.T) {
	t.Parallel()

	err := config.Validate(config.Options{
		SourcePath: "/same", Destinations: []string{"/same"},
		LogLevel: "info", FileTypeFilter: config.FilterAll,
	})
	require.Error(t, err)
}

func Test_Unit_Validate_WellFormedOptions_Accepted(t *testing.T) {
	t.Parallel()

	err := config.Validate(config.Options{
		SourcePath: "/src", Destinations: []string{"/dst1", "/dst2"},
		LogLevel: "debug", FileTypeFilter: config.FilterRaw,
	})
	require.NoError(t, err)
}

func Test_Unit_Print_RendersIndentedYAML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	err := config.Print(&buf, config.Options{SourcePath: "/src", Destinations: []string{"/dst"}})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "configuration:")
	require.Contains(t, buf.String(), "source_path: /src")
}

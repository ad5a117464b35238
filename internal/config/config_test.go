package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "base.yaml", `
project_name: demo
options:
  application_name: DemoApp
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.ProjectName)
	require.Equal(t, "DemoApp", cfg.Options.ApplicationName)
	require.Equal(t, "sha256", cfg.Options.FileHashAlgorithm)
	require.Equal(t, "sha256", cfg.Options.TimestampHashAlgorithm)
	require.Equal(t, "mage", cfg.Mage.Binary)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DEMO_PUBLISHER", "Example Corp")
	path := writeConfig(t, dir, "env.yaml", `
options:
  publisher_name: ${DEMO_PUBLISHER}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Example Corp", cfg.Options.PublisherName)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "extra.yaml", `
options:
  matcher:
    - "**/*.dll"
`)
	path := writeConfig(t, dir, "main.yaml", `
includes:
  - extra.yaml
options:
  application_name: DemoApp
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "DemoApp", cfg.Options.ApplicationName)
	require.Equal(t, []string{"**/*.dll"}, cfg.Options.Matcher)
}

func TestValidateRejectsNonAbsoluteURLs(t *testing.T) {
	cfg := &Config{Options: Options{DescriptionURL: "not-a-url"}}
	require.Error(t, cfg.Validate())

	cfg = &Config{Options: Options{DescriptionURL: "https://example.com/app"}}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnsupportedHashAlgorithm(t *testing.T) {
	cfg := &Config{Options: Options{FileHashAlgorithm: "crc32"}}
	require.Error(t, cfg.Validate())

	cfg = &Config{Options: Options{TimestampHashAlgorithm: "sha3"}}
	require.Error(t, cfg.Validate())

	cfg = &Config{Options: Options{FileHashAlgorithm: "sha512"}}
	require.NoError(t, cfg.Validate())
}

func TestNormalizedDescriptionURLAddsTrailingSlashForBarePath(t *testing.T) {
	o := Options{DescriptionURL: "https://example.com"}
	url, ok := o.NormalizedDescriptionURL()
	require.True(t, ok)
	require.Equal(t, "https://example.com/", url)
}

func TestNormalizedDescriptionURLEmptyWhenUnset(t *testing.T) {
	o := Options{}
	_, ok := o.NormalizedDescriptionURL()
	require.False(t, ok)
}

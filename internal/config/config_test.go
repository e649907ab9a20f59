package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
archive_root: /srv/backup
include:
  - /etc
  - /home/user
exclude:
  - "*.tmp"
workers: 3
retention:
  keep_runs: 7
  older_than: 720h
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/backup", cfg.ArchiveRoot)
	assert.Equal(t, filepath.Join("/srv/backup", IndexFileName), cfg.IndexPath)
	assert.Equal(t, []string{"/etc", "/home/user"}, cfg.Include)
	assert.Equal(t, []string{"*.tmp"}, cfg.Exclude)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, DefaultMaxFilesPerDir, cfg.MaxFilesPerDir)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, 7, cfg.Retention.KeepRuns)
	assert.Equal(t, 720*time.Hour, cfg.Retention.OlderThan)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "archive_root: /srv/backup\nworkers: 3\n")
	t.Setenv("ABUS_ARCHIVE_ROOT", "/mnt/other")
	t.Setenv("ABUS_WORKERS", "5")
	t.Setenv("ABUS_RETENTION_KEEP_RUNS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/other", cfg.ArchiveRoot)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 2, cfg.Retention.KeepRuns)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"no archive root", func(c *Config) { c.ArchiveRoot = "" }, false},
		{"no workers", func(c *Config) { c.Workers = 0 }, false},
		{"zero files per dir", func(c *Config) { c.MaxFilesPerDir = 0 }, false},
		{"compression out of range", func(c *Config) { c.CompressionLevel = 30 }, false},
		{"negative retention", func(c *Config) { c.Retention.KeepRuns = -1 }, false},
		{"bad pattern", func(c *Config) { c.Exclude = []string{"[a-"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ArchiveRoot = "/srv/backup"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestGenerateLoadsBack(t *testing.T) {
	cfg := Default()
	cfg.ArchiveRoot = "/srv/backup"
	cfg.Include = []string{"/etc"}
	cfg.Retention.OlderThan = 48 * time.Hour

	var buf bytes.Buffer
	require.NoError(t, Generate(&buf, cfg))
	assert.Contains(t, buf.String(), "# Directory holding archive.json")
	assert.Contains(t, buf.String(), "older_than: 48h0m0s")

	path := writeConfig(t, buf.String())
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ArchiveRoot, loaded.ArchiveRoot)
	assert.Equal(t, cfg.Include, loaded.Include)
	assert.Equal(t, cfg.Workers, loaded.Workers)
	assert.Equal(t, 48*time.Hour, loaded.Retention.OlderThan)
}

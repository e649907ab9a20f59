package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/illarion/abus/internal/core"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

type cli struct {
	t      *testing.T
	config string
	src    string
	root   string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	c := &cli{t: t, src: t.TempDir(), root: filepath.Join(t.TempDir(), "archive")}
	c.config = filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("archive_root: %q\ninclude:\n  - %q\nworkers: 2\n", c.root, c.src)
	require.NoError(t, os.WriteFile(c.config, []byte(body), 0o600))
	t.Setenv(core.PasswordEnv, "cli-secret")
	return c
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", c.config, "--log-level", "none"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func (c *cli) write(name, content string) {
	c.t.Helper()
	p := filepath.Join(c.src, name)
	require.NoError(c.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(c.t, os.WriteFile(p, []byte(content), 0o644))
}

func TestCommandsEndToEnd(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("status")
	assert.ErrorIs(t, err, core.ErrNotInitialized)

	out := c.mustRun("init")
	assert.Contains(t, out, "Initialized archive")
	assert.FileExists(t, filepath.Join(c.root, "archive.json"))

	out = c.mustRun("ls")
	assert.Contains(t, out, "No runs yet")

	c.write("notes.txt", "first\n")
	c.write("docs/readme.md", "hello\n")
	out = c.mustRun("backup")
	assert.Contains(t, out, "2 files, 2 new content files")

	// run names have millisecond resolution
	time.Sleep(5 * time.Millisecond)
	c.write("notes.txt", "second\n")
	require.NoError(t, os.Chtimes(filepath.Join(c.src, "notes.txt"), time.Now(), time.Now().Add(time.Hour)))
	out = c.mustRun("backup")
	assert.Contains(t, out, "1 new content files")

	out = c.mustRun("ls")
	assert.Contains(t, out, "RUN")

	out = c.mustRun("ls", filepath.Join(c.src, "docs"))
	assert.Contains(t, out, "docs/readme.md")
	assert.NotContains(t, out, "notes.txt")

	out = c.mustRun("history", filepath.Join(c.src, "notes.txt"))
	assert.Contains(t, out, "changed")

	out = c.mustRun("diff", "--runs")
	assert.Contains(t, out, "M /")
	assert.Contains(t, out, "notes.txt")

	c.write("notes.txt", "third\n")
	out = c.mustRun("diff", filepath.Join(c.src, "notes.txt"))
	assert.Contains(t, out, "+third")

	out = c.mustRun("verify", "--deep")
	assert.Contains(t, out, "Archive is consistent")

	out = c.mustRun("status")
	assert.Contains(t, out, "runs:        2")
	assert.Contains(t, out, "Password:  not stored")

	out = c.mustRun("purge", "--keep", "1", "--dry-run")
	assert.Contains(t, out, "Would remove 1 runs and 1 content files")

	require.NoError(t, os.Remove(filepath.Join(c.root, "index.db")))
	_, err = c.run("ls")
	assert.ErrorIs(t, err, core.ErrIndexStale)
	out = c.mustRun("rebuild")
	assert.Contains(t, out, "Runs: 2 replayed, 0 removed")

	target := t.TempDir()
	out = c.mustRun("restore", "--abort", "--target", target)
	assert.Contains(t, out, "restored 2")
	restoredNotes := filepath.Join(target, filepath.FromSlash(mustRecorded(t, filepath.Join(c.src, "notes.txt"))))
	restored, err := os.ReadFile(restoredNotes)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(restored))

	require.NoError(t, os.WriteFile(restoredNotes, []byte("edited\n"), 0o600))
	_, err = c.run("restore", "--abort", "--target", target)
	assert.ErrorIs(t, err, core.ErrConflict)
	out = c.mustRun("restore", "--keep-both", "--target", target)
	assert.Contains(t, out, ".from-archive")

	out = c.mustRun("purge", "--keep", "1")
	assert.Contains(t, out, "Removed 1 runs")

	out = c.mustRun("compact")
	assert.Contains(t, out, "Compacted:")
}

func TestKeyringCommands(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")

	out := c.mustRun("keyring", "status")
	assert.Contains(t, out, "not stored")
	out = c.mustRun("keyring", "save")
	assert.Contains(t, out, "saved")
	out = c.mustRun("keyring", "status")
	assert.Contains(t, out, "stored in keyring")

	// the keyring is used when the environment has no password
	t.Setenv(core.PasswordEnv, "")
	c.write("a.txt", "alpha")
	out = c.mustRun("backup")
	assert.Contains(t, out, "1 files")

	out = c.mustRun("keyring", "delete")
	assert.Contains(t, out, "removed")
	out = c.mustRun("keyring", "delete")
	assert.Contains(t, out, "No password stored")

	if !core.IsTerminal() {
		_, err := c.run("backup")
		assert.ErrorIs(t, err, core.ErrPasswordRequired)
	}
}

func TestConfigCommands(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("config", "show")
	assert.Contains(t, out, "archive_root: "+c.root)

	generated := filepath.Join(t.TempDir(), "abus", "config.yaml")
	out = c.mustRun("config", "generate", "--archive-root", "/srv/abus", "-o", generated)
	assert.Contains(t, out, generated)
	_, err := c.run("config", "generate", "-o", generated)
	assert.Error(t, err)

	data, err := os.ReadFile(generated)
	require.NoError(t, err)
	assert.Contains(t, string(data), "archive_root: /srv/abus")
}

func TestPurgeRequiresRetention(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	_, err := c.run("purge")
	assert.ErrorIs(t, err, core.ErrNoRetention)
}

func TestRestoreHelpListsPromptKeys(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("restore", "--help")
	assert.Contains(t, out, "[s] skip this file")
	assert.Contains(t, out, "[e] merge in $EDITOR (text files only)")
	assert.NotContains(t, out, "[x]")
}

func TestHandleError(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 0, HandleError(&out, nil))
	assert.Empty(t, out.String())

	assert.Equal(t, 1, HandleError(&out, fmt.Errorf("unlock: %w", core.ErrWrongPassword)))
	assert.Equal(t, "Error: wrong password\n", out.String())

	out.Reset()
	assert.Equal(t, 1, HandleError(&out, core.ErrNotInitialized))
	assert.Contains(t, out.String(), "Run 'abus init' first")

	out.Reset()
	assert.Equal(t, 1, HandleError(&out, context.Canceled))
	assert.Equal(t, "Error: interrupted\n", out.String())
}

func TestExecuteReturnsExitCode(t *testing.T) {
	c := newCLI(t)
	saved := os.Args
	t.Cleanup(func() { os.Args = saved })

	os.Args = []string{"abus", "--config", c.config, "--log-level", "none", "status"}
	assert.Equal(t, 1, Execute(context.Background()))

	os.Args = []string{"abus", "--config", c.config, "--log-level", "none", "init"}
	assert.Equal(t, 0, Execute(context.Background()))
}

func TestParseAt(t *testing.T) {
	got, err := parseAt("20261016T101500.000Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 10, 15, 0, 0, time.UTC), got)

	got, err = parseAt("2026-10-16T10:15:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 10, 16, 8, 15, 0, 0, time.UTC)))

	got, err = parseAt("2026-10-16")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.Local), got)

	_, err = parseAt("yesterday")
	assert.Error(t, err)
}

func TestRecordedPatterns(t *testing.T) {
	patterns, err := recordedPatterns([]string{"/etc/hosts", "home/*/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"etc/hosts", "home/*/notes.txt"}, patterns)

	wd, err := os.Getwd()
	require.NoError(t, err)
	patterns, err = recordedPatterns([]string{"sub"})
	require.NoError(t, err)
	assert.Equal(t, []string{mustRecorded(t, filepath.Join(wd, "sub"))}, patterns)
}

func mustRecorded(t *testing.T, p string) string {
	t.Helper()
	recorded, err := core.RecordedPath(p)
	require.NoError(t, err)
	return recorded
}

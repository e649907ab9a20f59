package core

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illarion/abus/internal/archive"
)

func TestBackupStoresUniqueContent(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.write("sub/b.txt", "beta")
	f.write("sub/deeper/copy-of-a.txt", "alpha")
	f.write("empty", "")

	result := f.backup()
	assert.Equal(t, 4, result.Files)
	assert.Equal(t, 4, result.Hashed)
	assert.Equal(t, 0, result.Reused)
	assert.Equal(t, 3, result.Stored, "identical files share one content file")
	assert.Empty(t, result.Skipped)

	run, entries, err := f.abus.ListFiles(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, result.Run, run)
	require.Len(t, entries, 4)
	assert.Equal(t, f.recorded("a.txt"), entries[0].Path)
	assert.Equal(t, entries[0].Digest, entries[3].Digest)
	assert.Equal(t, f.recorded("sub/deeper/copy-of-a.txt"), entries[3].Path)

	// MaxFilesPerDir is 2 in the fixture
	scan, err := archive.Open(f.fs, archive.Options{})
	require.NoError(t, err)
	require.NoError(t, scan.Unlock(testPassword))
	found, err := scan.ScanLocations(context.Background())
	require.NoError(t, err)
	dirs := map[string]int{}
	for _, loc := range found.Locations {
		dirs[loc]++
	}
	assert.Equal(t, map[string]int{"content/0000": 2, "content/0001": 1}, dirs)
}

func TestBackupIncremental(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.write("b.txt", "beta")
	f.write("c.txt", "gamma")
	first := f.backup()

	f.write("b.txt", "beta, edited")
	require.NoError(t, os.Remove(filepath.Join(f.src, "c.txt")))
	f.write("d.txt", "delta")
	second := f.backup()

	assert.NotEqual(t, first.Run, second.Run)
	assert.Less(t, first.Run, second.Run)
	assert.Equal(t, 3, second.Files)
	assert.Equal(t, 1, second.Reused)
	assert.Equal(t, 2, second.Hashed)
	assert.Equal(t, 2, second.Stored)

	diff, err := f.abus.DiffRuns(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, first.Run, diff.From)
	assert.Equal(t, second.Run, diff.To)
	assert.Equal(t, []string{f.recorded("d.txt")}, diff.Added)
	assert.Equal(t, []string{f.recorded("c.txt")}, diff.Removed)
	assert.Equal(t, []string{f.recorded("b.txt")}, diff.Changed)

	history, err := f.abus.History(context.Background(), "/"+f.recorded("b.txt"))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Changed)
	assert.True(t, history[1].Changed)

	history, err = f.abus.History(context.Background(), f.recorded("a.txt"))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[1].Changed)

	_, err = f.abus.History(context.Background(), "no/such/file")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestBackupRehash(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.backup()

	result, err := f.abus.Backup(context.Background(), testPassword, BackupOptions{Rehash: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Hashed)
	assert.Equal(t, 0, result.Reused)
	assert.Equal(t, 0, result.Stored)
}

func TestBackupExclude(t *testing.T) {
	f := newFixture(t)
	f.cfg.Exclude = []string{"*.tmp", f.recorded("cache")}
	f.write("keep.txt", "keep")
	f.write("scratch.tmp", "drop")
	f.write("cache/blob", "drop")
	f.write("nested/also.tmp", "drop")

	result := f.backup()
	assert.Equal(t, 1, result.Files)

	_, entries, err := f.abus.ListFiles(context.Background(), result.Run, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.recorded("keep.txt"), entries[0].Path)
}

func TestBackupSkipsSymlinks(t *testing.T) {
	f := newFixture(t)
	f.write("real.txt", "real")
	if err := os.Symlink(filepath.Join(f.src, "real.txt"), filepath.Join(f.src, "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	result := f.backup()
	assert.Equal(t, 1, result.Files)
}

func TestBackupDryRun(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")

	result, err := f.abus.Backup(context.Background(), testPassword, BackupOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Files)
	assert.Equal(t, 1, result.Stored)

	runs, err := f.abus.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
	status, err := f.abus.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.ContentFiles)
}

func TestBackupMissingInclude(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.cfg.Include = append(f.cfg.Include, filepath.Join(f.src, "does-not-exist"))

	result := f.backup()
	assert.Equal(t, 1, result.Files)
	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0], "does-not-exist")
}

func TestBackupWalkExcludesAndFileIncludes(t *testing.T) {
	f := newFixture(t)
	f.write("keep/a.txt", "alpha")
	f.write("proj/node_modules/dep/index.js", "dep")
	f.write("proj/main.js", "main")
	f.write("single/b.txt", "beta")
	f.cfg.Include = []string{
		filepath.Join(f.src, "keep"),
		filepath.Join(f.src, "proj"),
		filepath.Join(f.src, "single", "b.txt"),
	}
	f.cfg.Exclude = []string{"**/node_modules"}

	result := f.backup()
	assert.Equal(t, 3, result.Files)
	assert.Empty(t, result.Skipped)

	_, entries, err := f.abus.ListFiles(context.Background(), result.Run, nil)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{f.recorded("keep/a.txt"), f.recorded("proj/main.js"), f.recorded("single/b.txt")}, paths)
}

func TestBackupUnreadableDirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs a non-root unix user to deny directory access")
	}
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.write("locked/b.txt", "beta")
	locked := filepath.Join(f.src, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o700) })

	result := f.backup()
	assert.Equal(t, 1, result.Files)
	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0], "locked")
}

func TestBackupNoSources(t *testing.T) {
	f := newFixture(t)
	f.cfg.Include = nil
	_, err := f.abus.Backup(context.Background(), testPassword, BackupOptions{})
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestBackupCancelled(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.abus.Backup(ctx, testPassword, BackupOptions{})
	assert.ErrorIs(t, err, context.Canceled)

	runs, err := f.abus.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestExcluded(t *testing.T) {
	tests := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"home/u/a.tmp", []string{"*.tmp"}, true},
		{"home/u/a.txt", []string{"*.tmp"}, false},
		{"home/u/cache", []string{"/home/u/cache"}, true},
		{"home/u/cache", []string{"home/*/cache"}, true},
		{"home/u/.git", []string{".git"}, true},
		{"home/u/src", nil, false},
		{"home/u/proj/node_modules", []string{"**/node_modules"}, true},
		{"home/u/proj/node_modules/x.js", []string{"**/node_modules/**"}, true},
		{"home/u/proj/src/x.js", []string{"**/node_modules/**"}, false},
		{"home/u/a/b/c.log", []string{"home/u/**/*.log"}, true},
		{"home/u/a/b/c.log", []string{"home/*/*.log"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, excluded(tt.path, tt.patterns), "%s %v", tt.path, tt.patterns)
	}
}

func TestBackupChangedFileDoesNotDropTwins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("a.txt", "same")
	f.write("b.txt", "same")
	f.backup()

	// lose the shared content file, then rebuild so the index forgets it
	digest := digestOf([]byte("same"))
	require.NoError(t, f.fs.Remove(archive.ContentPath("content/0000", digest)))
	_, err := f.abus.Rebuild(ctx, testPassword)
	require.NoError(t, err)

	// a.txt changes without changing size or mtime, so its old digest is reused
	p := filepath.Join(f.src, "a.txt")
	info, err := os.Stat(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("diff"), 0o644))
	require.NoError(t, os.Chtimes(p, info.ModTime(), info.ModTime()))

	result := f.backup()
	assert.Equal(t, 2, result.Reused)
	assert.Equal(t, 1, result.Stored, "content is stored from b.txt")
	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0], f.recorded("a.txt"))
	assert.Equal(t, 1, result.Files)

	_, entries, err := f.abus.ListFiles(ctx, result.Run, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.recorded("b.txt"), entries[0].Path)
	assert.Equal(t, digest, entries[0].Digest)

	verify, err := f.abus.Verify(ctx, testPassword, true)
	require.NoError(t, err)
	assert.True(t, verify.OK())
}

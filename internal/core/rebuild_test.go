package core

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illarion/abus/internal/archive"
	"github.com/illarion/abus/internal/manifest"
)

func TestRebuildFromScratch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("a.txt", "alpha")
	f.write("b.txt", "beta")
	f.backup()
	f.write("b.txt", "beta two")
	f.write("c.txt", "gamma")
	f.backup()

	runsBefore, err := f.abus.ListRuns(ctx)
	require.NoError(t, err)
	_, filesBefore, err := f.abus.ListFiles(ctx, "", nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(f.cfg.IndexPath))

	result, err := f.abus.Rebuild(ctx, testPassword)
	require.NoError(t, err)
	assert.Equal(t, 4, result.ContentFiles)
	assert.Len(t, result.Locations.Inserted, 4)
	assert.Empty(t, result.Locations.Deleted)
	assert.Empty(t, result.Locations.Updated)
	require.Len(t, result.Replay.Added, 2)
	assert.Equal(t, runsBefore[0].Name, result.Replay.Added[0].Name)
	assert.Equal(t, 2, result.Replay.Added[0].Entries)
	assert.Equal(t, 3, result.Replay.Added[1].Entries)

	runsAfter, err := f.abus.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, runsBefore, runsAfter)
	_, filesAfter, err := f.abus.ListFiles(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, filesBefore, filesAfter)

	again, err := f.abus.Rebuild(ctx, testPassword)
	require.NoError(t, err)
	assert.True(t, again.Locations.Empty())
	assert.Empty(t, again.Replay.Added)
	assert.Empty(t, again.Replay.Removed)
}

func TestRebuildWrongPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.abus.Rebuild(context.Background(), []byte("wrong"))
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestMissingIndexRebuiltOnUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("a.txt", "alpha")
	first := f.backup()

	require.NoError(t, os.Remove(f.cfg.IndexPath))
	_, err := f.abus.ListRuns(ctx)
	assert.ErrorIs(t, err, ErrIndexStale)
	_, err = f.abus.Status(ctx)
	assert.ErrorIs(t, err, ErrIndexStale, "a failed read must not leave an empty index behind")

	f.write("b.txt", "beta")
	second := f.backup()
	assert.Equal(t, 1, second.Reused, "previous run is replayed before hashing")

	runs, err := f.abus.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, first.Run, runs[0].Name)
	assert.Equal(t, second.Run, runs[1].Name)
}

func TestRebuildDropsRemovedManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("a.txt", "alpha")
	first := f.backup()
	f.write("a.txt", "alpha two")
	f.backup()

	require.NoError(t, f.fs.Remove(archive.RunPath(first.Run)))

	result, err := f.abus.Rebuild(ctx, testPassword)
	require.NoError(t, err)
	assert.Equal(t, []string{first.Run}, result.Replay.Removed)
	assert.True(t, result.Locations.Empty())

	runs, err := f.abus.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotEqual(t, first.Run, runs[0].Name)
}

func TestRebuildGarbageManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("a.txt", "alpha")
	f.backup()

	garbage := "29991231T235959.000Z"
	require.NoError(t, afero.WriteFile(f.fs, archive.RunPath(garbage), []byte("not a manifest"), archive.FilePerm))

	_, err := f.abus.Rebuild(ctx, testPassword)
	require.Error(t, err)
	assert.Contains(t, err.Error(), garbage)

	runs, err := f.abus.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotEqual(t, garbage, runs[0].Name)

	result, err := f.abus.Verify(ctx, testPassword, false)
	require.NoError(t, err)
	assert.Equal(t, []string{garbage}, result.Unindexed)
	assert.False(t, result.OK())
}

func TestRebuildFindsOrphanContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("a.txt", "alpha")
	f.backup()

	arc, err := archive.Open(f.fs, archive.Options{})
	require.NoError(t, err)
	require.NoError(t, arc.Unlock(testPassword))
	data := []byte("left behind by an interrupted backup")
	digest := digestOf(data)
	location, _, err := arc.StoreContent(ctx, digest, bytes.NewReader(data))
	require.NoError(t, err)
	arc.Lock()

	result, err := f.abus.Rebuild(ctx, testPassword)
	require.NoError(t, err)
	assert.Equal(t, []string{digest}, result.Locations.Inserted)
	assert.Empty(t, result.Replay.Added)

	verify, err := f.abus.Verify(ctx, testPassword, true)
	require.NoError(t, err)
	assert.Equal(t, []string{digest}, verify.Orphans)
	assert.True(t, verify.OK())

	// a copy in a second directory is reported, the smaller location is kept
	raw, err := afero.ReadFile(f.fs, archive.ContentPath(location, digest))
	require.NoError(t, err)
	require.NoError(t, f.fs.MkdirAll("content/9999", archive.DirPerm))
	require.NoError(t, afero.WriteFile(f.fs, archive.ContentPath("content/9999", digest), raw, archive.FilePerm))

	result, err = f.abus.Rebuild(ctx, testPassword)
	require.NoError(t, err)
	require.Len(t, result.Duplicates, 1)
	assert.Equal(t, location, result.Duplicates[0].Kept)
	assert.True(t, result.Locations.Empty())
}

func TestReplayContentRejectsMismatchedRunName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write("a.txt", "alpha")
	run := f.backup()

	raw, err := afero.ReadFile(f.fs, archive.RunPath(run.Run))
	require.NoError(t, err)
	copied := manifest.RunName(f.now())
	require.NoError(t, afero.WriteFile(f.fs, archive.RunPath(copied), raw, archive.FilePerm))

	_, err = f.abus.Rebuild(ctx, testPassword)
	assert.Error(t, err)
}

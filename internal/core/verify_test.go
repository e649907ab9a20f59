package core

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illarion/abus/internal/archive"
)

func TestVerifyClean(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.write("b.txt", "beta")
	f.backup()

	result, err := f.abus.Verify(context.Background(), testPassword, true)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 1, result.Runs)
	assert.Equal(t, 2, result.Locations)
	assert.Equal(t, 2, result.Checked)
}

func TestVerifyMissingContent(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.backup()

	digest := digestOf([]byte("alpha"))
	require.NoError(t, f.fs.Remove(archive.ContentPath("content/0000", digest)))

	result, err := f.abus.Verify(context.Background(), testPassword, false)
	require.NoError(t, err)
	assert.False(t, result.OK())
	require.Len(t, result.Missing, 1)
	assert.Contains(t, result.Missing[0], digest)
}

func TestVerifyCorruptContent(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	f.backup()

	digest := digestOf([]byte("alpha"))
	p := archive.ContentPath("content/0000", digest)
	raw, err := afero.ReadFile(f.fs, p)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, afero.WriteFile(f.fs, p, raw, archive.FilePerm))

	shallow, err := f.abus.Verify(context.Background(), testPassword, false)
	require.NoError(t, err)
	assert.True(t, shallow.OK(), "a shallow verify only checks presence")

	deep, err := f.abus.Verify(context.Background(), testPassword, true)
	require.NoError(t, err)
	assert.False(t, deep.OK())
	require.Len(t, deep.Corrupt, 1)
	assert.Contains(t, deep.Corrupt[0], digest)
}

func TestVerifyBadManifest(t *testing.T) {
	f := newFixture(t)
	f.write("a.txt", "alpha")
	run := f.backup()

	require.NoError(t, afero.WriteFile(f.fs, archive.RunPath(run.Run), []byte("garbage"), archive.FilePerm))

	result, err := f.abus.Verify(context.Background(), testPassword, false)
	require.NoError(t, err)
	assert.False(t, result.OK())
	require.Len(t, result.BadRuns, 1)
	assert.Contains(t, result.BadRuns[0], run.Run)
}

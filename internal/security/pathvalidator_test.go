package security

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) (*PathValidator, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, dir
}

func TestValidateAndNormalize(t *testing.T) {
	v, _ := newValidator(t)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"simple file", "test.txt", "test.txt", nil},
		{"recorded path", "home/user/.ssh/config", "home/user/.ssh/config", nil},
		{"spaces", "docs/My Notes.txt", "docs/My Notes.txt", nil},
		{"dot slash", "./test.txt", "test.txt", nil},
		{"redundant slashes", "a//b///c.txt", "a/b/c.txt", nil},
		{"dot segments", "a/./b/../c.txt", "a/c.txt", nil},

		{"empty", "", "", ErrEmptyPath},
		{"parent", "../test.txt", "", ErrPathEscapes},
		{"nested parent", "a/../../test.txt", "", ErrPathEscapes},
		{"etc passwd", "../../etc/passwd", "", ErrPathEscapes},
		{"absolute", "/etc/passwd", "", ErrAbsolutePath},
	}
	if runtime.GOOS == "windows" {
		tests = append(tests,
			struct {
				name    string
				input   string
				want    string
				wantErr error
			}{"drive letter", `C:\Windows\System32`, "", ErrAbsolutePath})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateAndNormalize(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadStatOpenInRoot(t *testing.T) {
	v, dir := newValidator(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "hosts"), []byte("127.0.0.1 localhost\n"), 0o600))

	data, err := v.ReadFileInRoot("etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1 localhost\n", string(data))

	f, err := v.OpenInRoot("etc/hosts")
	require.NoError(t, err)
	streamed, err := io.ReadAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Equal(t, data, streamed)

	info, err := v.StatInRoot("etc/hosts")
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	_, err = v.StatInRoot("etc/missing")
	assert.True(t, os.IsNotExist(err), "got %v", err)

	_, err = v.ReadFileInRoot("../outside")
	assert.ErrorIs(t, err, ErrPathEscapes)
}

func TestSymlinkEscapeBlocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	v, dir := newValidator(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	// the path is lexically local but resolves outside the target
	_, err := v.ReadFileInRoot("link/secret")
	assert.Error(t, err)

	err = v.WriteStreamInRoot("link/planted", bytes.NewReader([]byte("x")), 0o600, time.Time{}, nil)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(outside, "planted"))

	info, err := v.StatInRoot("link")
	require.NoError(t, err)
	assert.Equal(t, os.ModeSymlink, info.Mode()&os.ModeSymlink, "final symlink must not be followed")
}

func TestWriteStreamInRoot(t *testing.T) {
	v, dir := newValidator(t)
	modTime := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	full := filepath.Join(dir, "a", "b", "restored.txt")

	require.NoError(t, v.WriteStreamInRoot("a/b/restored.txt", bytes.NewReader([]byte("restored")), 0o600, modTime, nil))
	info, err := os.Stat(full)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modTime), "mtime %v", info.ModTime())
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		for _, d := range []string{filepath.Join(dir, "a"), filepath.Dir(full)} {
			dirInfo, err := os.Stat(d)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm(), d)
		}
	}

	// a rejected stream leaves the existing file and no staging file behind
	errReject := errors.New("digest mismatch")
	err = v.WriteStreamInRoot("a/b/restored.txt", bytes.NewReader([]byte("garbage")), 0o600, modTime,
		func() error { return errReject })
	assert.ErrorIs(t, err, errReject)
	content, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "restored", string(content))
	entries, err := os.ReadDir(filepath.Dir(full))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// zero mtime keeps the write time
	require.NoError(t, v.WriteStreamInRoot("now.txt", bytes.NewReader(nil), 0o600, time.Time{}, nil))
	info, err = os.Stat(filepath.Join(dir, "now.txt"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)

	err = v.WriteStreamInRoot("../escape.txt", bytes.NewReader(nil), 0o600, time.Time{}, nil)
	assert.ErrorIs(t, err, ErrPathEscapes)
}

func TestRoot(t *testing.T) {
	v, dir := newValidator(t)
	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, abs, v.Root())
}

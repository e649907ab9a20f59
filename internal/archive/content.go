package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/illarion/abus/internal/crypto"
	"github.com/illarion/abus/internal/manifest"
)

// ContentLocation returns the location (archive relative directory) of the n-th content directory.
func ContentLocation(n int) string {
	return path.Join(ContentDir, fmt.Sprintf("%04d", n))
}

// ContentPath returns the archive relative path of a content file.
func ContentPath(location, digest string) string {
	return path.Join(location, digest)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// loadAllocator finds the highest numbered content directory and counts its files.
func (a *Archive) loadAllocator() error {
	infos, err := afero.ReadDir(a.fs, ContentDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to list %s: %w", ContentDir, err)
	}

	highest := -1
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		n, err := strconv.Atoi(info.Name())
		if err != nil || n < 0 {
			continue
		}
		if n > highest {
			highest = n
		}
	}

	a.curDir, a.curCount = 0, 0
	if highest >= 0 {
		files, err := afero.ReadDir(a.fs, ContentLocation(highest))
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", ContentLocation(highest), err)
		}
		a.curDir = highest
		for _, f := range files {
			if f.Mode().IsRegular() && manifest.IsDigest(f.Name()) {
				a.curCount++
			}
		}
	}
	a.allocReady = true
	return nil
}

// allocate reserves a slot in the current content directory, opening the next
// directory once max_files_per_dir is reached.
func (a *Archive) allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allocReady {
		if err := a.loadAllocator(); err != nil {
			return "", err
		}
	}
	if a.curCount >= a.format.MaxFilesPerDir {
		a.curDir++
		a.curCount = 0
	}
	a.curCount++

	location := ContentLocation(a.curDir)
	if err := a.fs.MkdirAll(location, DirPerm); err != nil {
		return "", fmt.Errorf("ensuring %s: %w", location, err)
	}
	return location, nil
}

// StoreContent compresses and encrypts r into a new content file named digest.
// The plaintext is hashed while streaming; if it does not match digest the
// staged file is discarded and ErrDigestMismatch is returned. It returns the
// location the file was placed in and the number of bytes written to disk.
func (a *Archive) StoreContent(ctx context.Context, digest string, r io.Reader) (string, int64, error) {
	if !a.Unlocked() {
		return "", 0, ErrLocked
	}
	if !manifest.IsDigest(digest) {
		return "", 0, fmt.Errorf("invalid digest %q", digest)
	}
	if err := a.fs.MkdirAll(TmpDir, DirPerm); err != nil {
		return "", 0, fmt.Errorf("ensuring %s: %w", TmpDir, err)
	}

	tmp, err := afero.TempFile(a.fs, TmpDir, "content-*")
	if err != nil {
		return "", 0, fmt.Errorf("create record for %s: %w", digest, err)
	}
	tmpName := tmp.Name()
	discard := func(err error) (string, int64, error) {
		tmp.Close()
		a.fs.Remove(tmpName)
		return "", 0, err
	}

	encW, err := crypto.NewWriter(tmp, a.key, []byte(digest))
	if err != nil {
		return discard(err)
	}
	zw, err := zstd.NewWriter(encW, zstd.WithEncoderLevel(a.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return discard(err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(zw, io.TeeReader(ctxReader{ctx: ctx, r: r}, hasher)); err != nil {
		zw.Close()
		return discard(fmt.Errorf("write record for %s: %w", digest, err))
	}
	if err := zw.Close(); err != nil {
		return discard(err)
	}
	if err := encW.Close(); err != nil {
		return discard(err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != digest {
		return discard(fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, digest, got))
	}

	info, err := tmp.Stat()
	if err != nil {
		return discard(err)
	}
	if err := tmp.Close(); err != nil {
		a.fs.Remove(tmpName)
		return "", 0, err
	}

	location, err := a.allocate()
	if err != nil {
		a.fs.Remove(tmpName)
		return "", 0, err
	}
	if err := a.fs.Rename(tmpName, ContentPath(location, digest)); err != nil {
		a.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("rename record for %s: %w", digest, err)
	}
	return location, info.Size(), nil
}

type contentReader struct {
	dec  *zstd.Decoder
	file afero.File
}

func (c *contentReader) Read(p []byte) (int, error) {
	return c.dec.Read(p)
}

func (c *contentReader) Close() error {
	c.dec.Close()
	return c.file.Close()
}

// OpenContent returns a reader over the decrypted, decompressed plaintext of a
// content file. Authentication failures surface from Read as crypto.ErrAuthFailed.
func (a *Archive) OpenContent(location, digest string) (io.ReadCloser, error) {
	if !a.Unlocked() {
		return nil, ErrLocked
	}
	f, err := a.fs.Open(ContentPath(location, digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ContentPath(location, digest))
		}
		return nil, err
	}
	sr, err := crypto.NewReader(f, a.key, []byte(digest))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", ContentPath(location, digest), err)
	}
	dec, err := zstd.NewReader(sr, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &contentReader{dec: dec, file: f}, nil
}

// VerifyContent decrypts a content file completely and checks its digest.
func (a *Archive) VerifyContent(ctx context.Context, location, digest string) error {
	rc, err := a.OpenContent(location, digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, ctxReader{ctx: ctx, r: rc}); err != nil {
		return fmt.Errorf("%s: %w", ContentPath(location, digest), err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != digest {
		return fmt.Errorf("%w: %s holds %s", ErrDigestMismatch, ContentPath(location, digest), got)
	}
	return nil
}

// RemoveContent deletes a content file. Missing files are not an error.
func (a *Archive) RemoveContent(location, digest string) error {
	if err := a.fs.Remove(ContentPath(location, digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", ContentPath(location, digest), err)
	}
	return nil
}

// ContentSize returns the on-disk size of a content file
func (a *Archive) ContentSize(location, digest string) (int64, error) {
	info, err := a.fs.Stat(ContentPath(location, digest))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// HasContent reports whether the content file exists at location
func (a *Archive) HasContent(location, digest string) (bool, error) {
	info, err := a.fs.Stat(ContentPath(location, digest))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

package security

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPathEscapes  = errors.New("path escapes restore target")
	ErrAbsolutePath = errors.New("absolute paths are not allowed")
	ErrEmptyPath    = errors.New("empty path not allowed")
)

// PathValidator confines file operations to a restore target directory
// using the os.Root API. Archived paths are untrusted input: a manifest that
// names ../../etc/passwd must not write outside the target.
type PathValidator struct {
	root     *os.Root
	rootPath string
}

// New opens targetPath as the root all operations are confined to.
func New(targetPath string) (*PathValidator, error) {
	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	root, err := os.OpenRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open restore target: %w", err)
	}

	return &PathValidator{
		root:     root,
		rootPath: absPath,
	}, nil
}

// Close releases the root handle
func (pv *PathValidator) Close() error {
	if pv.root != nil {
		return pv.root.Close()
	}
	return nil
}

// Root returns the absolute path of the restore target
func (pv *PathValidator) Root() string {
	return pv.rootPath
}

// ValidateAndNormalize validates a path and returns it cleaned and slash
// separated. It rejects:
// - Empty paths
// - Absolute paths
// - Paths that escape the target (using ..)
// - Windows reserved names (CON, NUL, etc.)
func (pv *PathValidator) ValidateAndNormalize(userPath string) (string, error) {
	if userPath == "" {
		return "", ErrEmptyPath
	}

	if !filepath.IsLocal(userPath) {
		if filepath.IsAbs(userPath) || strings.HasPrefix(userPath, "/") {
			return "", fmt.Errorf("%w: %s", ErrAbsolutePath, userPath)
		}
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, userPath)
	}

	cleanPath := filepath.Clean(userPath)
	if !filepath.IsLocal(cleanPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, cleanPath)
	}

	relPath, err := filepath.Rel(pv.rootPath, filepath.Join(pv.rootPath, cleanPath))
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, userPath)
	}

	return filepath.ToSlash(relPath), nil
}

// platform validates a slash separated path and returns it in platform form
func (pv *PathValidator) platform(path string) (string, error) {
	normalized, err := pv.ValidateAndNormalize(filepath.FromSlash(path))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	return filepath.FromSlash(normalized), nil
}

// ReadFileInRoot reads a whole file inside the target
func (pv *PathValidator) ReadFileInRoot(path string) ([]byte, error) {
	p, err := pv.platform(path)
	if err != nil {
		return nil, err
	}
	return pv.root.ReadFile(p)
}

// OpenInRoot opens a file inside the target for reading
func (pv *PathValidator) OpenInRoot(path string) (*os.File, error) {
	p, err := pv.platform(path)
	if err != nil {
		return nil, err
	}
	return pv.root.Open(p)
}

// StatInRoot stats a path inside the target without following a final symlink
func (pv *PathValidator) StatInRoot(path string) (os.FileInfo, error) {
	p, err := pv.platform(path)
	if err != nil {
		return nil, err
	}
	return pv.root.Lstat(p)
}

// dirPerm is used for parent directories created under the root
const dirPerm = 0o700

// WriteStreamInRoot streams r into path. The data is staged next to the
// destination and renamed over it only when verify accepts it, so a failed
// restore never leaves a truncated file behind.
func (pv *PathValidator) WriteStreamInRoot(path string, r io.Reader, perm os.FileMode, modTime time.Time, verify func() error) error {
	p, err := pv.platform(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := pv.root.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	staged := p + ".abus-" + uuid.NewString()[:8]
	f, err := pv.root.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	discard := func(err error) error {
		f.Close()
		pv.root.Remove(staged)
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		return discard(err)
	}
	if verify != nil {
		if err := verify(); err != nil {
			return discard(err)
		}
	}
	if err := f.Chmod(perm); err != nil {
		return discard(err)
	}
	if err := f.Close(); err != nil {
		pv.root.Remove(staged)
		return err
	}
	if !modTime.IsZero() {
		if err := pv.root.Chtimes(staged, modTime, modTime); err != nil {
			pv.root.Remove(staged)
			return err
		}
	}
	if err := pv.root.Rename(staged, p); err != nil {
		pv.root.Remove(staged)
		return err
	}
	return nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/karrick/godirwalk"
	"go.uber.org/zap"
)

// sourceFile is a regular file found under an include path
type sourceFile struct {
	Path     string // recorded path: slash separated, relative to the filesystem root
	FullPath string // OS path used to read the file
	Size     int64
	Mode     uint32
	ModTime  time.Time
}

// RecordedPath converts an OS path into the form stored in manifests:
// absolute, slash separated, without volume or leading slash.
func RecordedPath(osPath string) (string, error) {
	abs, err := filepath.Abs(osPath)
	if err != nil {
		return "", err
	}
	abs = strings.TrimPrefix(abs, filepath.VolumeName(abs))
	return strings.TrimPrefix(filepath.ToSlash(abs), "/"), nil
}

// LocalPath converts a recorded path back into an OS path
func LocalPath(recorded string) string {
	return string(filepath.Separator) + filepath.FromSlash(recorded)
}

// excluded reports whether a recorded path matches an exclude pattern.
// Patterns are doublestar globs matched against the whole recorded path; a
// pattern without a slash also matches the base name.
func excluded(recorded string, patterns []string) bool {
	base := path.Base(recorded)
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "/")
		if ok, _ := doublestar.Match(pattern, recorded); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, base); ok {
				return true
			}
		}
	}
	return false
}

// collectSources walks the include paths. Unreadable entries are logged and
// skipped; symlinks and special files are never followed or recorded.
func (a *Abus) collectSources(ctx context.Context, includes, excludes []string) ([]sourceFile, []string, error) {
	seen := make(map[string]bool)
	var (
		files    []sourceFile
		warnings []string
	)
	warn := func(p string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", p, err))
		a.log.Warn("skipping source", zap.String("path", p), zap.Error(err))
	}
	add := func(p string) {
		recorded, err := RecordedPath(p)
		if err != nil {
			warn(p, err)
			return
		}
		if seen[recorded] {
			return
		}
		info, err := os.Lstat(p)
		if err != nil {
			warn(p, err)
			return
		}
		seen[recorded] = true
		files = append(files, sourceFile{
			Path:     recorded,
			FullPath: p,
			Size:     info.Size(),
			Mode:     uint32(info.Mode().Perm()),
			ModTime:  info.ModTime(),
		})
	}
	isExcluded := func(p string) bool {
		recorded, err := RecordedPath(p)
		return err == nil && recorded != "" && excluded(recorded, excludes)
	}

	for _, include := range includes {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		info, err := os.Lstat(include)
		switch {
		case errors.Is(err, os.ErrNotExist):
			warn(include, err)
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("failed to walk %s: %w", include, err)
		case isExcluded(include):
			continue
		case info.Mode().IsRegular():
			add(include)
			continue
		case !info.IsDir():
			a.log.Debug("skipping non-regular include", zap.String("path", include), zap.Stringer("mode", info.Mode()))
			continue
		}

		err = godirwalk.Walk(include, &godirwalk.Options{
			Callback: func(p string, de *godirwalk.Dirent) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if p != include && isExcluded(p) {
					if de.IsDir() {
						return godirwalk.SkipThis
					}
					return nil
				}
				switch {
				case de.IsDir():
				case de.IsSymlink(), !de.IsRegular():
					a.log.Debug("skipping non-regular file", zap.String("path", p), zap.Stringer("type", de.ModeType()))
				default:
					add(p)
				}
				return nil
			},
			ErrorCallback: func(p string, err error) godirwalk.ErrorAction {
				if ctx.Err() != nil {
					return godirwalk.Halt
				}
				warn(p, err)
				return godirwalk.SkipNode
			},
			FollowSymbolicLinks: false,
			Unsorted:            true,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, fmt.Errorf("failed to walk %s: %w", include, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, warnings, nil
}

package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/illarion/abus/internal/archive"
	"github.com/illarion/abus/internal/crypto"
	"github.com/illarion/abus/internal/index"
	"github.com/illarion/abus/internal/manifest"
	"github.com/illarion/abus/internal/security"
)

// RestoreOptions select what to restore and where
type RestoreOptions struct {
	Run      string    // run name; empty means the latest run (at or before At)
	At       time.Time // restore the state as of this time
	Target   string    // directory the recorded paths are restored under
	Patterns []string  // exact paths, directory prefixes or globs; empty means all
	Strategy MergeStrategy
}

// RestoreResult contains the results of a restore
type RestoreResult struct {
	Run      string
	Restored []string // Files written
	Skipped  []string // Files left alone: unchanged, kept local or skipped
	Errors   []string // Files that failed
}

// secureFileMode keeps the owner permission bits only.
// Returns FilePermSecure (0600) if the result would be zero.
func secureFileMode(mode uint32) os.FileMode {
	secure := os.FileMode(mode) & 0700
	if secure == 0 {
		return FilePermSecure
	}
	return secure
}

// MatchesPatterns reports whether a recorded path is selected by patterns:
// an exact path, a directory prefix or a doublestar glob.
func MatchesPatterns(p string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		pattern = strings.Trim(strings.ReplaceAll(pattern, "\\", "/"), "/")
		if pattern == "" || p == pattern || strings.HasPrefix(p, pattern+"/") {
			return true
		}
		if matched, _ := doublestar.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

func filterEntries(entries []manifest.Entry, patterns []string) []manifest.Entry {
	if len(patterns) == 0 {
		return entries
	}
	var result []manifest.Entry
	for _, e := range entries {
		if MatchesPatterns(e.Path, patterns) {
			result = append(result, e)
		}
	}
	return result
}

// selectRun picks a run by name, by point in time or the latest one.
func selectRun(idx *index.Index, name string, at time.Time) (*index.RunInfo, error) {
	if name != "" {
		info, err := idx.Run(name)
		if errors.Is(err, index.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, name)
		}
		return info, err
	}

	runs, err := idx.Runs()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	if at.IsZero() {
		return &runs[len(runs)-1], nil
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if !runs[i].Started.After(at) {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no run started at or before %s", ErrRunNotFound, at.Format(time.RFC3339))
}

// readContent decrypts a content file fully and verifies its digest.
func readContent(arc *archive.Archive, location, digest string) ([]byte, error) {
	rc, err := arc.OpenContent(location, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		crypto.ClearBytes(data)
		return nil, archive.ErrDigestMismatch
	}
	return data, nil
}

// localDigest hashes a file inside the restore target.
func localDigest(v *security.PathValidator, p string) (string, error) {
	f, err := v.OpenInRoot(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeFromArchive streams a content file to p, verifying the digest before
// the file replaces anything.
func writeFromArchive(v *security.PathValidator, arc *archive.Archive, p, location string, e manifest.Entry) error {
	rc, err := arc.OpenContent(location, e.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	h := sha256.New()
	verify := func() error {
		if got := hex.EncodeToString(h.Sum(nil)); got != e.Digest {
			return fmt.Errorf("%w: got %s", archive.ErrDigestMismatch, got)
		}
		return nil
	}
	return v.WriteStreamInRoot(p, io.TeeReader(rc, h), secureFileMode(e.Mode), e.ModTime, verify)
}

// freeCopyPath finds p.from-archive or the first free p.from-archive.N
func freeCopyPath(v *security.PathValidator, p string) (string, error) {
	candidate := p + ".from-archive"
	for i := 1; ; i++ {
		if _, err := v.StatInRoot(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		if i >= MaxArchiveCopies {
			return "", fmt.Errorf("too many archived copies (max %d)", MaxArchiveCopies)
		}
		candidate = fmt.Sprintf("%s.from-archive.%d", p, i)
	}
}

// Restore writes the files of a run under opts.Target. Existing files that
// differ from the archived version are handled by opts.Strategy.
func (a *Abus) Restore(ctx context.Context, password []byte, opts RestoreOptions) (*RestoreResult, error) {
	s, err := a.openUnlocked(ctx, password)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	log := a.log.Named("restore")

	run, err := selectRun(s.idx, opts.Run, opts.At)
	if err != nil {
		return nil, err
	}
	entries, err := s.idx.Snapshot(run.Name)
	if err != nil {
		return nil, err
	}
	selected := filterEntries(entries, opts.Patterns)
	if len(opts.Patterns) > 0 && len(selected) == 0 {
		return nil, ErrNoMatch
	}

	target := opts.Target
	if target == "" {
		target = "."
	}
	if err := os.MkdirAll(target, DirPermSecure); err != nil {
		return nil, fmt.Errorf("failed to create restore target: %w", err)
	}
	validator, err := security.New(target)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize path validator: %w", err)
	}
	defer validator.Close()

	result := &RestoreResult{
		Run:      run.Name,
		Restored: []string{},
		Skipped:  []string{},
		Errors:   []string{},
	}
	fail := func(p string, err error) {
		msg := fmt.Sprintf("%s: %v", p, err)
		result.Errors = append(result.Errors, msg)
		a.printf("error: %s\n", msg)
		log.Warn("restore failed", zap.String("path", p), zap.Error(err))
	}

	for _, e := range selected {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// Validate path from the manifest to prevent path traversal
		validPath, err := validator.ValidateAndNormalize(e.Path)
		if err != nil {
			fail(e.Path, fmt.Errorf("invalid path in archive: %w", err))
			continue
		}
		location, found, err := s.idx.Location(e.Digest)
		if err != nil {
			return result, err
		}
		if !found {
			fail(validPath, fmt.Errorf("%w: %s", archive.ErrContentNotFound, e.Digest))
			continue
		}

		info, err := validator.StatInRoot(validPath)
		switch {
		case os.IsNotExist(err):
			// nothing local, write below
		case err != nil:
			fail(validPath, err)
			continue
		case !info.Mode().IsRegular():
			fail(validPath, fmt.Errorf("local path exists and is not a regular file"))
			continue
		default:
			local, err := localDigest(validator, validPath)
			if err != nil {
				fail(validPath, err)
				continue
			}
			if local == e.Digest {
				result.Skipped = append(result.Skipped, validPath)
				a.printf("skipped: %s (unchanged)\n", validPath)
				continue
			}

			var localData, archived []byte
			if opts.Strategy == StrategyAsk {
				if localData, err = validator.ReadFileInRoot(validPath); err != nil {
					fail(validPath, err)
					continue
				}
				if archived, err = readContent(s.arc, location, e.Digest); err != nil {
					crypto.ClearBytes(localData)
					fail(validPath, err)
					continue
				}
			}
			resolution, merged, err := a.resolveConflict(validPath, localData, archived, opts.Strategy)
			crypto.ClearBytes(localData)
			crypto.ClearBytes(archived)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				if errors.Is(err, ErrConflict) {
					return result, err
				}
				a.printf("error: %s\n", err.Error())
				continue
			}

			switch resolution {
			case ResolutionKeepLocal:
				result.Skipped = append(result.Skipped, validPath)
				a.printf("skipped: %s (kept local version)\n", validPath)
				continue
			case ResolutionSkip:
				result.Skipped = append(result.Skipped, validPath)
				a.printf("skipped: %s\n", validPath)
				continue
			case ResolutionMerged:
				err := validator.WriteStreamInRoot(validPath, bytes.NewReader(merged), secureFileMode(e.Mode), time.Time{}, nil)
				crypto.ClearBytes(merged)
				if err != nil {
					fail(validPath, err)
					continue
				}
				result.Restored = append(result.Restored, validPath)
				a.printf("merged: %s\n", validPath)
				continue
			case ResolutionKeepBoth:
				copyPath, err := freeCopyPath(validator, validPath)
				if err != nil {
					fail(validPath, err)
					continue
				}
				if err := writeFromArchive(validator, s.arc, copyPath, location, e); err != nil {
					fail(copyPath, err)
					continue
				}
				result.Restored = append(result.Restored, copyPath)
				result.Skipped = append(result.Skipped, validPath)
				a.printf("saved: %s (archived version)\n", copyPath)
				continue
			case ResolutionUseArchive:
				// Continue to write the archived version
			}
		}

		if err := writeFromArchive(validator, s.arc, validPath, location, e); err != nil {
			fail(validPath, err)
			continue
		}
		result.Restored = append(result.Restored, validPath)
		a.printf("restored: %s\n", validPath)
	}

	log.Info("restore finished",
		zap.String("run", run.Name),
		zap.String("target", validator.Root()),
		zap.Int("restored", len(result.Restored)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

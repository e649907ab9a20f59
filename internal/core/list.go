package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/illarion/abus/internal/crypto"
	"github.com/illarion/abus/internal/index"
	"github.com/illarion/abus/internal/manifest"
)

// ListRuns returns all runs, oldest first (no password required)
func (a *Abus) ListRuns(ctx context.Context) ([]index.RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := a.openReadOnly()
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.idx.Runs()
}

// ListFiles returns the entries of a run matching patterns. An empty run
// name means the latest run.
func (a *Abus) ListFiles(ctx context.Context, run string, patterns []string) (string, []manifest.Entry, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	s, err := a.openReadOnly()
	if err != nil {
		return "", nil, err
	}
	defer s.Close()

	info, err := selectRun(s.idx, run, time.Time{})
	if err != nil {
		return "", nil, err
	}
	entries, err := s.idx.Snapshot(info.Name)
	if err != nil {
		return "", nil, err
	}
	return info.Name, filterEntries(entries, patterns), nil
}

// Version is one appearance of a path in a run
type Version struct {
	Run     string
	Entry   manifest.Entry
	Changed bool // digest differs from the previous appearance (always true for the first)
}

// History returns every run that contains path, oldest first
func (a *Abus) History(ctx context.Context, p string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := a.openReadOnly()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	recorded := strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
	history, err := s.idx.History(recorded)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, recorded)
	}

	versions := make([]Version, len(history))
	for i, h := range history {
		versions[i] = Version{
			Run:     h.Run,
			Entry:   h.Entry,
			Changed: i == 0 || history[i-1].Entry.Digest != h.Entry.Digest,
		}
	}
	return versions, nil
}

// RunDiff lists the paths that differ between two runs
type RunDiff struct {
	From, To string
	Added    []string
	Removed  []string
	Changed  []string
}

// DiffRuns compares two runs by path and digest. An empty from means the
// run before to; an empty to means the latest run.
func (a *Abus) DiffRuns(ctx context.Context, from, to string) (*RunDiff, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := a.openReadOnly()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	toInfo, err := selectRun(s.idx, to, time.Time{})
	if err != nil {
		return nil, err
	}
	if from == "" {
		names, err := s.idx.RunNames()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if name < toInfo.Name {
				from = name
			}
		}
		if from == "" {
			return nil, fmt.Errorf("%w: no run before %s", ErrRunNotFound, toInfo.Name)
		}
	}
	fromInfo, err := selectRun(s.idx, from, time.Time{})
	if err != nil {
		return nil, err
	}

	older, err := s.idx.Snapshot(fromInfo.Name)
	if err != nil {
		return nil, err
	}
	newer, err := s.idx.Snapshot(toInfo.Name)
	if err != nil {
		return nil, err
	}
	return diffEntries(fromInfo.Name, toInfo.Name, older, newer), nil
}

// diffEntries merges two path sorted snapshots
func diffEntries(from, to string, older, newer []manifest.Entry) *RunDiff {
	d := &RunDiff{From: from, To: to}
	i, j := 0, 0
	for i < len(older) || j < len(newer) {
		switch {
		case j == len(newer) || (i < len(older) && older[i].Path < newer[j].Path):
			d.Removed = append(d.Removed, older[i].Path)
			i++
		case i == len(older) || newer[j].Path < older[i].Path:
			d.Added = append(d.Added, newer[j].Path)
			j++
		default:
			if older[i].Digest != newer[j].Digest {
				d.Changed = append(d.Changed, newer[j].Path)
			}
			i++
			j++
		}
	}
	return d
}

// DiffLocal returns a unified diff between the archived and the local version
// of every selected file of a run that differs on disk.
func (a *Abus) DiffLocal(ctx context.Context, password []byte, run string, patterns []string) (string, error) {
	s, err := a.openUnlocked(ctx, password)
	if err != nil {
		return "", err
	}
	defer s.Close()

	info, err := selectRun(s.idx, run, time.Time{})
	if err != nil {
		return "", err
	}
	entries, err := s.idx.Snapshot(info.Name)
	if err != nil {
		return "", err
	}
	selected := filterEntries(entries, patterns)
	if len(patterns) > 0 && len(selected) == 0 {
		return "", ErrNoMatch
	}

	var out strings.Builder
	for _, e := range selected {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		localData, err := os.ReadFile(LocalPath(e.Path))
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(&out, "Only in archive: %s\n", e.Path)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%s: %w", e.Path, err)
		}

		location, found, err := s.idx.Location(e.Digest)
		if err != nil {
			crypto.ClearBytes(localData)
			return "", err
		}
		if !found {
			crypto.ClearBytes(localData)
			return "", fmt.Errorf("%s: content %s has no location", e.Path, e.Digest)
		}
		archived, err := readContent(s.arc, location, e.Digest)
		if err != nil {
			crypto.ClearBytes(localData)
			return "", fmt.Errorf("%s: %w", e.Path, err)
		}

		out.WriteString(unifiedDiff(e.Path, archived, localData))
		crypto.ClearBytes(localData)
		crypto.ClearBytes(archived)
	}
	return out.String(), nil
}

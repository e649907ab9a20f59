package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/illarion/abus/internal/archive"
	"github.com/illarion/abus/internal/index"
)

// ReplayedRun is a run added to the index from its manifest
type ReplayedRun struct {
	Name    string
	Entries int
}

// ReplayResult reports what ReplayContent changed
type ReplayResult struct {
	Added   []ReplayedRun
	Removed []string
}

// RebuildResult reports what Rebuild changed
type RebuildResult struct {
	ContentFiles int   // content files found on disk
	ContentBytes int64 // their on-disk size
	Duplicates   []archive.Duplicate
	Locations    index.LocationDelta
	Replay       *ReplayResult
}

// ReplayContent brings the runs and content tables in line with the run
// manifests in the archive. Manifests of runs the index does not know are
// decrypted and inserted, one transaction per run; indexed runs whose
// manifest is gone are removed. The archive must be unlocked.
func ReplayContent(ctx context.Context, arc *archive.Archive, idx *index.Index, log *zap.Logger) (*ReplayResult, error) {
	onDisk, err := arc.RunNames()
	if err != nil {
		return nil, err
	}
	indexed, err := idx.RunNames()
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{}
	present := make(map[string]bool, len(onDisk))
	for _, run := range onDisk {
		present[run] = true
	}

	var stale []string
	for _, run := range indexed {
		if !present[run] {
			stale = append(stale, run)
		}
	}
	if len(stale) > 0 {
		if _, err := idx.RemoveRuns(stale); err != nil {
			return nil, fmt.Errorf("failed to remove stale runs: %w", err)
		}
		result.Removed = stale
		log.Info("removed runs without manifest", zap.Strings("runs", stale))
	}

	known := make(map[string]bool, len(indexed))
	for _, run := range indexed {
		known[run] = true
	}
	for _, run := range onDisk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if known[run] {
			continue
		}
		m, err := arc.ReadRun(run)
		if err != nil {
			return nil, fmt.Errorf("failed to replay run %s: %w", run, err)
		}
		if err := idx.ReplayRun(index.NewRunInfo(m), m.Entries); err != nil {
			return nil, fmt.Errorf("failed to replay run %s: %w", run, err)
		}
		result.Added = append(result.Added, ReplayedRun{Name: run, Entries: len(m.Entries)})
		log.Debug("replayed run", zap.String("run", run), zap.Int("entries", len(m.Entries)))
	}
	return result, nil
}

func (a *Abus) rebuild(ctx context.Context, s *session) (*RebuildResult, error) {
	log := a.log.Named("rebuild")

	scan, err := s.arc.ScanLocations(ctx)
	if err != nil {
		return nil, err
	}
	for _, dup := range scan.Duplicates {
		log.Warn("duplicate content file",
			zap.String("digest", dup.Digest),
			zap.String("location", dup.Location),
			zap.String("kept", dup.Kept))
	}

	delta, err := s.idx.ReconcileLocations(scan.Locations)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile locations: %w", err)
	}
	log.Info("locations reconciled",
		zap.Int("inserted", len(delta.Inserted)),
		zap.Int("deleted", len(delta.Deleted)),
		zap.Int("updated", len(delta.Updated)))

	replay, err := ReplayContent(ctx, s.arc, s.idx, log)
	if err != nil {
		return nil, err
	}
	if s.fresh {
		if err := s.idx.MarkSynced(); err != nil {
			return nil, err
		}
		s.fresh = false
	}

	return &RebuildResult{
		ContentFiles: len(scan.Locations),
		ContentBytes: scan.Bytes,
		Duplicates:   scan.Duplicates,
		Locations:    delta,
		Replay:       replay,
	}, nil
}

// Rebuild scans the archive and updates the index to match it, creating the
// index if it does not exist.
func (a *Abus) Rebuild(ctx context.Context, password []byte) (*RebuildResult, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	s, err := a.open()
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := s.arc.Unlock(password); err != nil {
		return nil, err
	}
	return a.rebuild(ctx, s)
}

package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/illarion/abus/internal/index"
)

// PurgeOptions select which runs to remove
type PurgeOptions struct {
	KeepRuns  int           // keep at least the newest KeepRuns runs
	OlderThan time.Duration // remove runs started before now minus OlderThan
	DryRun    bool
}

// PurgeResult reports what purge removed (or would remove)
type PurgeResult struct {
	Runs    []string
	Content int
	Bytes   int64
	DryRun  bool
}

// selectPurge picks the runs to remove. The newest run is always kept. With
// both rules set a run must be outside the kept window and older than the
// cutoff.
func selectPurge(runs []index.RunInfo, opts PurgeOptions, now time.Time) []string {
	if len(runs) <= 1 {
		return nil
	}
	candidates := runs[:len(runs)-1]
	if opts.KeepRuns > 0 {
		if opts.KeepRuns >= len(runs) {
			return nil
		}
		candidates = runs[:len(runs)-opts.KeepRuns]
	}

	var selected []string
	cutoff := now.Add(-opts.OlderThan)
	for _, run := range candidates {
		if opts.OlderThan > 0 && !run.Started.Before(cutoff) {
			continue
		}
		selected = append(selected, run.Name)
	}
	return selected
}

// checkRunsIndexed fails with ErrIndexStale when a run manifest in the
// archive is unknown to the index. Its content would look unreferenced.
func checkRunsIndexed(s *session) error {
	onDisk, err := s.arc.RunNames()
	if err != nil {
		return err
	}
	indexed, err := s.idx.RunNames()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(indexed))
	for _, name := range indexed {
		known[name] = true
	}
	var missing []string
	for _, name := range onDisk {
		if !known[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: runs not indexed: %s", ErrIndexStale, strings.Join(missing, ", "))
	}
	return nil
}

// Purge removes old runs and every content file no remaining run references.
// It needs no password: manifests are deleted, never read.
func (a *Abus) Purge(ctx context.Context, opts PurgeOptions) (*PurgeResult, error) {
	if opts.KeepRuns <= 0 && opts.OlderThan <= 0 {
		return nil, ErrNoRetention
	}
	s, err := a.openReadOnly()
	if err != nil {
		return nil, err
	}
	defer s.Close()
	log := a.log.Named("purge")

	if err := checkRunsIndexed(s); err != nil {
		return nil, err
	}
	runs, err := s.idx.Runs()
	if err != nil {
		return nil, err
	}
	result := &PurgeResult{Runs: selectPurge(runs, opts, a.now()), DryRun: opts.DryRun}

	if !opts.DryRun {
		for _, run := range result.Runs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.arc.RemoveRun(run); err != nil {
				return nil, err
			}
			if _, err := s.idx.RemoveRuns([]string{run}); err != nil {
				return nil, fmt.Errorf("manifest of %s removed but index not updated: %w", run, err)
			}
			log.Info("run removed", zap.String("run", run))
		}
	}

	refs, err := s.idx.ReferencedDigests()
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		// references of the runs that would go
		purged := make(map[string]bool, len(result.Runs))
		for _, run := range result.Runs {
			purged[run] = true
		}
		refs = make(map[string]int)
		for _, run := range runs {
			if purged[run.Name] {
				continue
			}
			entries, err := s.idx.Snapshot(run.Name)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				refs[e.Digest]++
			}
		}
	}

	locations, err := s.idx.Locations()
	if err != nil {
		return nil, err
	}
	var collected []string
	for _, digest := range sortedDigests(locations) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if refs[digest] > 0 {
			continue
		}
		location := locations[digest]
		if size, err := s.arc.ContentSize(location, digest); err == nil {
			result.Bytes += size
		}
		result.Content++
		if opts.DryRun {
			continue
		}
		if err := s.arc.RemoveContent(location, digest); err != nil {
			return nil, err
		}
		collected = append(collected, digest)
	}
	if err := s.idx.DeleteLocations(collected); err != nil {
		return nil, err
	}

	log.Info("purge finished",
		zap.Int("runs", len(result.Runs)),
		zap.Int("content", result.Content),
		zap.Int64("bytes", result.Bytes),
		zap.Bool("dry_run", opts.DryRun))
	return result, nil
}

package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VerifyResult lists problems found in the archive
type VerifyResult struct {
	Runs      int
	Locations int
	Checked   int      // content files decrypted (deep only)
	Missing   []string // referenced content without a file
	Orphans   []string // content files no run references
	Corrupt   []string // content files that fail to decrypt or hash (deep only)
	BadRuns   []string // manifests that fail to decrypt or parse
	Unindexed []string // manifests the index does not know
}

// OK reports whether the archive is consistent. Orphans are not errors:
// they are left by interrupted backups and collected by purge.
func (r *VerifyResult) OK() bool {
	return len(r.Missing) == 0 && len(r.Corrupt) == 0 && len(r.BadRuns) == 0 && len(r.Unindexed) == 0
}

// Verify checks that every referenced content file exists, that every run
// manifest decrypts and, with deep, that every content file decrypts to its
// digest.
func (a *Abus) Verify(ctx context.Context, password []byte, deep bool) (*VerifyResult, error) {
	s, err := a.openUnlocked(ctx, password)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	log := a.log.Named("verify")

	locations, err := s.idx.Locations()
	if err != nil {
		return nil, err
	}
	refs, err := s.idx.ReferencedDigests()
	if err != nil {
		return nil, err
	}
	indexed, err := s.idx.RunNames()
	if err != nil {
		return nil, err
	}
	onDisk, err := s.arc.RunNames()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Runs: len(indexed), Locations: len(locations)}

	for _, digest := range sortedDigests(locations) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		location := locations[digest]
		ok, err := s.arc.HasContent(location, digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Missing = append(result.Missing, fmt.Sprintf("%s (indexed at %s)", digest, location))
			continue
		}
		if refs[digest] == 0 {
			result.Orphans = append(result.Orphans, digest)
		}
	}
	for _, digest := range sortedDigests(refs) {
		if _, ok := locations[digest]; !ok {
			result.Missing = append(result.Missing, fmt.Sprintf("%s (no location)", digest))
		}
	}

	known := make(map[string]bool, len(indexed))
	for _, run := range indexed {
		known[run] = true
	}
	for _, run := range onDisk {
		if !known[run] {
			result.Unindexed = append(result.Unindexed, run)
			continue
		}
		if _, err := s.arc.ReadRun(run); err != nil {
			result.BadRuns = append(result.BadRuns, fmt.Sprintf("%s: %v", run, err))
		}
	}

	if deep {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.Workers)
		for _, digest := range sortedDigests(locations) {
			location := locations[digest]
			g.Go(func() error {
				err := s.arc.VerifyContent(gctx, location, digest)
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				defer mu.Unlock()
				result.Checked++
				if err != nil {
					result.Corrupt = append(result.Corrupt, fmt.Sprintf("%s: %v", digest, err))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		sort.Strings(result.Corrupt)
	}

	log.Info("verify finished",
		zap.Int("runs", result.Runs),
		zap.Int("locations", result.Locations),
		zap.Int("checked", result.Checked),
		zap.Int("missing", len(result.Missing)),
		zap.Int("orphans", len(result.Orphans)),
		zap.Int("corrupt", len(result.Corrupt)),
		zap.Int("bad_runs", len(result.BadRuns)))
	return result, nil
}

func sortedDigests[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/illarion/abus/internal/archive"
	"github.com/illarion/abus/internal/index"
	"github.com/illarion/abus/internal/manifest"
)

// BackupOptions tune a backup run
type BackupOptions struct {
	DryRun bool // report what would be stored without writing
	Rehash bool // hash every file even if size and mtime are unchanged
}

// BackupResult summarises a backup run
type BackupResult struct {
	Run         string
	Files       int      // files recorded in the manifest
	Hashed      int      // files read to compute their digest
	Reused      int      // digests taken from the previous run
	Stored      int      // new content files
	BytesStored int64    // on-disk bytes of new content files
	Skipped     []string // files left out, with the reason
	DryRun      bool
}

func hashFile(ctx context.Context, p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: f}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
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

// Backup snapshots the configured include paths into a new run.
//
// Content is stored before the manifest is written, so an interrupted backup
// leaves only unreferenced content files behind.
func (a *Abus) Backup(ctx context.Context, password []byte, opts BackupOptions) (*BackupResult, error) {
	if len(a.cfg.Include) == 0 {
		return nil, ErrNoSources
	}
	s, err := a.openUnlocked(ctx, password)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	log := a.log.Named("backup")
	started := a.now().UTC()
	result := &BackupResult{Run: manifest.RunName(started), DryRun: opts.DryRun}

	files, warnings, err := a.collectSources(ctx, a.cfg.Include, a.cfg.Exclude)
	if err != nil {
		return nil, err
	}
	result.Skipped = append(result.Skipped, warnings...)
	log.Debug("sources collected", zap.Int("files", len(files)))

	previous := make(map[string]manifest.Entry)
	if latest, err := s.idx.LatestRun(); err != nil {
		return nil, err
	} else if latest != nil {
		entries, err := s.idx.Snapshot(latest.Name)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			previous[e.Path] = e
		}
	}

	// pass 1: digests
	digests := make([]string, len(files))
	failed := make([]error, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i := range files {
		f := files[i]
		if prev, ok := previous[f.Path]; ok && !opts.Rehash &&
			prev.Size == f.Size && prev.ModTime.Equal(f.ModTime) {
			digests[i] = prev.Digest
			result.Reused++
			continue
		}
		result.Hashed++
		g.Go(func() error {
			d, err := hashFile(gctx, f.FullPath)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed[i] = err
				return nil
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	locations, err := s.idx.Locations()
	if err != nil {
		return nil, err
	}

	// pass 2: store each missing digest once, from the first file of its
	// group that still matches it
	pending := make(map[string][]int) // digest -> file indexes
	var order []string
	for i, d := range digests {
		if failed[i] != nil || d == "" {
			continue
		}
		if _, ok := locations[d]; ok {
			continue
		}
		if _, ok := pending[d]; !ok {
			order = append(order, d)
		}
		pending[d] = append(pending[d], i)
	}

	var (
		mu           sync.Mutex
		newLocations = make(map[string]string)
		changed      = make(map[int]error) // file index -> reason
	)
	if opts.DryRun {
		result.Stored = len(order)
		for _, d := range order {
			result.BytesStored += files[pending[d][0]].Size
		}
	} else {
		g, gctx = errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.Workers)
		for _, d := range order {
			group := pending[d]
			g.Go(func() error {
				for _, i := range group {
					f := files[i]
					loc, written, err := storeFile(gctx, s.arc, d, f.FullPath)
					mu.Lock()
					switch {
					case err == nil:
						newLocations[d] = loc
						result.Stored++
						result.BytesStored += written
						mu.Unlock()
						log.Debug("stored", zap.String("path", f.Path), zap.String("digest", d), zap.String("location", loc))
						return nil
					case gctx.Err() != nil:
						mu.Unlock()
						return gctx.Err()
					case errors.Is(err, archive.ErrDigestMismatch), errors.Is(err, os.ErrNotExist):
						changed[i] = errors.New("changed during backup")
						mu.Unlock()
					default:
						mu.Unlock()
						return fmt.Errorf("%s: %w", f.Path, err)
					}
				}
				return nil
			})
		}
		err := g.Wait()
		if len(newLocations) > 0 {
			// content already on disk must be indexed even if the run fails
			if perr := s.idx.PutLocations(newLocations); perr != nil && err == nil {
				err = perr
			}
		}
		if err != nil {
			return nil, err
		}
	}

	// a group whose files all changed has no stored content; its files are
	// all in changed, so no entry points at missing content
	m := &manifest.Manifest{Run: result.Run, Started: started}
	m.Host, _ = os.Hostname()
	for i, f := range files {
		if failed[i] != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", f.Path, failed[i]))
			log.Warn("skipping unreadable file", zap.String("path", f.Path), zap.Error(failed[i]))
			continue
		}
		if err, ok := changed[i]; ok {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: %v", f.Path, err))
			log.Warn("skipping file", zap.String("path", f.Path), zap.Error(err))
			continue
		}
		m.Entries = append(m.Entries, manifest.Entry{
			Path:    f.Path,
			Digest:  digests[i],
			Size:    f.Size,
			Mode:    f.Mode,
			ModTime: f.ModTime.UTC(),
		})
	}
	m.Sort()
	m.Finished = a.now().UTC()
	result.Files = len(m.Entries)

	if opts.DryRun {
		return result, nil
	}

	if err := s.arc.WriteRun(m); err != nil {
		return nil, err
	}
	if err := s.idx.RecordRun(index.NewRunInfo(m), m.Entries, nil); err != nil {
		return nil, fmt.Errorf("run %s written but not indexed: %w", m.Run, err)
	}

	log.Info("backup finished",
		zap.String("run", result.Run),
		zap.Int("files", result.Files),
		zap.Int("stored", result.Stored),
		zap.Int("reused", result.Reused),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int64("bytes_stored", result.BytesStored))
	return result, nil
}

func storeFile(ctx context.Context, arc *archive.Archive, digest, p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return arc.StoreContent(ctx, digest, f)
}

package index

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/illarion/abus/internal/manifest"
)

// HistoryEntry is one version of a path as seen by a run
type HistoryEntry struct {
	Run   string
	Entry manifest.Entry
}

// Runs returns all indexed runs, oldest first
func (x *Index) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := x.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(RunsBucket)
		if bucket == nil {
			return ErrNotInitialized
		}
		return bucket.ForEach(func(k, v []byte) error {
			info, err := decodeRun(v)
			if err != nil {
				return fmt.Errorf("run %s: %w", k, err)
			}
			runs = append(runs, info)
			return nil
		})
	})
	return runs, err
}

// Run returns one indexed run
func (x *Index) Run(name string) (*RunInfo, error) {
	var info *RunInfo
	err := x.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(RunsBucket)
		if bucket == nil {
			return ErrNotInitialized
		}
		v := bucket.Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, name)
		}
		decoded, err := decodeRun(v)
		if err != nil {
			return err
		}
		info = &decoded
		return nil
	})
	return info, err
}

// LatestRun returns the newest indexed run, or nil if there is none
func (x *Index) LatestRun() (*RunInfo, error) {
	var info *RunInfo
	err := x.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(RunsBucket)
		if bucket == nil {
			return ErrNotInitialized
		}
		k, v := bucket.Cursor().Last()
		if k == nil {
			return nil
		}
		decoded, err := decodeRun(v)
		if err != nil {
			return err
		}
		info = &decoded
		return nil
	})
	return info, err
}

// RecordRun stores a run, its entries and the locations of content it added
// in one transaction.
func (x *Index) RecordRun(info RunInfo, entries []manifest.Entry, locations map[string]string) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		if err := putRun(tx, info, entries); err != nil {
			return err
		}
		if err := putLocations(tx, locations); err != nil {
			return err
		}
		return touch(tx)
	})
}

// ReplayRun stores a run read back from its manifest. Either the whole run is
// written or nothing is.
func (x *Index) ReplayRun(info RunInfo, entries []manifest.Entry) error {
	return x.RecordRun(info, entries, nil)
}

func putRun(tx *bolt.Tx, info RunInfo, entries []manifest.Entry) error {
	runs := tx.Bucket(RunsBucket)
	content := tx.Bucket(ContentBucket)
	if runs == nil || content == nil {
		return ErrNotInitialized
	}
	if runs.Get([]byte(info.Name)) != nil {
		return fmt.Errorf("%w: %s", ErrRunExists, info.Name)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := runs.Put([]byte(info.Name), data); err != nil {
		return err
	}

	// a stale content bucket without a run record is replaced
	if content.Bucket([]byte(info.Name)) != nil {
		if err := content.DeleteBucket([]byte(info.Name)); err != nil {
			return err
		}
	}
	files, err := content.CreateBucket([]byte(info.Name))
	if err != nil {
		return fmt.Errorf("failed to create content bucket for %s: %w", info.Name, err)
	}
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := files.Put([]byte(entry.Path), data); err != nil {
			return fmt.Errorf("run %s, %q: %w", info.Name, entry.Path, err)
		}
	}
	return nil
}

// RemoveRuns deletes runs and their content. Unknown names are ignored.
// It returns the number of runs removed.
func (x *Index) RemoveRuns(names []string) (int, error) {
	removed := 0
	err := x.db.Update(func(tx *bolt.Tx) error {
		removed = 0
		runs := tx.Bucket(RunsBucket)
		content := tx.Bucket(ContentBucket)
		if runs == nil || content == nil {
			return ErrNotInitialized
		}
		for _, name := range names {
			if runs.Get([]byte(name)) != nil {
				if err := runs.Delete([]byte(name)); err != nil {
					return err
				}
				removed++
			}
			if content.Bucket([]byte(name)) != nil {
				if err := content.DeleteBucket([]byte(name)); err != nil {
					return err
				}
			}
		}
		if removed == 0 {
			return nil
		}
		return touch(tx)
	})
	return removed, err
}

// Snapshot returns the entries of a run sorted by path
func (x *Index) Snapshot(run string) ([]manifest.Entry, error) {
	var entries []manifest.Entry
	err := x.db.View(func(tx *bolt.Tx) error {
		content := tx.Bucket(ContentBucket)
		if content == nil {
			return ErrNotInitialized
		}
		files := content.Bucket([]byte(run))
		if files == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, run)
		}
		return files.ForEach(func(k, v []byte) error {
			var entry manifest.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("run %s, %q: %w", run, k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// Entry returns one path of a run, or nil if the run does not contain it
func (x *Index) Entry(run, path string) (*manifest.Entry, error) {
	var entry *manifest.Entry
	err := x.db.View(func(tx *bolt.Tx) error {
		content := tx.Bucket(ContentBucket)
		if content == nil {
			return ErrNotInitialized
		}
		files := content.Bucket([]byte(run))
		if files == nil {
			return fmt.Errorf("%w: %s", ErrRunNotFound, run)
		}
		data := files.Get([]byte(path))
		if data == nil {
			return nil
		}
		entry = &manifest.Entry{}
		return json.Unmarshal(data, entry)
	})
	return entry, err
}

// History returns every version of path, oldest run first
func (x *Index) History(path string) ([]HistoryEntry, error) {
	var history []HistoryEntry
	err := x.db.View(func(tx *bolt.Tx) error {
		content := tx.Bucket(ContentBucket)
		if content == nil {
			return ErrNotInitialized
		}
		// nested buckets iterate in key order, which is run order
		return content.ForEachBucket(func(run []byte) error {
			data := content.Bucket(run).Get([]byte(path))
			if data == nil {
				return nil
			}
			var entry manifest.Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("run %s, %q: %w", run, path, err)
			}
			history = append(history, HistoryEntry{Run: string(run), Entry: entry})
			return nil
		})
	})
	return history, err
}

// ReferencedDigests returns every digest referenced by at least one run,
// with the total number of references.
func (x *Index) ReferencedDigests() (map[string]int, error) {
	refs := make(map[string]int)
	err := x.db.View(func(tx *bolt.Tx) error {
		content := tx.Bucket(ContentBucket)
		if content == nil {
			return ErrNotInitialized
		}
		return content.ForEachBucket(func(run []byte) error {
			return content.Bucket(run).ForEach(func(k, v []byte) error {
				var entry manifest.Entry
				if err := json.Unmarshal(v, &entry); err != nil {
					return fmt.Errorf("run %s, %q: %w", run, k, err)
				}
				refs[entry.Digest]++
				return nil
			})
		})
	})
	return refs, err
}

// RunNames returns the names of all indexed runs, oldest first
func (x *Index) RunNames() ([]string, error) {
	runs, err := x.Runs()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(runs))
	for i, run := range runs {
		names[i] = run.Name
	}
	sort.Strings(names)
	return names, nil
}

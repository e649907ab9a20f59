package archive

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/spf13/afero"

	"github.com/illarion/abus/internal/manifest"
)

// Duplicate is a content file found in more than one location
type Duplicate struct {
	Digest   string
	Location string // ignored copy
	Kept     string // location recorded in the scan
}

// ScanResult is the outcome of ScanLocations
type ScanResult struct {
	Locations  map[string]string // digest -> location
	Duplicates []Duplicate
	Bytes      int64 // on-disk size of all content files found
}

// ScanLocations walks the archive breadth-first and records the directory of
// every file named by a SHA-256 digest. The staging directory is skipped.
// When a digest appears more than once the lexically smallest location wins.
func (a *Archive) ScanLocations(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{Locations: make(map[string]string)}

	queue := []string{"."}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := queue[0]
		queue = queue[1:]

		infos, err := afero.ReadDir(a.fs, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}

		for _, info := range infos {
			name := info.Name()
			if info.IsDir() {
				if dir == "." && name == TmpDir {
					continue
				}
				queue = append(queue, path.Join(dir, name))
				continue
			}
			if !info.Mode().IsRegular() || !manifest.IsDigest(name) {
				continue
			}

			result.Bytes += info.Size()
			kept, seen := result.Locations[name]
			switch {
			case !seen:
				result.Locations[name] = dir
			case dir < kept:
				result.Locations[name] = dir
				result.Duplicates = append(result.Duplicates, Duplicate{Digest: name, Location: kept, Kept: dir})
			default:
				result.Duplicates = append(result.Duplicates, Duplicate{Digest: name, Location: dir, Kept: kept})
			}
		}
	}

	// a later, smaller location may have displaced an earlier Kept value
	for i := range result.Duplicates {
		result.Duplicates[i].Kept = result.Locations[result.Duplicates[i].Digest]
	}
	sort.Slice(result.Duplicates, func(i, j int) bool {
		if result.Duplicates[i].Digest != result.Duplicates[j].Digest {
			return result.Duplicates[i].Digest < result.Duplicates[j].Digest
		}
		return result.Duplicates[i].Location < result.Duplicates[j].Location
	})
	return result, nil
}

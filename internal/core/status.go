package core

import (
	"context"
	"time"

	"github.com/illarion/abus/internal/archive"
	"github.com/illarion/abus/internal/index"
	"github.com/illarion/abus/internal/keyring"
)

// StatusInfo contains status information
type StatusInfo struct {
	ArchiveID     string
	ArchiveRoot   string
	IndexPath     string
	Format        archive.Format
	Runs          int
	LastRun       *index.RunInfo
	Locations     int   // indexed content files
	ContentFiles  int   // content files on disk
	ContentBytes  int64 // on-disk size of content files
	IndexSize     int64
	IndexModified time.Time
	Keyring       bool // password stored in the OS keyring
}

// Status returns the current status (no password required)
func (a *Abus) Status(ctx context.Context) (*StatusInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := a.openReadOnly()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	status := &StatusInfo{
		ArchiveID:   s.arc.ID(),
		ArchiveRoot: a.cfg.ArchiveRoot,
		IndexPath:   s.idx.Path(),
		Format:      s.arc.Format(),
		Keyring:     keyring.HasPassword(s.arc.ID()),
	}

	runs, err := s.idx.Runs()
	if err != nil {
		return nil, err
	}
	status.Runs = len(runs)
	if len(runs) > 0 {
		status.LastRun = &runs[len(runs)-1]
	}

	locations, err := s.idx.Locations()
	if err != nil {
		return nil, err
	}
	status.Locations = len(locations)

	scan, err := s.arc.ScanLocations(ctx)
	if err != nil {
		return nil, err
	}
	status.ContentFiles = len(scan.Locations)
	status.ContentBytes = scan.Bytes

	if status.IndexSize, err = s.idx.Size(); err != nil {
		return nil, err
	}
	if modified, err := s.idx.GetModified(); err == nil {
		status.IndexModified = modified
	}
	return status, nil
}

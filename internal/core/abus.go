package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/illarion/abus/internal/archive"
	"github.com/illarion/abus/internal/config"
	"github.com/illarion/abus/internal/index"
)

const (
	DirPermSecure    = 0700 // Directory: owner rwx only
	FilePermSecure   = 0600 // File: owner rw only
	MaxArchiveCopies = 100  // Max numbered .from-archive.N copies
)

var (
	ErrNotInitialized   = archive.ErrNotInitialized
	ErrAlreadyExists    = archive.ErrAlreadyExists
	ErrWrongPassword    = archive.ErrWrongPassword
	ErrRunNotFound      = errors.New("run not found")
	ErrPasswordRequired = errors.New("password required")
	ErrNoRuns           = errors.New("archive has no runs")
	ErrNoSources        = errors.New("nothing to back up: no include paths configured")
	ErrNoMatch          = errors.New("no files match the specified patterns")
	ErrIndexStale       = errors.New("index is missing or out of date, run 'abus rebuild'")
	ErrNoRetention      = errors.New("no retention rule given")
	ErrConflict         = errors.New("conflict with local file")
)

// Abus runs archive operations for one configuration.
type Abus struct {
	cfg        *config.Config
	fs         afero.Fs
	log        *zap.Logger
	out        io.Writer
	now        func() time.Time
	iterations int
	osRoot     bool // fs is cfg.ArchiveRoot on the OS filesystem

	readChoice func() (string, error) // conflict prompt input
	editor     func(file string) error
}

// Option customises an Abus
type Option func(*Abus)

// WithLogger sets the diagnostic logger
func WithLogger(log *zap.Logger) Option {
	return func(a *Abus) { a.log = log }
}

// WithOutput redirects user-facing progress output (stdout by default)
func WithOutput(w io.Writer) Option {
	return func(a *Abus) { a.out = w }
}

// WithFs places the archive on fs instead of cfg.ArchiveRoot on the OS filesystem
func WithFs(fs afero.Fs) Option {
	return func(a *Abus) { a.fs = fs }
}

// WithClock replaces time.Now, which names runs and drives retention
func WithClock(now func() time.Time) Option {
	return func(a *Abus) { a.now = now }
}

// WithIterations sets the PBKDF2 iteration count used by Init
func WithIterations(n int) Option {
	return func(a *Abus) { a.iterations = n }
}

// New validates cfg and returns an Abus for it
func New(cfg *config.Config, opts ...Option) (*Abus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Abus{
		cfg: cfg,
		log: zap.NewNop(),
		out: os.Stdout,
		now: time.Now,

		readChoice: readTerminalChoice,
		editor:     runEditor,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.fs == nil {
		a.fs = afero.NewBasePathFs(afero.NewOsFs(), cfg.ArchiveRoot)
		a.osRoot = true
	}
	return a, nil
}

// Config returns the configuration in use
func (a *Abus) Config() *config.Config {
	return a.cfg
}

func (a *Abus) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *Abus) archiveOptions() archive.Options {
	return archive.Options{
		MaxFilesPerDir:   a.cfg.MaxFilesPerDir,
		CompressionLevel: a.cfg.CompressionLevel,
		Iterations:       a.iterations,
	}
}

func (a *Abus) ensureRoot() error {
	if !a.osRoot {
		return nil
	}
	// BasePathFs does not create its own base
	if err := os.MkdirAll(a.cfg.ArchiveRoot, DirPermSecure); err != nil {
		return fmt.Errorf("failed to create archive root: %w", err)
	}
	return nil
}

// session is an open archive together with its index
type session struct {
	arc   *archive.Archive
	idx   *index.Index
	fresh bool // the index has not been synced with the archive yet
}

func (s *session) Close() error {
	s.arc.Lock()
	return s.idx.Close()
}

// open opens the archive and its index, creating the index if it is missing.
// An index that was never synced with the archive is reported as fresh.
func (a *Abus) open() (*session, error) {
	arc, err := archive.Open(a.fs, a.archiveOptions())
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(a.cfg.IndexPath); dir != "" {
		if err := os.MkdirAll(dir, DirPermSecure); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	idx, err := index.Open(a.cfg.IndexPath)
	if err != nil {
		return nil, err
	}
	if err := idx.Initialize(arc.ID()); err != nil {
		idx.Close()
		return nil, err
	}
	synced, err := idx.Synced()
	if err != nil {
		idx.Close()
		return nil, err
	}
	return &session{arc: arc, idx: idx, fresh: !synced}, nil
}

// openUnlocked opens a session and unlocks the archive. A freshly created
// index is rebuilt from the archive before it is used.
func (a *Abus) openUnlocked(ctx context.Context, password []byte) (*session, error) {
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}
	s, err := a.open()
	if err != nil {
		return nil, err
	}
	if err := s.arc.Unlock(password); err != nil {
		s.Close()
		return nil, err
	}
	if s.fresh {
		a.log.Info("index created, rebuilding from archive", zap.String("index", a.cfg.IndexPath))
		if _, err := a.rebuild(ctx, s); err != nil {
			s.Close()
			return nil, err
		}
		s.fresh = false
	}
	return s, nil
}

// openReadOnly opens a session for operations that need no password. They
// can only trust an index that was built before.
func (a *Abus) openReadOnly() (*session, error) {
	s, err := a.open()
	if err != nil {
		return nil, err
	}
	if s.fresh {
		runs, err := s.arc.RunNames()
		if err != nil {
			s.Close()
			return nil, err
		}
		if len(runs) > 0 {
			s.Close()
			return nil, ErrIndexStale
		}
		// nothing to replay
		if err := s.idx.MarkSynced(); err != nil {
			s.Close()
			return nil, err
		}
		s.fresh = false
	}
	return s, nil
}

// Init creates a new archive and its index
func (a *Abus) Init(password []byte) (string, error) {
	if len(password) == 0 {
		return "", ErrPasswordRequired
	}
	if err := a.ensureRoot(); err != nil {
		return "", err
	}
	arc, err := archive.Create(a.fs, password, a.archiveOptions())
	if err != nil {
		return "", err
	}
	defer arc.Lock()

	if dir := filepath.Dir(a.cfg.IndexPath); dir != "" {
		if err := os.MkdirAll(dir, DirPermSecure); err != nil {
			return "", fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	idx, err := index.Open(a.cfg.IndexPath)
	if err != nil {
		return "", err
	}
	defer idx.Close()
	if err := idx.Initialize(arc.ID()); err != nil {
		return "", fmt.Errorf("failed to initialize index: %w", err)
	}
	if err := idx.MarkSynced(); err != nil {
		return "", fmt.Errorf("failed to initialize index: %w", err)
	}

	a.log.Info("archive initialized",
		zap.String("archive_id", arc.ID()),
		zap.String("root", a.cfg.ArchiveRoot),
		zap.Int("max_files_per_dir", arc.Format().MaxFilesPerDir))
	return arc.ID(), nil
}

// ArchiveID reads the archive id without a password
func (a *Abus) ArchiveID() (string, error) {
	arc, err := archive.Open(a.fs, a.archiveOptions())
	if err != nil {
		return "", err
	}
	return arc.ID(), nil
}

// VerifyPassword checks password against the archive
func (a *Abus) VerifyPassword(password []byte) error {
	arc, err := archive.Open(a.fs, a.archiveOptions())
	if err != nil {
		return err
	}
	if err := arc.Unlock(password); err != nil {
		return err
	}
	arc.Lock()
	return nil
}

// ChangePassword rewraps the archive master key with newPassword
func (a *Abus) ChangePassword(currentPassword, newPassword []byte) error {
	if len(newPassword) == 0 {
		return ErrPasswordRequired
	}
	arc, err := archive.Open(a.fs, a.archiveOptions())
	if err != nil {
		return err
	}
	if err := arc.ChangePassword(currentPassword, newPassword); err != nil {
		return err
	}
	a.log.Info("password changed", zap.String("archive_id", arc.ID()))
	return nil
}

// Compact rewrites the index database without free pages
func (a *Abus) Compact() (before, after int64, err error) {
	s, err := a.open()
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()

	if info, err := os.Stat(s.idx.Path()); err == nil {
		before = info.Size()
	}
	if err := s.idx.Compact(); err != nil {
		return 0, 0, err
	}
	if info, err := os.Stat(s.idx.Path()); err == nil {
		after = info.Size()
	}
	return before, after, nil
}

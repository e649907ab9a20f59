package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/illarion/abus/internal/manifest"
)

// Bucket names
var (
	ConfigBucket    = []byte("config")    // schema version, timestamps, archive id
	LocationsBucket = []byte("locations") // digest -> location
	RunsBucket      = []byte("runs")      // run name -> RunInfo
	ContentBucket   = []byte("content")   // one nested bucket per run: path -> manifest.Entry
)

// Config keys
var (
	ConfigVersion   = []byte("version")
	ConfigCreated   = []byte("created")
	ConfigModified  = []byte("modified")
	ConfigSynced    = []byte("synced") // set once the index reflects the whole archive
	ConfigArchiveID = []byte("archive_id")
)

const (
	SchemaVersion = 1
	FilePerm      = 0600
)

var (
	ErrNotInitialized  = errors.New("index not initialized")
	ErrArchiveMismatch = errors.New("index belongs to a different archive")
	ErrRunNotFound     = errors.New("run not found in index")
	ErrRunExists       = errors.New("run already in index")
	ErrBusy            = errors.New("index is in use by another process")
)

// RunInfo summarises one backup run
type RunInfo struct {
	Name     string    `json:"name"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Host     string    `json:"host,omitempty"`
	Files    int       `json:"files"`
	Bytes    int64     `json:"bytes"`
}

// NewRunInfo summarises a manifest
func NewRunInfo(m *manifest.Manifest) RunInfo {
	return RunInfo{
		Name:     m.Run,
		Started:  m.Started,
		Finished: m.Finished,
		Host:     m.Host,
		Files:    len(m.Entries),
		Bytes:    m.TotalSize(),
	}
}

// Index is the bbolt backed cache of an archive's locations, runs and run content
type Index struct {
	db *bolt.DB
}

// Open opens or creates an index database
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, FilePerm, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, path)
		}
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database
func (x *Index) Close() error {
	return x.db.Close()
}

// Path returns the database file path
func (x *Index) Path() string {
	return x.db.Path()
}

// Initialize creates the bucket structure and binds the index to an archive.
// Initializing an index that already belongs to archiveID is a no-op.
func (x *Index) Initialize(archiveID string) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{ConfigBucket, LocationsBucket, RunsBucket, ContentBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		config := tx.Bucket(ConfigBucket)
		if existing := config.Get(ConfigArchiveID); existing != nil {
			if string(existing) != archiveID {
				return fmt.Errorf("%w: %s", ErrArchiveMismatch, existing)
			}
			return nil
		}

		if err := config.Put(ConfigVersion, []byte(strconv.Itoa(SchemaVersion))); err != nil {
			return err
		}
		if err := config.Put(ConfigArchiveID, []byte(archiveID)); err != nil {
			return err
		}
		created, _ := time.Now().MarshalBinary()
		if err := config.Put(ConfigCreated, created); err != nil {
			return err
		}
		return config.Put(ConfigModified, created)
	})
}

// ArchiveID returns the id of the archive this index belongs to
func (x *Index) ArchiveID() (string, error) {
	var id string
	err := x.db.View(func(tx *bolt.Tx) error {
		config := tx.Bucket(ConfigBucket)
		if config == nil {
			return ErrNotInitialized
		}
		data := config.Get(ConfigArchiveID)
		if data == nil {
			return ErrNotInitialized
		}
		id = string(data)
		return nil
	})
	return id, err
}

func touch(tx *bolt.Tx) error {
	config := tx.Bucket(ConfigBucket)
	if config == nil {
		return ErrNotInitialized
	}
	modified, _ := time.Now().MarshalBinary()
	return config.Put(ConfigModified, modified)
}

// Synced reports whether the index was built by init or by a complete rebuild.
// A freshly created index is not synced until it has been rebuilt.
func (x *Index) Synced() (bool, error) {
	var synced bool
	err := x.db.View(func(tx *bolt.Tx) error {
		config := tx.Bucket(ConfigBucket)
		if config == nil {
			return ErrNotInitialized
		}
		synced = config.Get(ConfigSynced) != nil
		return nil
	})
	return synced, err
}

// MarkSynced records that the index reflects the archive
func (x *Index) MarkSynced() error {
	return x.db.Update(func(tx *bolt.Tx) error {
		config := tx.Bucket(ConfigBucket)
		if config == nil {
			return ErrNotInitialized
		}
		now, _ := time.Now().MarshalBinary()
		return config.Put(ConfigSynced, now)
	})
}

// GetModified retrieves the last modified timestamp
func (x *Index) GetModified() (time.Time, error) {
	var modified time.Time
	err := x.db.View(func(tx *bolt.Tx) error {
		config := tx.Bucket(ConfigBucket)
		if config == nil {
			return ErrNotInitialized
		}
		data := config.Get(ConfigModified)
		if data == nil {
			return fmt.Errorf("modified time not found")
		}
		return modified.UnmarshalBinary(data)
	})
	return modified, err
}

// Size returns the size of the database file in bytes
func (x *Index) Size() (int64, error) {
	var size int64
	err := x.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size, err
}

// Compact creates a compacted copy of the database, removing unused space
// left behind by purged runs.
func (x *Index) Compact() error {
	srcPath := x.db.Path()
	tmpPath := srcPath + ".compact"

	dst, err := bolt.Open(tmpPath, FilePerm, nil)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	if err := bolt.Compact(dst, x.db, 0); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to copy data: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close compact database: %w", err)
	}
	if err := x.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close source database: %w", err)
	}

	backupPath := srcPath + ".backup"
	if err := os.Rename(srcPath, backupPath); err != nil {
		return fmt.Errorf("failed to backup original: %w", err)
	}
	if err := os.Rename(tmpPath, srcPath); err != nil {
		os.Rename(backupPath, srcPath) // rollback
		return fmt.Errorf("failed to replace database: %w", err)
	}
	os.Remove(backupPath)

	x.db, err = bolt.Open(srcPath, FilePerm, nil)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeRun(v []byte) (RunInfo, error) {
	var info RunInfo
	if err := json.Unmarshal(v, &info); err != nil {
		return info, fmt.Errorf("corrupt run record: %w", err)
	}
	return info, nil
}

package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/illarion/abus/internal/crypto"
)

const (
	FormatFile    = "archive.json"
	RunsDir       = "runs"
	ContentDir    = "content"
	TmpDir        = "tmp"
	FormatVersion = 1

	DefaultMaxFilesPerDir = 1000

	DirPerm  = 0700
	FilePerm = 0600
)

var (
	ErrNotInitialized  = errors.New("archive not initialized")
	ErrAlreadyExists   = errors.New("archive already exists")
	ErrWrongPassword   = errors.New("wrong password")
	ErrLocked          = errors.New("archive is locked")
	ErrRunExists       = errors.New("run already exists")
	ErrRunNotFound     = errors.New("run not found")
	ErrDigestMismatch  = errors.New("content digest mismatch")
	ErrContentNotFound = errors.New("content file not found")
)

// Format is the plaintext descriptor stored in archive.json. It holds
// everything needed to unlock the archive without the index database.
type Format struct {
	Version        int       `json:"version"`
	ArchiveID      string    `json:"archive_id"`
	Created        time.Time `json:"created"`
	Encryption     string    `json:"encryption"`
	Compression    string    `json:"compression"`
	KDF            string    `json:"kdf"`
	Salt           []byte    `json:"salt"`
	Iterations     int       `json:"iterations"`
	WrappedKey     []byte    `json:"wrapped_key"`
	MaxFilesPerDir int       `json:"max_files_per_dir"`
}

// Options tune how content is written
type Options struct {
	MaxFilesPerDir   int // only honoured by Create; Open uses the value stored in the format
	CompressionLevel int // zstd level, 0 means the library default
	Iterations       int // PBKDF2 iterations for Create, 0 means crypto.DefaultIters
}

// Archive is an encrypted content-addressed archive rooted at an afero.Fs.
type Archive struct {
	fs     afero.Fs
	format Format
	level  zstd.EncoderLevel
	key    []byte

	mu         sync.Mutex
	allocReady bool
	curDir     int
	curCount   int
}

func encoderLevel(level int) zstd.EncoderLevel {
	if level <= 0 {
		return zstd.SpeedDefault
	}
	return zstd.EncoderLevelFromZstd(level)
}

// Create initializes a new archive on fs and returns it unlocked.
func Create(fs afero.Fs, password []byte, opts Options) (*Archive, error) {
	if _, err := fs.Stat(FormatFile); err == nil {
		return nil, ErrAlreadyExists
	}

	for _, dir := range []string{RunsDir, ContentDir, TmpDir} {
		if err := fs.MkdirAll(dir, DirPerm); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	kdf, err := crypto.NewKDF()
	if err != nil {
		return nil, fmt.Errorf("failed to create KDF: %w", err)
	}
	if opts.Iterations > 0 {
		kdf.Iterations = opts.Iterations
	}
	kek := kdf.DeriveKey(password)
	defer crypto.ClearBytes(kek)

	masterKey, err := crypto.GenerateRandom(crypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	wrapped, err := crypto.WrapKey(kek, masterKey)
	if err != nil {
		crypto.ClearBytes(masterKey)
		return nil, fmt.Errorf("failed to wrap master key: %w", err)
	}

	maxFiles := opts.MaxFilesPerDir
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFilesPerDir
	}

	a := &Archive{
		fs: fs,
		format: Format{
			Version:        FormatVersion,
			ArchiveID:      uuid.NewString(),
			Created:        time.Now().UTC(),
			Encryption:     "AES-256-GCM-STREAM",
			Compression:    "zstd",
			KDF:            "PBKDF2-SHA256",
			Salt:           kdf.Salt,
			Iterations:     kdf.Iterations,
			WrappedKey:     wrapped,
			MaxFilesPerDir: maxFiles,
		},
		level: encoderLevel(opts.CompressionLevel),
		key:   masterKey,
	}
	if err := a.saveFormat(); err != nil {
		a.Lock()
		return nil, err
	}
	return a, nil
}

// Open reads the format descriptor of an existing archive. The archive
// starts locked.
func Open(fs afero.Fs, opts Options) (*Archive, error) {
	data, err := afero.ReadFile(fs, FormatFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to read %s: %w", FormatFile, err)
	}

	var format Format
	if err := json.Unmarshal(data, &format); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FormatFile, err)
	}
	if format.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported archive version %d", format.Version)
	}
	if format.MaxFilesPerDir <= 0 {
		format.MaxFilesPerDir = DefaultMaxFilesPerDir
	}

	return &Archive{
		fs:     fs,
		format: format,
		level:  encoderLevel(opts.CompressionLevel),
	}, nil
}

// Format returns a copy of the format descriptor
func (a *Archive) Format() Format {
	return a.format
}

// ID returns the archive's unique identifier
func (a *Archive) ID() string {
	return a.format.ArchiveID
}

func (a *Archive) unwrap(password []byte) ([]byte, error) {
	kdf := &crypto.KDF{Salt: a.format.Salt, Iterations: a.format.Iterations}
	kek := kdf.DeriveKey(password)
	defer crypto.ClearBytes(kek)

	key, err := crypto.UnwrapKey(kek, a.format.WrappedKey)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthFailed) {
			return nil, ErrWrongPassword
		}
		return nil, err
	}
	return key, nil
}

// Unlock derives the key-encryption key from password and unwraps the master key
func (a *Archive) Unlock(password []byte) error {
	key, err := a.unwrap(password)
	if err != nil {
		return err
	}
	a.Lock()
	a.key = key
	return nil
}

// Lock clears the master key from memory
func (a *Archive) Lock() {
	crypto.ClearBytes(a.key)
	a.key = nil
}

// Unlocked reports whether the master key is available
func (a *Archive) Unlocked() bool {
	return a.key != nil
}

// ChangePassword rewraps the master key with a key derived from newPassword.
// Archive objects are untouched.
func (a *Archive) ChangePassword(currentPassword, newPassword []byte) error {
	key, err := a.unwrap(currentPassword)
	if err != nil {
		return err
	}
	defer crypto.ClearBytes(key)

	kdf, err := crypto.NewKDF()
	if err != nil {
		return fmt.Errorf("failed to create KDF: %w", err)
	}
	kdf.Iterations = a.format.Iterations
	kek := kdf.DeriveKey(newPassword)
	defer crypto.ClearBytes(kek)

	wrapped, err := crypto.WrapKey(kek, key)
	if err != nil {
		return fmt.Errorf("failed to wrap master key: %w", err)
	}

	previous := a.format
	a.format.Salt = kdf.Salt
	a.format.Iterations = kdf.Iterations
	a.format.WrappedKey = wrapped
	if err := a.saveFormat(); err != nil {
		a.format = previous
		return err
	}
	return nil
}

func (a *Archive) saveFormat() error {
	data, err := json.MarshalIndent(a.format, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal format: %w", err)
	}
	return a.writeAtomic(FormatFile, func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	})
}

// writeAtomic stages content in TmpDir and renames it into place.
func (a *Archive) writeAtomic(name string, write func(io.Writer) error) error {
	if err := a.fs.MkdirAll(TmpDir, DirPerm); err != nil {
		return fmt.Errorf("ensuring %s: %w", TmpDir, err)
	}
	if dir := path.Dir(name); dir != "." {
		if err := a.fs.MkdirAll(dir, DirPerm); err != nil {
			return fmt.Errorf("ensuring directories for %q: %w", name, err)
		}
	}

	tmp, err := afero.TempFile(a.fs, TmpDir, "stage-*")
	if err != nil {
		return fmt.Errorf("create record for %q: %w", name, err)
	}
	tmpName := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		a.fs.Remove(tmpName)
		return fmt.Errorf("write record for %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		a.fs.Remove(tmpName)
		return err
	}
	if err := a.fs.Rename(tmpName, name); err != nil {
		a.fs.Remove(tmpName)
		return fmt.Errorf("rename record for %q: %w", name, err)
	}
	return nil
}

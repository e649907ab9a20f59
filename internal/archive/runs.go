package archive

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/illarion/abus/internal/crypto"
	"github.com/illarion/abus/internal/manifest"
)

// RunPath returns the archive relative path of a run manifest
func RunPath(run string) string {
	return path.Join(RunsDir, run+manifest.Extension)
}

// WriteRun encrypts and stores the manifest of a run. The run name is bound
// into the ciphertext, so a renamed .lst file fails to decrypt.
func (a *Archive) WriteRun(m *manifest.Manifest) error {
	if !a.Unlocked() {
		return ErrLocked
	}
	if m.Run == "" {
		return fmt.Errorf("manifest has no run name")
	}
	if _, err := a.fs.Stat(RunPath(m.Run)); err == nil {
		return fmt.Errorf("%w: %s", ErrRunExists, m.Run)
	}

	return a.writeAtomic(RunPath(m.Run), func(w io.Writer) error {
		encW, err := crypto.NewWriter(w, a.key, []byte(m.Run))
		if err != nil {
			return err
		}
		if err := m.Encode(encW); err != nil {
			return err
		}
		return encW.Close()
	})
}

// ReadRun decrypts and parses the manifest of a run
func (a *Archive) ReadRun(run string) (*manifest.Manifest, error) {
	if !a.Unlocked() {
		return nil, ErrLocked
	}
	f, err := a.fs.Open(RunPath(run))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, run)
		}
		return nil, err
	}
	defer f.Close()

	sr, err := crypto.NewReader(f, a.key, []byte(run))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RunPath(run), err)
	}
	m, err := manifest.Parse(sr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RunPath(run), err)
	}
	if m.Run != run {
		return nil, fmt.Errorf("%s: %w: names run %q", RunPath(run), manifest.ErrMalformed, m.Run)
	}
	return m, nil
}

// RunNames lists the runs that have a manifest in the archive, oldest first
func (a *Archive) RunNames() ([]string, error) {
	infos, err := afero.ReadDir(a.fs, RunsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", RunsDir, err)
	}

	var runs []string
	for _, info := range infos {
		name := info.Name()
		if !info.Mode().IsRegular() || !strings.HasSuffix(name, manifest.Extension) {
			continue
		}
		runs = append(runs, strings.TrimSuffix(name, manifest.Extension))
	}
	sort.Strings(runs)
	return runs, nil
}

// RemoveRun deletes a run manifest. Missing manifests are not an error.
func (a *Archive) RemoveRun(run string) error {
	if err := a.fs.Remove(RunPath(run)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", RunPath(run), err)
	}
	return nil
}

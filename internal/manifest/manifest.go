// Package manifest encodes and parses run manifests (.lst files).
//
// A manifest is a full snapshot of one backup run: header lines starting with
// '#', then one record per file, sorted by path:
//
//	<digest> <size> <mode-octal> <mtime-unix-nanos> <quoted-path>
//
// The path is the remainder of the line after four whitespace separated
// fields, Go-quoted so that spaces and newlines survive.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Version of the manifest text format
	Version = 1

	// RunNameLayout formats run names; lexical order is chronological order.
	RunNameLayout = "20060102T150405.000Z"

	// Extension of manifest files in the archive
	Extension = ".lst"

	headerMagic = "#abus-manifest"
)

var (
	ErrMalformed = errors.New("malformed manifest")

	digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// IsDigest reports whether name is a lowercase hex SHA-256 digest.
func IsDigest(name string) bool {
	return digestPattern.MatchString(name)
}

// RunName returns the run name for a start time.
func RunName(t time.Time) string {
	return t.UTC().Format(RunNameLayout)
}

// ParseRunName parses a run name back into its start time.
func ParseRunName(name string) (time.Time, error) {
	return time.Parse(RunNameLayout, name)
}

// Entry is one file of a snapshot.
type Entry struct {
	Path    string    `json:"path"`
	Digest  string    `json:"digest"`
	Size    int64     `json:"size"`
	Mode    uint32    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// Manifest is the decoded content of a .lst file.
type Manifest struct {
	Run      string
	Started  time.Time
	Finished time.Time
	Host     string
	Entries  []Entry
}

// Sort orders entries by path.
func (m *Manifest) Sort() {
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
}

// TotalSize sums the sizes of all entries.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}

// Encode writes the manifest text to w.
func (m *Manifest) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %d\n", headerMagic, Version)
	fmt.Fprintf(bw, "#run %s\n", m.Run)
	fmt.Fprintf(bw, "#started %s\n", m.Started.UTC().Format(time.RFC3339Nano))
	if !m.Finished.IsZero() {
		fmt.Fprintf(bw, "#finished %s\n", m.Finished.UTC().Format(time.RFC3339Nano))
	}
	if m.Host != "" {
		fmt.Fprintf(bw, "#host %s\n", m.Host)
	}
	for _, e := range m.Entries {
		fmt.Fprintf(bw, "%s %d %o %d %s\n", e.Digest, e.Size, e.Mode, e.ModTime.UnixNano(), strconv.Quote(e.Path))
	}
	return bw.Flush()
}

// Parse reads manifest text from r.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	sawMagic := false
	seen := make(map[string]int)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			key, value, _ := strings.Cut(line[1:], " ")
			value = strings.TrimSpace(value)
			var err error
			switch "#" + key {
			case headerMagic:
				v, perr := strconv.Atoi(value)
				if perr != nil || v != Version {
					return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, value)
				}
				sawMagic = true
			case "#run":
				m.Run = value
			case "#started":
				m.Started, err = time.Parse(time.RFC3339Nano, value)
			case "#finished":
				m.Finished, err = time.Parse(time.RFC3339Nano, value)
			case "#host":
				m.Host = value
			}
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
			}
			continue
		}

		e, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
		}
		if first, ok := seen[e.Path]; ok {
			return nil, fmt.Errorf("%w: line %d: duplicate path %q, first on line %d", ErrMalformed, lineNo, e.Path, first)
		}
		seen[e.Path] = lineNo
		m.Entries = append(m.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawMagic {
		return nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	return m, nil
}

// parseRecord splits a record into four whitespace separated fields and the quoted path.
func parseRecord(line string) (Entry, error) {
	var fields [4]string
	rest := line
	for i := range fields {
		rest = strings.TrimLeft(rest, " \t")
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			return Entry{}, fmt.Errorf("expected 5 fields")
		}
		fields[i], rest = rest[:end], rest[end:]
	}

	digest := fields[0]
	if !IsDigest(digest) {
		return Entry{}, fmt.Errorf("invalid digest %q", digest)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return Entry{}, fmt.Errorf("invalid size %q", fields[1])
	}
	mode, err := strconv.ParseUint(fields[2], 8, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid mode %q", fields[2])
	}
	nanos, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid mtime %q", fields[3])
	}
	path, err := strconv.Unquote(strings.TrimSpace(rest))
	if err != nil {
		return Entry{}, fmt.Errorf("invalid path %q", strings.TrimSpace(rest))
	}
	if path == "" {
		return Entry{}, fmt.Errorf("empty path")
	}

	return Entry{
		Path:    path,
		Digest:  digest,
		Size:    size,
		Mode:    uint32(mode),
		ModTime: time.Unix(0, nanos).UTC(),
	}, nil
}

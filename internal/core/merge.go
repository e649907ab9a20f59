package core

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/term"
)

const (
	textSniffLen     = 8192 // bytes inspected by looksLikeText
	maxControlPct    = 10   // share of control bytes tolerated in text
	markerLocal      = "<<<<<<< local"
	markerSeparator  = "======="
	markerArchive    = ">>>>>>> archive"
	mergeTempPattern = "abus-merge-*"
	diffContext      = 3 // unchanged lines around each diff hunk
)

// MergeStrategy decides what happens when a restored file already exists
// locally with different content.
type MergeStrategy int

const (
	StrategyAsk       MergeStrategy = iota // prompt for every conflict
	StrategyKeepLocal                      // leave the local file
	StrategyOverwrite                      // replace it with the archived version
	StrategyKeepBoth                       // write the archived version next to it
	StrategyAbort                          // stop the restore with ErrConflict
)

func (s MergeStrategy) String() string {
	switch s {
	case StrategyAsk:
		return "ask"
	case StrategyKeepLocal:
		return "keep-local"
	case StrategyOverwrite:
		return "overwrite"
	case StrategyKeepBoth:
		return "keep-both"
	case StrategyAbort:
		return "abort"
	}
	return fmt.Sprintf("MergeStrategy(%d)", int(s))
}

// Resolution is the outcome for one conflicting file
type Resolution int

const (
	ResolutionKeepLocal Resolution = iota
	ResolutionUseArchive
	ResolutionMerged
	ResolutionKeepBoth
	ResolutionSkip
)

var errMergeDeclined = errors.New("merge declined")

// choice is one answer offered at the conflict prompt
type choice struct {
	key        string
	label      string
	resolution Resolution
	textOnly   bool
}

var conflictChoices = []choice{
	{"l", "keep the local version", ResolutionKeepLocal, false},
	{"a", "use the archived version", ResolutionUseArchive, false},
	{"e", "merge in $EDITOR (text files only)", ResolutionMerged, true},
	{"b", "keep both (archived copy saved as .from-archive)", ResolutionKeepBoth, false},
	{"s", "skip this file", ResolutionSkip, false},
}

// ConflictHelp lists the answers of the conflict prompt, one per line
func ConflictHelp() string {
	var b strings.Builder
	for _, c := range conflictChoices {
		fmt.Fprintf(&b, "  [%s] %s\n", c.key, c.label)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// looksLikeText reports whether data is probably text: no NUL byte, valid
// UTF-8 in the sniffed prefix and few control characters.
func looksLikeText(data []byte) bool {
	if bytes.IndexByte(data, 0) >= 0 {
		return false
	}
	sample := data
	if len(sample) > textSniffLen {
		sample = sample[:textSniffLen]
		// a rune cut in half by the window is not a reason to reject
		for i := 0; i < utf8.UTFMax-1 && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if !utf8.Valid(sample) {
		return false
	}
	control := 0
	for _, b := range sample {
		if (b < 0x20 && b != '\t' && b != '\n' && b != '\r') || b == 0x7f {
			control++
		}
	}
	return control*100 <= len(sample)*maxControlPct
}

// resolveConflict applies strategy to a local file that differs from the
// archived one. For StrategyAsk the user is prompted on the output writer and
// local and archived must hold both versions. Merged content is returned for
// ResolutionMerged only.
func (a *Abus) resolveConflict(p string, local, archived []byte, strategy MergeStrategy) (Resolution, []byte, error) {
	switch strategy {
	case StrategyKeepLocal:
		return ResolutionKeepLocal, nil, nil
	case StrategyOverwrite:
		return ResolutionUseArchive, nil, nil
	case StrategyKeepBoth:
		return ResolutionKeepBoth, nil, nil
	case StrategyAbort:
		return ResolutionSkip, nil, fmt.Errorf("%w: %s", ErrConflict, p)
	case StrategyAsk:
	default:
		return ResolutionSkip, nil, fmt.Errorf("unknown merge strategy %v", strategy)
	}

	text := looksLikeText(local) && looksLikeText(archived)
	kind := "binary"
	if text {
		kind = "text"
	}
	a.printf("\nconflict: %s (%s) differs from the archived version\n", p, kind)

	var keys []string
	for _, c := range conflictChoices {
		if c.textOnly && !text {
			continue
		}
		keys = append(keys, c.key)
		a.printf("  [%s] %s\n", c.key, c.label)
	}

	for {
		a.printf("choice [%s]: ", strings.Join(keys, "/"))
		answer, err := a.readChoice()
		if err != nil {
			return ResolutionSkip, nil, err
		}
		c, ok := lookupChoice(answer, text)
		if !ok {
			a.printf("please answer one of %s\n", strings.Join(keys, ", "))
			continue
		}
		if c.resolution != ResolutionMerged {
			return c.resolution, nil, nil
		}
		merged, err := a.editMerge(p, local, archived)
		if err != nil {
			a.printf("merge failed: %v\n", err)
			continue
		}
		return ResolutionMerged, merged, nil
	}
}

func lookupChoice(answer string, text bool) (choice, bool) {
	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, c := range conflictChoices {
		if c.key == answer && (text || !c.textOnly) {
			return c, true
		}
	}
	return choice{}, false
}

// readTerminalChoice reads a single key from stdin, in raw mode when stdin
// is a terminal.
func readTerminalChoice() (string, error) {
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		var line string
		if _, err := fmt.Scanln(&line); err != nil {
			return "", err
		}
		return line, nil
	}
	defer func() { _ = term.Restore(fd, state) }()

	buf := make([]byte, 1)
	if _, err := os.Stdin.Read(buf); err != nil {
		return "", err
	}
	fmt.Printf("%c\r\n", buf[0])
	return string(buf), nil
}

func editorCommand() string {
	for _, env := range []string{"VISUAL", "EDITOR"} {
		if editor := os.Getenv(env); editor != "" {
			return editor
		}
	}
	if runtime.GOOS == "windows" {
		return "notepad"
	}
	return "vi"
}

// runEditor opens file in the user's editor and waits for it to exit
func runEditor(file string) error {
	editor := editorCommand()
	bin, err := exec.LookPath(editor)
	if err != nil {
		return fmt.Errorf("editor %q not found, set VISUAL or EDITOR: %w", editor, err)
	}
	cmd := exec.Command(bin, file)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("editor exited with code %d", exitErr.ExitCode())
		}
		return err
	}
	return nil
}

// lineDiff diffs two texts line by line
func lineDiff(from, to string) []diffmatchpatch.Diff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(from, to)
	return dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
}

// conflictMarkers renders local and archived as one text where common lines
// appear once and every differing hunk is wrapped in git-style markers.
func conflictMarkers(local, archived []byte) []byte {
	var buf bytes.Buffer
	line := func(text string) {
		buf.WriteString(text)
		if text != "" && !strings.HasSuffix(text, "\n") {
			buf.WriteByte('\n')
		}
	}

	diffs := lineDiff(string(local), string(archived))
	for i := 0; i < len(diffs); {
		if diffs[i].Type == diffmatchpatch.DiffEqual {
			buf.WriteString(diffs[i].Text)
			i++
			continue
		}
		line(markerLocal)
		for ; i < len(diffs) && diffs[i].Type == diffmatchpatch.DiffDelete; i++ {
			line(diffs[i].Text)
		}
		line(markerSeparator)
		for ; i < len(diffs) && diffs[i].Type == diffmatchpatch.DiffInsert; i++ {
			line(diffs[i].Text)
		}
		line(markerArchive)
	}
	return buf.Bytes()
}

func hasConflictMarkers(data []byte) bool {
	for _, m := range []string{markerLocal, markerSeparator, markerArchive} {
		if bytes.Contains(data, []byte(m)) {
			return true
		}
	}
	return false
}

// editMerge writes both versions with conflict markers to a private temp
// file, lets the user edit it and returns the result.
func (a *Abus) editMerge(p string, local, archived []byte) ([]byte, error) {
	tmp, err := os.CreateTemp("", mergeTempPattern+filepath.Ext(p))
	if err != nil {
		return nil, fmt.Errorf("failed to create merge file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	_, err = tmp.Write(conflictMarkers(local, archived))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, FilePermSecure)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write merge file: %w", err)
	}

	if err := a.editor(name); err != nil {
		return nil, err
	}
	merged, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read merge file: %w", err)
	}

	if len(merged) == 0 && !a.confirm("the merged file is empty, use it anyway?") {
		return nil, errMergeDeclined
	}
	if hasConflictMarkers(merged) && !a.confirm("conflict markers are still present, use the file anyway?") {
		return nil, errMergeDeclined
	}
	return merged, nil
}

func (a *Abus) confirm(question string) bool {
	a.printf("%s [y/N]: ", question)
	answer, err := a.readChoice()
	return err == nil && strings.EqualFold(strings.TrimSpace(answer), "y")
}

// diffLine is one line of a line diff with its unified-diff prefix
type diffLine struct {
	op   byte
	text string
}

func splitDiffLines(diffs []diffmatchpatch.Diff) []diffLine {
	var lines []diffLine
	for _, d := range diffs {
		op := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = '-'
		case diffmatchpatch.DiffInsert:
			op = '+'
		}
		for _, text := range strings.SplitAfter(d.Text, "\n") {
			if text != "" {
				lines = append(lines, diffLine{op, text})
			}
		}
	}
	return lines
}

// hunkRange formats one side of a hunk header. before is the number of lines
// of that side preceding the hunk.
func hunkRange(before, count int) string {
	switch count {
	case 0:
		return fmt.Sprintf("%d,0", before)
	case 1:
		return strconv.Itoa(before + 1)
	}
	return fmt.Sprintf("%d,%d", before+1, count)
}

// unifiedDiff returns a patch from archived to local, a one-line notice for
// binary content or "" when both are equal.
func unifiedDiff(p string, archived, local []byte) string {
	if bytes.Equal(archived, local) {
		return ""
	}
	if !looksLikeText(archived) || !looksLikeText(local) {
		return fmt.Sprintf("Binary file %s has changed\n", p)
	}

	lines := splitDiffLines(lineDiff(string(archived), string(local)))
	// from[i] and to[i] count the lines of each side before lines[i]
	from := make([]int, len(lines)+1)
	to := make([]int, len(lines)+1)
	for i, l := range lines {
		from[i+1], to[i+1] = from[i], to[i]
		if l.op != '+' {
			from[i+1]++
		}
		if l.op != '-' {
			to[i+1]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", p, p)
	for i := 0; i < len(lines); {
		if lines[i].op == ' ' {
			i++
			continue
		}
		start := max(0, i-diffContext)
		end := i + 1
		// changes separated by at most twice the context share a hunk
		for j := i; j < len(lines) && j-end <= 2*diffContext; j++ {
			if lines[j].op != ' ' {
				end = j + 1
			}
		}
		end = min(len(lines), end+diffContext)

		fmt.Fprintf(&b, "@@ -%s +%s @@\n",
			hunkRange(from[start], from[end]-from[start]),
			hunkRange(to[start], to[end]-to[start]))
		for _, l := range lines[start:end] {
			b.WriteByte(l.op)
			b.WriteString(l.text)
			if !strings.HasSuffix(l.text, "\n") {
				b.WriteString("\n\\ No newline at end of file\n")
			}
		}
		i = end
	}
	return b.String()
}

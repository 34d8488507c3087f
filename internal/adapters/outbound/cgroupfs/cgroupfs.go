// Package cgroupfs reads and writes the line-oriented pseudo-files of the
// cgroup2 hierarchy. All paths are relative to a configurable root so tests
// can run against a plain directory tree.
package cgroupfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const DefaultRoot = "/sys/fs/cgroup"

// knob files are small; a plain write either takes effect or fails as a whole.
const knobFileMode = 0o644

type FS struct {
	root string
}

// New creates an accessor rooted at root. An empty root selects DefaultRoot.
func New(root string) *FS {
	if root == "" {
		root = DefaultRoot
	}

	return &FS{root: root}
}

// Root returns the configured hierarchy root.
func (f *FS) Root() string {
	return f.root
}

// Path joins rel onto the hierarchy root.
func (f *FS) Path(rel string) string {
	return filepath.Join(f.root, rel)
}

// Exists reports whether rel exists under the root.
func (f *FS) Exists(rel string) bool {
	_, err := os.Stat(f.Path(rel))

	return err == nil
}

// ReadLines returns the non-empty content of rel split into lines.
func (f *FS) ReadLines(rel string) ([]string, error) {
	data, err := os.ReadFile(f.Path(rel))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	return strings.Split(trimmed, "\n"), nil
}

// ReadFirstLine returns the first line of rel.
func (f *FS) ReadFirstLine(rel string) (string, error) {
	lines, err := f.ReadLines(rel)
	if err != nil {
		return "", err
	}

	if len(lines) == 0 {
		return "", fmt.Errorf("read %s: %w", rel, ErrEmptyFile)
	}

	return lines[0], nil
}

// ReadKeyed parses a flat keyed file such as cpu.stat: one "key value" pair
// per line.
func (f *FS) ReadKeyed(rel string) (map[string]string, error) {
	lines, err := f.ReadLines(rel)
	if err != nil {
		return nil, err
	}

	content := make(map[string]string, len(lines))

	for _, line := range lines {
		toks := strings.Fields(line)
		if len(toks) != 2 {
			return nil, fmt.Errorf("parse %s line %q: %w", rel, line, ErrMalformedLine)
		}

		content[toks[0]] = toks[1]
	}

	return content, nil
}

// ReadNestedKeyed parses a nested keyed file such as memory.pressure or
// io.cost.qos: a first-field key followed by "name=value" tokens.
func (f *FS) ReadNestedKeyed(rel string) (map[string]map[string]string, error) {
	lines, err := f.ReadLines(rel)
	if err != nil {
		return nil, err
	}

	content := make(map[string]map[string]string, len(lines))

	for _, line := range lines {
		toks := strings.Fields(line)
		if len(toks) == 0 {
			continue
		}

		nested := make(map[string]string, len(toks)-1)

		for _, tok := range toks[1:] {
			name, val, ok := strings.Cut(tok, "=")
			if !ok {
				return nil, fmt.Errorf("parse %s token %q: %w", rel, tok, ErrMalformedLine)
			}

			nested[name] = val
		}

		content[toks[0]] = nested
	}

	return content, nil
}

// WriteString writes s to the knob file at rel.
func (f *FS) WriteString(rel, s string) error {
	if err := os.WriteFile(f.Path(rel), []byte(s), knobFileMode); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}

	return nil
}

// FindFiles walks the hierarchy and returns the relative paths of every file
// named name. Unreadable subtrees are skipped.
func (f *FS) FindFiles(name string) ([]string, error) {
	var found []string

	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries, keep walking
		}

		if d.IsDir() || d.Name() != name {
			return nil
		}

		rel, relErr := filepath.Rel(f.root, path)
		if relErr != nil {
			return nil
		}

		found = append(found, rel)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", f.root, err)
	}

	return found, nil
}

// ParseIntOrMax parses a knob value that is either an integer or the literal
// "max", which maps to maxVal.
func ParseIntOrMax(s string, maxVal int64) (int64, error) {
	if s == "max" {
		return maxVal, nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, ErrMalformedLine)
	}

	return v, nil
}

package engine

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/crawltab/internal/writer"
)

// PathsFile is where the expanded directory list of a collection is kept
func PathsFile(logDir, collectionID string) string {
	return filepath.Join(logDir, collectionID, "paths.txt")
}

// ReadPathList reads one path per line. Blank lines and lines starting
// with # are ignored.
func ReadPathList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open path list: %w", err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read path list %s: %w", path, err)
	}
	return paths, nil
}

// ExpandPaths expands glob patterns (matches sorted), makes every path
// absolute and drops duplicates keeping the first occurrence.
func ExpandPaths(patterns []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
		return nil
	}

	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad glob pattern %q: %w", p, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if err := add(m); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// savePathList writes the list atomically
func savePathList(path string, paths []string) error {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return writer.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

// loadSavedPaths returns the saved list, or ok=false when there is none
func loadSavedPaths(path string) ([]string, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	paths, err := ReadPathList(path)
	if err != nil {
		return nil, false, err
	}
	return paths, true, nil
}

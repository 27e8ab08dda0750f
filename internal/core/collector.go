package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSet is the result of a collection: Root plus the sorted, forward-slash,
// Root-relative paths that passed the filters.
type FileSet struct {
	Root  string
	Paths []string
}

// Abs returns the paths joined onto Root, in the same order.
func (s *FileSet) Abs() []string {
	out := make([]string, len(s.Paths))
	for i, p := range s.Paths {
		out[i] = filepath.Join(s.Root, filepath.FromSlash(p))
	}
	return out
}

// FileCollector resolves a source root to a deterministic, filtered FileSet.
//
// Matching is substring containment on the root-relative, forward-slash path:
//   - A directory whose path contains an exclude pattern is pruned entirely.
//   - A file whose path contains an exclude pattern is dropped.
//   - With no includes every remaining file is kept; otherwise a file must
//     contain at least one include pattern.
//
// Containment means ".git" also excludes ".github" and "x.gitignore".
type FileCollector struct {
	Includes []string
	Excludes []string
}

// NewFileCollector creates a collector with the given filters.
func NewFileCollector(includes, excludes []string) *FileCollector {
	return &FileCollector{Includes: includes, Excludes: excludes}
}

// Collect is a shorthand for NewFileCollector(includes, excludes).Collect(root).
func Collect(root string, includes, excludes []string) (*FileSet, error) {
	return NewFileCollector(includes, excludes).Collect(root)
}

// Collect walks root and returns the filtered FileSet.
//
// A symlinked root is followed; symlinks below it are reported as entries
// and never followed. Entries that are
// neither regular files nor symlinks (sockets, devices) are skipped.
//
// Returns InvalidPathError when root does not exist or is neither a regular
// file nor a directory. A regular-file root yields a FileSet rooted at its
// parent directory containing just that file (filters still apply).
func (c *FileCollector) Collect(root string) (*FileSet, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &InvalidPathError{Path: root, Reason: "does not exist"}
		}
		return nil, &InvalidPathError{Path: root, Reason: err.Error()}
	}

	switch {
	case info.Mode().IsRegular():
		dir, base := filepath.Split(root)
		set := &FileSet{Root: filepath.Clean(dir), Paths: []string{}}
		if c.keepFile(base) {
			set.Paths = append(set.Paths, base)
		}
		return set, nil
	case info.IsDir():
	default:
		return nil, &InvalidPathError{Path: root, Reason: "not a regular file or directory"}
	}

	// WalkDir does not descend into a symlinked root.
	walkRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, &InvalidPathError{Path: root, Reason: err.Error()}
	}

	var paths []string
	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return &SourceNotFoundError{Path: path, Err: walkErr}
			}
			return walkErr
		}
		if path == walkRoot {
			return nil
		}

		rel, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if c.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if c.keepFile(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting %q: %w", root, err)
	}

	// WalkDir visits per-directory in name order, which is not the same as
	// full-path lexical order ("a/b" vs "a.txt"); sort explicitly.
	sort.Strings(paths)
	if paths == nil {
		paths = []string{}
	}
	return &FileSet{Root: root, Paths: paths}, nil
}

func (c *FileCollector) excluded(rel string) bool {
	for _, p := range c.Excludes {
		if p != "" && strings.Contains(rel, p) {
			return true
		}
	}
	return false
}

func (c *FileCollector) keepFile(rel string) bool {
	if c.excluded(rel) {
		return false
	}
	if len(c.Includes) == 0 {
		return true
	}
	for _, p := range c.Includes {
		if strings.Contains(rel, p) {
			return true
		}
	}
	return false
}

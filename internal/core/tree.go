package core

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// TreeKind discriminates the two Tree variants.
type TreeKind int

const (
	TreeLeaf TreeKind = iota
	TreeNode
)

// Tree is a file tree: a Leaf is a file or symlink, a Node is a directory
// with its children ordered by name. Paths are root-relative with forward
// slashes; the root node's path is ".".
type Tree struct {
	Kind     TreeKind
	Path     string
	Children []*Tree
}

// BuildTree reads root into a Tree, pruning directories whose path contains
// an exclude pattern. The walk uses an explicit stack, so tree depth is not
// bounded by the goroutine stack.
func BuildTree(root string, excludes []string) (*Tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &InvalidPathError{Path: root, Reason: "does not exist"}
		}
		return nil, &InvalidPathError{Path: root, Reason: err.Error()}
	}
	if !info.IsDir() {
		if info.Mode().IsRegular() {
			return &Tree{Kind: TreeLeaf, Path: filepath.Base(root)}, nil
		}
		return nil, &InvalidPathError{Path: root, Reason: "not a regular file or directory"}
	}

	filter := FileCollector{Excludes: excludes}
	top := &Tree{Kind: TreeNode, Path: "."}
	stack := []*Tree{top}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(n.Path)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &SourceNotFoundError{Path: n.Path, Err: err}
			}
			return nil, err
		}
		for _, e := range entries {
			rel := path.Join(n.Path, e.Name())
			if e.IsDir() {
				if filter.excluded(rel) {
					continue
				}
				child := &Tree{Kind: TreeNode, Path: rel}
				n.Children = append(n.Children, child)
				stack = append(stack, child)
				continue
			}
			if !e.Type().IsRegular() && e.Type()&fs.ModeSymlink == 0 {
				continue
			}
			if filter.excluded(rel) {
				continue
			}
			n.Children = append(n.Children, &Tree{Kind: TreeLeaf, Path: rel})
		}
	}
	return top, nil
}

// Files returns every leaf path sorted lexicographically.
func (t *Tree) Files() []string {
	if t == nil {
		return nil
	}
	var out []string
	stack := []*Tree{t}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Kind == TreeLeaf {
			out = append(out, strings.TrimPrefix(n.Path, "./"))
			continue
		}
		stack = append(stack, n.Children...)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of leaves and directory nodes under t, including t.
func (t *Tree) Count() (leaves, nodes int) {
	if t == nil {
		return 0, 0
	}
	stack := []*Tree{t}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Kind == TreeLeaf {
			leaves++
			continue
		}
		nodes++
		stack = append(stack, n.Children...)
	}
	return leaves, nodes
}

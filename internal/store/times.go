package store

import (
	"io/fs"
	"os"
	"path/filepath"

	"vorpal/internal/core"
)

// NormalizeTimestamps sets the access and modification times of root and
// every entry below it to Epoch. Symlinks are changed themselves, not their
// targets. Children are processed before their parent directory so the
// parent's mtime is not disturbed afterwards.
func NormalizeTimestamps(root string) error {
	type entry struct {
		path    string
		symlink bool
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: path, symlink: d.Type()&fs.ModeSymlink != 0})
		return nil
	})
	if err != nil {
		return &core.StoreWriteError{Op: "walk", Path: root, Err: err}
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.symlink {
			err = lchtimes(e.path, Epoch)
		} else {
			err = os.Chtimes(e.path, Epoch, Epoch)
		}
		if err != nil {
			return &core.StoreWriteError{Op: "chtimes", Path: e.path, Err: err}
		}
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"vorpal/internal/core"
)

// permBits are the mode bits preserved when copying a regular file.
const permBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// CopyInto copies each root-relative path from sourceRoot to targetRoot and
// returns the target paths in input order.
//
// Regular files keep their permission bits exactly. Symlinks are recreated
// as symlinks (their targets are never followed); an existing destination
// entry is removed first. A path that no longer exists under sourceRoot
// yields SourceNotFoundError. Any path ending in ArchiveExt is rejected
// before anything is copied.
func CopyInto(sourceRoot string, paths []string, targetRoot string) ([]string, error) {
	return copyInto(context.Background(), sourceRoot, paths, targetRoot)
}

func copyInto(ctx context.Context, sourceRoot string, paths []string, targetRoot string) ([]string, error) {
	for _, rel := range paths {
		if strings.HasSuffix(rel, ArchiveExt) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveSource, rel)
		}
	}
	if err := Ensure(targetRoot); err != nil {
		return nil, err
	}

	copied := make([]string, 0, len(paths))
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		osRel := filepath.FromSlash(rel)
		if filepath.IsAbs(osRel) || escapes(osRel) {
			return nil, &core.StoreWriteError{Op: "copy", Path: rel, Err: errors.New("path escapes target root")}
		}

		src := filepath.Join(sourceRoot, osRel)
		dst := filepath.Join(targetRoot, osRel)
		if err := copyEntry(src, dst); err != nil {
			return nil, err
		}
		copied = append(copied, dst)
	}
	return copied, nil
}

func copyEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &core.SourceNotFoundError{Path: src, Err: err}
		}
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &core.StoreWriteError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return copySymlink(src, dst)
	case info.Mode().IsRegular():
		return copyFile(src, dst, info.Mode()&permBits)
	default:
		return &core.StoreWriteError{Op: "copy", Path: src, Err: fmt.Errorf("unsupported file type %s", info.Mode().Type())}
	}
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &core.SourceNotFoundError{Path: src, Err: err}
		}
		return fmt.Errorf("readlink %s: %w", src, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return &core.StoreWriteError{Op: "remove", Path: dst, Err: err}
		}
	}
	if err := os.Symlink(target, dst); err != nil {
		return &core.StoreWriteError{Op: "symlink", Path: dst, Err: err}
	}
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &core.SourceNotFoundError{Path: src, Err: err}
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &core.StoreWriteError{Op: "create", Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return &core.StoreWriteError{Op: "write", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &core.StoreWriteError{Op: "close", Path: dst, Err: err}
	}
	// Chmod after writing so the umask cannot strip bits and a read-only
	// source does not block the write.
	if err := os.Chmod(dst, mode); err != nil {
		return &core.StoreWriteError{Op: "chmod", Path: dst, Err: err}
	}
	return nil
}

func escapes(rel string) bool {
	clean := filepath.Clean(rel)
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

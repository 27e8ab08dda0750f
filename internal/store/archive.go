package store

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"vorpal/internal/core"
)

// Pack writes the store directory for id to its cache archive and returns
// the archive path. An existing archive is left untouched.
//
// Archives are deterministic: entries are sorted by path, every header
// carries Epoch and zero ownership, and the zstd stream is encoded with a
// single goroutine.
func (s *Store) Pack(id core.ArtifactID) (string, error) {
	archive := s.ArchivePath(id)
	dir := s.Path(id)

	unlock := s.lock(DirName(id.Hash, id.Name) + ArchiveExt)
	defer unlock()

	if ok, err := s.HasArchive(id); err != nil || ok {
		return archive, err
	}
	exists, err := dirExists(dir)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("packing %s: store path %s is not populated", id, dir)
	}
	if err := Ensure(s.CacheDir()); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.CacheDir(), ".tmp-"+filepath.Base(archive)+"-")
	if err != nil {
		return "", &core.StoreWriteError{Op: "create", Path: s.CacheDir(), Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := WriteArchive(tmp, dir); err != nil {
		return "", err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return "", &core.StoreWriteError{Op: "chmod", Path: tmpName, Err: err}
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return "", &core.StoreWriteError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, archive); err != nil {
		return "", &core.StoreWriteError{Op: "rename", Path: archive, Err: err}
	}

	s.logger.Info("packed store archive", "artifact", id.Name, "hash", id.Hash, "path", archive)
	return archive, nil
}

// Unpack restores the store directory for id from a tar.zst stream. The
// same rules as Populate apply: an existing directory is kept and the new
// one only appears after it is fully written.
func (s *Store) Unpack(ctx context.Context, id core.ArtifactID, r io.Reader) (string, bool, error) {
	return s.commit(ctx, id, func(tmp string) error {
		return ExtractArchive(ctx, r, tmp)
	})
}

// WriteArchive writes dir as a deterministic tar.zst stream to w.
func WriteArchive(w io.Writer, dir string) error {
	var rels []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(rels)

	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, rel := range rels {
		if err := writeEntry(tw, dir, rel); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing zstd stream: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, dir, rel string) error {
	path := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	hdr := &tar.Header{
		Name:    rel,
		Mode:    int64(info.Mode().Perm()),
		ModTime: Epoch,
	}
	switch {
	case info.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name = rel + "/"
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
	case info.Mode().IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
		if info.Mode()&fs.ModeSetuid != 0 {
			hdr.Mode |= 0o4000
		}
		if info.Mode()&fs.ModeSetgid != 0 {
			hdr.Mode |= 0o2000
		}
		if info.Mode()&fs.ModeSticky != 0 {
			hdr.Mode |= 0o1000
		}
	default:
		return fmt.Errorf("archiving %s: unsupported file type %s", path, info.Mode().Type())
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", rel, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", rel, err)
	}
	return nil
}

// ExtractArchive unpacks a tar.zst stream into dir. Entries that would land
// outside dir are rejected.
func ExtractArchive(ctx context.Context, r io.Reader, dir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()
	return ExtractTar(ctx, zr, dir, 0)
}

// ExtractTar unpacks a tar stream into dir, dropping the first strip path
// components of every entry. Entries whose name escapes dir, entries written
// through a symlink, and symlinks pointing outside dir are rejected.
func ExtractTar(ctx context.Context, r io.Reader, dir string, strip int) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		name, ok := stripComponents(hdr.Name, strip)
		if !ok {
			continue
		}
		if filepath.IsAbs(name) || escapes(filepath.FromSlash(name)) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := checkParents(dir, name); err != nil {
			return fmt.Errorf("archive entry %q escapes destination: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return &core.StoreWriteError{Op: "mkdir", Path: target, Err: err}
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr.Mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if linkEscapes(name, hdr.Linkname) {
				return fmt.Errorf("archive entry %q escapes destination: link to %q", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return &core.StoreWriteError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
			}
			if _, err := os.Lstat(target); err == nil {
				_ = os.Remove(target)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return &core.StoreWriteError{Op: "symlink", Path: target, Err: err}
			}
		default:
			// Hard links, devices and PAX globals carry nothing the store keeps.
		}
	}
}

// checkParents fails when any existing directory component of name under dir
// is a symlink, so later writes cannot be redirected out of dir. The final
// component is left to the caller.
func checkParents(dir, name string) error {
	parts := strings.Split(name, "/")
	cur := dir
	for _, p := range parts[:len(parts)-1] {
		cur = filepath.Join(cur, p)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%s is a symlink", cur)
		}
	}
	return nil
}

// linkEscapes reports whether a symlink at name pointing to linkname resolves
// outside the extraction root.
func linkEscapes(name, linkname string) bool {
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return true
	}
	return escapes(filepath.Join(filepath.Dir(filepath.FromSlash(name)), filepath.FromSlash(linkname)))
}

func extractFile(r io.Reader, target string, mode int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &core.StoreWriteError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
	}
	if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return &core.StoreWriteError{Op: "remove", Path: target, Err: err}
		}
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &core.StoreWriteError{Op: "create", Path: target, Err: err}
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return &core.StoreWriteError{Op: "write", Path: target, Err: err}
	}
	if err := f.Close(); err != nil {
		return &core.StoreWriteError{Op: "close", Path: target, Err: err}
	}
	if err := os.Chmod(target, tarMode(mode)); err != nil {
		return &core.StoreWriteError{Op: "chmod", Path: target, Err: err}
	}
	return nil
}

func tarMode(mode int64) fs.FileMode {
	m := fs.FileMode(mode).Perm()
	if mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

func stripComponents(name string, n int) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimSuffix(name, "/")
	if n == 0 {
		return name, name != "" && name != "."
	}
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

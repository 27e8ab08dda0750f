// Package registry stores packed store archives outside the local store so
// that sources and build outputs can be shared between machines.
//
// Objects are addressed by kind and artifact id:
//
//	<kind>/<name>-<hash>.tar.zst
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"vorpal/internal/core"
	"vorpal/internal/store"
)

// ErrNotFound is returned by Get when no archive exists for the key.
var ErrNotFound = errors.New("registry: archive not found")

// Kind separates source archives from build outputs.
type Kind string

const (
	KindSource   Kind = "source"
	KindArtifact Kind = "artifact"
)

// Backend is an archive registry.
type Backend interface {
	Has(ctx context.Context, kind Kind, id core.ArtifactID) (bool, error)

	// Get returns the archive for id. The caller closes the reader.
	Get(ctx context.Context, kind Kind, id core.ArtifactID) (io.ReadCloser, error)

	// Put uploads an archive. Writing an existing key replaces it with the
	// same content, so Put is safe to repeat.
	Put(ctx context.Context, kind Kind, id core.ArtifactID, r io.Reader, size int64) error
}

// ObjectKey returns the key an archive is stored under.
func ObjectKey(kind Kind, id core.ArtifactID) string {
	return string(kind) + "/" + store.DirName(id.Hash, id.Name) + store.ArchiveExt
}

func validate(kind Kind, id core.ArtifactID) error {
	if kind != KindSource && kind != KindArtifact {
		return fmt.Errorf("registry: unknown kind %q", kind)
	}
	if strings.TrimSpace(id.Name) == "" || strings.TrimSpace(id.Hash) == "" {
		return fmt.Errorf("registry: artifact name and hash are required")
	}
	if strings.ContainsAny(id.Name, "/\\") || strings.ContainsAny(id.Hash, "/\\") {
		return fmt.Errorf("registry: invalid artifact id %s", id)
	}
	return nil
}

// PushArchive uploads the packed archive for id from st, packing it first
// if needed. It does nothing when the registry already has the key.
func PushArchive(ctx context.Context, b Backend, st *store.Store, kind Kind, id core.ArtifactID) error {
	ok, err := b.Has(ctx, kind, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	archive, err := st.Pack(id)
	if err != nil {
		return err
	}
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archive, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive %s: %w", archive, err)
	}
	return b.Put(ctx, kind, id, f, info.Size())
}

// PullArchive restores id into st from the registry. It reports false with
// no error when the registry does not have the archive.
func PullArchive(ctx context.Context, b Backend, st *store.Store, kind Kind, id core.ArtifactID) (bool, error) {
	rc, err := b.Get(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer rc.Close()

	if _, _, err := st.Unpack(ctx, id, rc); err != nil {
		return false, fmt.Errorf("unpacking %s from registry: %w", id, err)
	}
	return true, nil
}

// LocalBackend keeps archives in a directory tree.
type LocalBackend struct {
	root string
}

// NewLocalBackend returns a backend rooted at dir.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("registry: local directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &LocalBackend{root: abs}, nil
}

func (l *LocalBackend) path(kind Kind, id core.ArtifactID) string {
	return filepath.Join(l.root, filepath.FromSlash(ObjectKey(kind, id)))
}

func (l *LocalBackend) Has(_ context.Context, kind Kind, id core.ArtifactID) (bool, error) {
	if err := validate(kind, id); err != nil {
		return false, err
	}
	_, err := os.Stat(l.path(kind, id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *LocalBackend) Get(_ context.Context, kind Kind, id core.ArtifactID) (io.ReadCloser, error) {
	if err := validate(kind, id); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path(kind, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *LocalBackend) Put(ctx context.Context, kind Kind, id core.ArtifactID, r io.Reader, _ int64) error {
	if err := validate(kind, id); err != nil {
		return err
	}
	target := l.path(kind, id)
	if err := store.Ensure(filepath.Dir(target)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-")
	if err != nil {
		return &core.StoreWriteError{Op: "create", Path: filepath.Dir(target), Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return &core.StoreWriteError{Op: "write", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &core.StoreWriteError{Op: "close", Path: tmp.Name(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return &core.StoreWriteError{Op: "rename", Path: target, Err: err}
	}
	return nil
}

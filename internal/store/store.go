// Package store implements the content-addressed store.
//
// Layout under the configured root:
//
//	<root>/store/<name>-<hash>/...        populated, immutable directories
//	<root>/cache/<name>-<hash>.tar.zst    packed archives of store directories
//	<root>/sandbox/                       scratch space for fetches
//
// A store directory only ever appears under its final key by atomic rename
// of a fully populated temporary directory, so a visible directory is always
// complete.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vorpal/internal/core"
	"vorpal/internal/logging"
)

// ArchiveExt is the extension of packed store archives. Paths with this
// suffix are never copied into the store as raw source files.
const ArchiveExt = ".tar.zst"

// ErrArchiveSource is returned when a source path ends in ArchiveExt.
var ErrArchiveSource = errors.New("refusing to copy store archive as source file")

// Epoch is the timestamp every populated file and directory carries.
var Epoch = time.Unix(0, 0)

// Store is a content-addressed directory namespace rooted at Root.
//
// Populate and Unpack are serialized per (name, hash) key; different keys
// proceed in parallel.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Store rooted at root. The directory is not created until
// something is written.
func New(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, &core.InvalidPathError{Path: root, Reason: "store root is required"}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &core.InvalidPathError{Path: root, Reason: err.Error()}
	}
	return &Store{
		root:   abs,
		logger: logging.OrDiscard(logger),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// DirName returns the store key for an artifact: "<name>-<hash>".
func DirName(hash, name string) string {
	return name + "-" + hash
}

// StoreDir returns <root>/store.
func (s *Store) StoreDir() string { return filepath.Join(s.root, "store") }

// CacheDir returns <root>/cache.
func (s *Store) CacheDir() string { return filepath.Join(s.root, "cache") }

// SandboxDir returns <root>/sandbox.
func (s *Store) SandboxDir() string { return filepath.Join(s.root, "sandbox") }

// Path returns the store directory for id.
func (s *Store) Path(id core.ArtifactID) string {
	return filepath.Join(s.StoreDir(), DirName(id.Hash, id.Name))
}

// ArchivePath returns the cache archive path for id.
func (s *Store) ArchivePath(id core.ArtifactID) string {
	return filepath.Join(s.CacheDir(), DirName(id.Hash, id.Name)+ArchiveExt)
}

// Has reports whether the store directory for id is populated.
func (s *Store) Has(id core.ArtifactID) (bool, error) {
	return dirExists(s.Path(id))
}

// HasArchive reports whether the cache archive for id exists.
func (s *Store) HasArchive(id core.ArtifactID) (bool, error) {
	_, err := os.Stat(s.ArchivePath(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking archive %s: %w", id, err)
}

// Ensure creates path (and parents) if missing. An existing directory is a
// no-op success.
func Ensure(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &core.StoreWriteError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

// Populate copies the listed source paths into the store directory for id.
//
// If the directory is already populated Populate returns (path, false, nil)
// without copying. Otherwise files are copied into a temporary sibling,
// timestamps are normalized to Epoch and the directory is renamed into
// place; populated is true. When ctx is cancelled before the rename the
// temporary directory is removed and nothing appears under the final key.
func (s *Store) Populate(ctx context.Context, id core.ArtifactID, sourceRoot string, paths []string) (dir string, populated bool, err error) {
	return s.commit(ctx, id, func(tmp string) error {
		_, err := copyInto(ctx, sourceRoot, paths, tmp)
		return err
	})
}

// commit runs fill against a fresh temporary directory and renames it to the
// store path for id, unless that path already exists.
func (s *Store) commit(ctx context.Context, id core.ArtifactID, fill func(tmp string) error) (string, bool, error) {
	final := s.Path(id)
	key := DirName(id.Hash, id.Name)

	unlock := s.lock(key)
	defer unlock()

	exists, err := dirExists(final)
	if err != nil {
		return "", false, err
	}
	if exists {
		s.logger.Debug("store path already populated", "artifact", id.Name, "hash", id.Hash)
		return final, false, nil
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	if err := Ensure(s.StoreDir()); err != nil {
		return "", false, err
	}
	tmp, err := os.MkdirTemp(s.StoreDir(), ".tmp-"+key+"-")
	if err != nil {
		return "", false, &core.StoreWriteError{Op: "mkdtemp", Path: s.StoreDir(), Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := fill(tmp); err != nil {
		return "", false, err
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return "", false, &core.StoreWriteError{Op: "chmod", Path: tmp, Err: err}
	}
	if err := NormalizeTimestamps(tmp); err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", false, &core.StoreWriteError{Op: "rename", Path: final, Err: err}
	}
	committed = true

	s.logger.Info("populated store path", "artifact", id.Name, "hash", id.Hash, "path", final)
	return final, true, nil
}

func (s *Store) lock(key string) (unlock func()) {
	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return false, &core.StoreWriteError{Op: "stat", Path: path, Err: errors.New("store path is not a directory")}
		}
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking store path %s: %w", path, err)
}

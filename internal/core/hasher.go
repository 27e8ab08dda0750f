package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Hasher computes content digests.
//
// The digest algorithm is fixed:
//   - per file: hex SHA-256 of the raw bytes (a symlink hashes its target string)
//   - per file set: hex SHA-256 of the per-file hex digests concatenated in
//     the order supplied
//
// Order sensitivity is intentional. Callers must pass a stable order, which
// FileCollector guarantees.
type Hasher struct {
	// Concurrency bounds parallel per-file hashing. Zero means GOMAXPROCS.
	Concurrency int

	memo *lru.Cache[fileKey, string]
}

// fileKey identifies file content cheaply for the memo. It is only trusted
// within a single resolution pass, during which sources are not modified.
type fileKey struct {
	path  string
	size  int64
	mtime int64
	mode  fs.FileMode
}

// NewHasher returns a Hasher without memoization.
func NewHasher() *Hasher {
	return &Hasher{}
}

// NewMemoHasher returns a Hasher that remembers up to size per-file digests.
// Use one per resolution pass; it does not notice modifications that keep
// size and mtime unchanged.
func NewMemoHasher(size int) (*Hasher, error) {
	cache, err := lru.New[fileKey, string](size)
	if err != nil {
		return nil, fmt.Errorf("creating digest memo: %w", err)
	}
	return &Hasher{memo: cache}, nil
}

var defaultHasher = NewHasher()

// HashFile hashes a single file with the default Hasher.
func HashFile(path string) (string, error) { return defaultHasher.HashFile(path) }

// HashFiles hashes a file list with the default Hasher.
func HashFiles(paths []string) (string, error) { return defaultHasher.HashFiles(paths) }

// HashFile returns the hex SHA-256 of the file's bytes. The file is streamed
// so memory use does not depend on its size.
func (h *Hasher) HashFile(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", notFoundOr(path, err)
	}

	var key fileKey
	if h.memo != nil {
		key = fileKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano(), mode: info.Mode()}
		if digest, ok := h.memo.Get(key); ok {
			return digest, nil
		}
	}

	var digest string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return "", notFoundOr(path, err)
		}
		digest = HashString(target)
	} else {
		digest, err = hashReader(path)
		if err != nil {
			return "", err
		}
	}

	if h.memo != nil {
		h.memo.Add(key, digest)
	}
	return digest, nil
}

func hashReader(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", notFoundOr(path, err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashFiles hashes every path and combines the per-file digests in the order
// supplied. Files are read in parallel; completion order never affects the
// result.
//
// Returns EmptyInputError for an empty list.
func (h *Hasher) HashFiles(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", &EmptyInputError{What: "no files to hash"}
	}

	digests := make([]string, len(paths))
	var g errgroup.Group
	g.SetLimit(h.concurrency())
	for i, p := range paths {
		g.Go(func() error {
			d, err := h.HashFile(p)
			if err != nil {
				return err
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	return HashParts(digests...), nil
}

func (h *Hasher) concurrency() int {
	if h.Concurrency > 0 {
		return h.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

// HashDigest re-hashes an existing digest string. It folds a dependency's
// hash into a parent digest without re-reading the dependency's files.
func HashDigest(digest string) string {
	return HashString(digest)
}

// HashString returns the hex SHA-256 of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashParts returns the hex SHA-256 of the parts concatenated in order.
func HashParts(parts ...string) string {
	sum := sha256.New()
	for _, p := range parts {
		io.WriteString(sum, p)
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func notFoundOr(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &SourceNotFoundError{Path: path, Err: err}
	}
	return fmt.Errorf("reading %s: %w", path, err)
}

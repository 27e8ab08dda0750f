// Package source materializes artifact sources on the local filesystem so
// they can be collected and hashed.
//
// Local URIs (plain paths and file://) are used in place. http(s) URIs are
// downloaded into the sandbox: archives (.tar, .tar.gz, .tgz, .tar.zst) are
// unpacked, anything else is saved as a single file named after the last
// URL path segment.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"vorpal/internal/core"
	"vorpal/internal/logging"
	"vorpal/internal/store"
)

// DefaultTimeout bounds a single download.
const DefaultTimeout = 10 * time.Minute

// Kind classifies a source URI.
type Kind int

const (
	KindLocal Kind = iota
	KindHTTP
)

// Fetched is a source ready for collection.
type Fetched struct {
	// Root is the directory (or single file) to collect from.
	Root string

	// Kind records how the source was obtained.
	Kind Kind

	cleanup func()
}

// Close removes any sandbox files created for the source.
func (f *Fetched) Close() {
	if f != nil && f.cleanup != nil {
		f.cleanup()
		f.cleanup = nil
	}
}

// Fetcher resolves source URIs.
type Fetcher struct {
	// Client performs downloads. Nil means a client with DefaultTimeout.
	Client *http.Client

	// Sandbox is the scratch directory downloads are unpacked into.
	Sandbox string

	Logger *slog.Logger
}

// NewFetcher returns a Fetcher unpacking downloads below sandbox.
func NewFetcher(sandbox string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		Client:  &http.Client{Timeout: DefaultTimeout},
		Sandbox: sandbox,
		Logger:  logging.OrDiscard(logger),
	}
}

// Classify reports the kind of uri and, for local sources, the resolved
// path. Relative paths are resolved against contextDir.
func Classify(uri, contextDir string) (Kind, string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return 0, "", &core.InvalidPathError{Path: uri, Reason: "empty source uri"}
	}

	u, err := url.Parse(uri)
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return KindHTTP, uri, nil
		case "file":
			p := u.Path
			if p == "" {
				p = u.Opaque
			}
			if u.Host != "" && u.Host != "localhost" {
				// file://dir/x is read as the relative path dir/x.
				p = u.Host + p
			}
			return KindLocal, resolveLocal(filepath.FromSlash(p), contextDir), nil
		default:
			return 0, "", &core.InvalidPathError{Path: uri, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
		}
	}
	return KindLocal, resolveLocal(uri, contextDir), nil
}

func resolveLocal(p, contextDir string) string {
	if filepath.IsAbs(p) || contextDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(contextDir, p)
}

// Fetch makes src available locally. The caller must Close the result.
func (f *Fetcher) Fetch(ctx context.Context, src core.ArtifactSource, contextDir string) (*Fetched, error) {
	kind, loc, err := Classify(src.URI, contextDir)
	if err != nil {
		return nil, err
	}
	if kind == KindLocal {
		return &Fetched{Root: loc, Kind: KindLocal}, nil
	}
	return f.download(ctx, src, loc)
}

func (f *Fetcher) download(ctx context.Context, src core.ArtifactSource, rawURL string) (*Fetched, error) {
	logger := logging.OrDiscard(f.Logger)
	if f.Sandbox == "" {
		return nil, errors.New("downloading sources requires a sandbox directory")
	}
	if err := store.Ensure(f.Sandbox); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(f.Sandbox, "source-"+src.Name+"-")
	if err != nil {
		return nil, &core.StoreWriteError{Op: "mkdtemp", Path: f.Sandbox, Err: err}
	}
	fetched := &Fetched{Root: dir, Kind: KindHTTP, cleanup: func() { _ = os.RemoveAll(dir) }}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		fetched.Close()
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		fetched.Close()
		return nil, &core.SourceNotFoundError{Path: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		fetched.Close()
		return nil, &core.SourceNotFoundError{Path: rawURL, Err: errors.New(resp.Status)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fetched.Close()
		return nil, fmt.Errorf("downloading %s: unexpected status %s", rawURL, resp.Status)
	}

	if err := unpack(ctx, resp.Body, rawURL, dir, src.StripPrefix); err != nil {
		fetched.Close()
		return nil, fmt.Errorf("source %q: %w", src.Name, err)
	}

	logger.Debug("downloaded source",
		"source", src.Name,
		"url", rawURL,
		"duration", time.Since(started))
	return fetched, nil
}

// ArchiveFormat is the container format inferred from a URL path.
type ArchiveFormat int

const (
	FormatFile ArchiveFormat = iota
	FormatTar
	FormatTarGzip
	FormatTarZstd
)

// DetectFormat infers the archive format from the name's extension.
func DetectFormat(name string) ArchiveFormat {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGzip
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	default:
		return FormatFile
	}
}

func unpack(ctx context.Context, body io.Reader, rawURL, dir string, stripPrefix bool) error {
	name := path.Base(urlPath(rawURL))
	strip := 0
	if stripPrefix {
		strip = 1
	}

	switch DetectFormat(name) {
	case FormatTarZstd:
		zr, err := zstd.NewReader(body)
		if err != nil {
			return fmt.Errorf("opening zstd stream: %w", err)
		}
		defer zr.Close()
		return store.ExtractTar(ctx, zr, dir, strip)
	case FormatTarGzip:
		gr, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gr.Close()
		return store.ExtractTar(ctx, gr, dir, strip)
	case FormatTar:
		return store.ExtractTar(ctx, body, dir, strip)
	default:
		if name == "" || name == "/" || name == "." {
			name = "download"
		}
		return writeFile(body, filepath.Join(dir, name))
	}
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

func writeFile(r io.Reader, target string) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
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
	return nil
}

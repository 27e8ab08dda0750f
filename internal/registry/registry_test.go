package registry

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vorpal/internal/core"
	"vorpal/internal/store"
)

func TestObjectKey(t *testing.T) {
	id := core.ArtifactID{Name: "hello", Hash: "abc"}
	assert.Equal(t, "source/hello-abc.tar.zst", ObjectKey(KindSource, id))
	assert.Equal(t, "artifact/hello-abc.tar.zst", ObjectKey(KindArtifact, id))
}

func TestLocalBackend_PutGetHas(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	id := core.ArtifactID{Name: "x", Hash: "1"}

	ok, err := b.Has(ctx, KindArtifact, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Get(ctx, KindArtifact, id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Put(ctx, KindArtifact, id, bytes.NewReader([]byte("payload")), 7))

	ok, err = b.Has(ctx, KindArtifact, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Has(ctx, KindSource, id)
	require.NoError(t, err)
	assert.False(t, ok, "kinds are separate namespaces")

	rc, err := b.Get(ctx, KindArtifact, id)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestLocalBackend_RejectsBadKeys(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Has(ctx, Kind("other"), core.ArtifactID{Name: "x", Hash: "1"})
	assert.Error(t, err)
	_, err = b.Has(ctx, KindSource, core.ArtifactID{Name: "../x", Hash: "1"})
	assert.Error(t, err)
	_, err = b.Has(ctx, KindSource, core.ArtifactID{Name: "x"})
	assert.Error(t, err)
}

func TestPushPull_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "out.txt"), []byte("built"), 0o644))
	id := core.ArtifactID{Name: "tool", Hash: "h"}

	producer, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	_, _, err = producer.Populate(ctx, id, src, []string{"out.txt"})
	require.NoError(t, err)

	require.NoError(t, PushArchive(ctx, b, producer, KindArtifact, id))
	// A second push is a no-op.
	require.NoError(t, PushArchive(ctx, b, producer, KindArtifact, id))

	consumer, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	ok, err := PullArchive(ctx, b, consumer, KindArtifact, id)
	require.NoError(t, err)
	assert.True(t, ok)

	body, err := os.ReadFile(filepath.Join(consumer.Path(id), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built", string(body))

	ok, err = PullArchive(ctx, b, consumer, KindArtifact, core.ArtifactID{Name: "missing", Hash: "h"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewS3Backend_Validation(t *testing.T) {
	_, err := NewS3Backend(S3Config{})
	assert.ErrorContains(t, err, "endpoint")

	_, err = NewS3Backend(S3Config{Endpoint: "localhost:9000"})
	assert.ErrorContains(t, err, "access key")

	_, err = NewS3Backend(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	assert.ErrorContains(t, err, "bucket")

	b, err := NewS3Backend(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "vorpal"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", b.region)
}

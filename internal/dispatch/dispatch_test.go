package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vorpal/internal/core"
	"vorpal/internal/wire"
)

func startWorker(t *testing.T, build BuildFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(NewHandler(build))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.Client(), srv.URL, nil)
	require.NoError(t, err)
	return c
}

func request(name string) wire.BuildRequest {
	return wire.BuildRequest{
		Artifact: wire.Artifact{
			Name:    name,
			Systems: []string{core.X8664Linux.String()},
			Target:  core.X8664Linux.String(),
			Steps:   []wire.ArtifactStep{{Script: "make", Secrets: []wire.Secret{{Name: "TOKEN", Value: "v"}}}},
		},
	}
}

func TestDispatch_StreamsLogsAndReturnsOutput(t *testing.T) {
	var got wire.BuildRequest
	c := startWorker(t, func(_ context.Context, req wire.BuildRequest, logs func([]byte) error) (core.ArtifactID, error) {
		got = req
		require.NoError(t, logs([]byte("configure\n")))
		require.NoError(t, logs([]byte("compile\n")))
		return core.ArtifactID{Name: req.Artifact.Name, Hash: "abc"}, nil
	})

	var mu sync.Mutex
	var chunks []string
	id, err := c.Dispatch(context.Background(), request("hello"), func(b []byte) {
		mu.Lock()
		chunks = append(chunks, string(b))
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, core.ArtifactID{Name: "hello", Hash: "abc"}, id)
	assert.Equal(t, []string{"configure\n", "compile\n"}, chunks)

	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "X8664_LINUX", got.Artifact.Target)
	require.Len(t, got.Artifact.Steps, 1)
	assert.Equal(t, "v", got.Artifact.Steps[0].Secrets[0].Value)
}

func TestDispatch_KeepsCallerRequestID(t *testing.T) {
	var seen string
	c := startWorker(t, func(_ context.Context, req wire.BuildRequest, _ func([]byte) error) (core.ArtifactID, error) {
		seen = req.ID
		return core.ArtifactID{Name: "a", Hash: "h"}, nil
	})

	req := request("a")
	req.ID = "fixed-id"
	_, err := c.Dispatch(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", seen)
}

func TestDispatch_WorkerErrorCarriesPartialLog(t *testing.T) {
	c := startWorker(t, func(_ context.Context, _ wire.BuildRequest, logs func([]byte) error) (core.ArtifactID, error) {
		_ = logs([]byte("step 1 ok\n"))
		return core.ArtifactID{}, errors.New("step 2: exit status 2")
	})

	_, err := c.Dispatch(context.Background(), request("broken"), nil)
	require.ErrorIs(t, err, core.ErrDispatch)

	var de *core.DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "broken", de.Artifact)
	assert.Equal(t, "step 1 ok\n", string(de.Log))
	assert.Contains(t, err.Error(), "exit status 2")
}

func TestDispatch_NoOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle(BuildProcedure, connect.NewServerStreamHandler(BuildProcedure,
		func(_ context.Context, _ *connect.Request[wire.BuildRequest], stream *connect.ServerStream[wire.BuildResponse]) error {
			return stream.Send(&wire.BuildResponse{LogOutput: []byte("nothing to do\n")})
		},
		connect.WithCodec(Codec{}),
	))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(srv.Client(), srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Dispatch(context.Background(), request("empty"), nil)
	require.ErrorIs(t, err, ErrNoOutput)
	require.ErrorIs(t, err, core.ErrDispatch)
}

func TestDispatch_RejectsUnknownTarget(t *testing.T) {
	called := false
	c := startWorker(t, func(context.Context, wire.BuildRequest, func([]byte) error) (core.ArtifactID, error) {
		called = true
		return core.ArtifactID{}, nil
	})

	req := request("a")
	req.Artifact.Target = core.SystemUnknown.String()
	_, err := c.Dispatch(context.Background(), req, nil)
	require.ErrorIs(t, err, core.ErrDispatch)
	assert.False(t, called)
}

func TestHandler_RejectsUnknownTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle(NewHandler(func(context.Context, wire.BuildRequest, func([]byte) error) (core.ArtifactID, error) {
		return core.ArtifactID{}, nil
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	raw := connect.NewClient[wire.BuildRequest, wire.BuildResponse](srv.Client(), srv.URL+BuildProcedure, connect.WithCodec(Codec{}))
	stream, err := raw.CallServerStream(context.Background(), connect.NewRequest(&wire.BuildRequest{ID: "x"}))
	require.NoError(t, err)
	defer stream.Close()
	for stream.Receive() {
	}
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(stream.Err()))
}

func TestDispatch_CancelAbortsStream(t *testing.T) {
	started := make(chan struct{})
	c := startWorker(t, func(ctx context.Context, _ wire.BuildRequest, logs func([]byte) error) (core.ArtifactID, error) {
		_ = logs([]byte("working\n"))
		close(started)
		<-ctx.Done()
		return core.ArtifactID{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Dispatch(ctx, request("slow"), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, core.ErrDispatch)
}

func TestDispatch_WorkerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(nil, url, nil)
	require.NoError(t, err)
	_, err = c.Dispatch(context.Background(), request("a"), nil)
	require.ErrorIs(t, err, core.ErrDispatch)
}

func TestNewClient_RequiresAddress(t *testing.T) {
	_, err := NewClient(nil, "  ", nil)
	require.Error(t, err)
}

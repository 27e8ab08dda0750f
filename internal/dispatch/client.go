// Package dispatch ships resolved build requests to workers over a
// Connect server stream and relays their log output.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"vorpal/internal/core"
	"vorpal/internal/logging"
	"vorpal/internal/wire"
)

// BuildProcedure is the worker's server-streaming build endpoint.
const BuildProcedure = "/vorpal.worker.WorkerService/BuildArtifact"

// ErrNoOutput is returned when a worker ends the stream without reporting
// an output or an error.
var ErrNoOutput = errors.New("worker closed the stream without an output")

// Client dispatches builds to one worker. It never retries.
type Client struct {
	client *connect.Client[wire.BuildRequest, wire.BuildResponse]
	logger *slog.Logger
}

// NewClient returns a client for the worker at baseURL. A nil httpClient
// means http.DefaultClient.
func NewClient(httpClient connect.HTTPClient, baseURL string, logger *slog.Logger, opts ...connect.ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("worker address is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &Client{
		client: connect.NewClient[wire.BuildRequest, wire.BuildResponse](httpClient, baseURL+BuildProcedure, opts...),
		logger: logging.OrDiscard(logger),
	}, nil
}

// Dispatch sends req and blocks until the worker reports a result. logs is
// called with every log chunk in arrival order and may be nil.
//
// Any failure is a core.DispatchError carrying the log received so far.
// Cancelling ctx aborts the stream.
func (c *Client) Dispatch(ctx context.Context, req wire.BuildRequest, logs func([]byte)) (core.ArtifactID, error) {
	name := req.Artifact.Name
	fail := func(partial []byte, err error) (core.ArtifactID, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.logger.Error("build dispatch failed", "artifact", name, "request", req.ID, "error", err)
		return core.ArtifactID{}, &core.DispatchError{Artifact: name, Log: partial, Err: err}
	}

	if req.Artifact.Target == "" || req.Artifact.Target == core.SystemUnknown.String() {
		return fail(nil, fmt.Errorf("request target %q is not a concrete system", req.Artifact.Target))
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	c.logger.Debug("opening build stream", "artifact", name, "request", req.ID, "system", req.Artifact.Target)
	stream, err := c.client.CallServerStream(ctx, connect.NewRequest(&req))
	if err != nil {
		return fail(nil, err)
	}
	defer stream.Close()

	var (
		partial bytes.Buffer
		output  *wire.ArtifactID
		remote  string
	)
	for stream.Receive() {
		msg := stream.Msg()
		if len(msg.LogOutput) > 0 {
			partial.Write(msg.LogOutput)
			if logs != nil {
				logs(msg.LogOutput)
			}
		}
		if msg.Error != "" {
			remote = msg.Error
		}
		if msg.Output != nil {
			output = msg.Output
		}
	}
	if err := stream.Err(); err != nil {
		return fail(partial.Bytes(), err)
	}
	if remote != "" {
		return fail(partial.Bytes(), errors.New(remote))
	}
	if output == nil {
		return fail(partial.Bytes(), ErrNoOutput)
	}

	id := core.ArtifactID{Name: output.Name, Hash: output.Hash}
	c.logger.Info("build finished", "artifact", name, "request", req.ID, "hash", id.Hash)
	return id, nil
}

package dispatch

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"

	"vorpal/internal/core"
	"vorpal/internal/wire"
)

// BuildFunc builds one artifact on a worker. logs streams output back to
// the caller; its error means the stream is gone.
type BuildFunc func(ctx context.Context, req wire.BuildRequest, logs func([]byte) error) (core.ArtifactID, error)

// NewHandler serves BuildProcedure with build. Mount the returned handler
// at the returned path.
//
// A build error is reported in-band as a final Error message; requests
// without a concrete target are rejected with CodeInvalidArgument.
func NewHandler(build BuildFunc, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)
	h := connect.NewServerStreamHandler(BuildProcedure,
		func(ctx context.Context, req *connect.Request[wire.BuildRequest], stream *connect.ServerStream[wire.BuildResponse]) error {
			target, err := core.ParseSystem(req.Msg.Artifact.Target)
			if err != nil || !target.Valid() {
				return connect.NewError(connect.CodeInvalidArgument, errors.New("artifact target must be a concrete system"))
			}

			logs := func(b []byte) error {
				return stream.Send(&wire.BuildResponse{LogOutput: b})
			}
			out, err := build(ctx, *req.Msg, logs)
			if err != nil {
				return stream.Send(&wire.BuildResponse{Error: err.Error()})
			}
			return stream.Send(&wire.BuildResponse{Output: &wire.ArtifactID{Name: out.Name, Hash: out.Hash}})
		},
		opts...,
	)
	return BuildProcedure, h
}

package grpctransport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rzbill/raftlog/internal/transport"
)

const serviceName = "raftlog.v1.Raft"

const (
	methodVote            = "/" + serviceName + "/Vote"
	methodAppend          = "/" + serviceName + "/Append"
	methodInstallSnapshot = "/" + serviceName + "/InstallSnapshot"
)

// serviceDesc is declared by hand; messages go through codec rather than
// generated protobuf types.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: voteHandler},
		{MethodName: "Append", Handler: appendHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftlog/v1/raft.proto",
}

func voteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(voteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(transport.Handler).HandleVote(ctx, &req.(*voteRequest).VoteRequest)
		if err != nil {
			return nil, err
		}
		return &voteResponse{*resp}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodVote}, call)
}

func appendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(appendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(transport.Handler).HandleAppend(ctx, &req.(*appendRequest).AppendRequest)
		if err != nil {
			return nil, err
		}
		return &appendResponse{*resp}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppend}, call)
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(installSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(transport.Handler).HandleInstallSnapshot(ctx, &req.(*installSnapshotRequest).InstallSnapshotRequest)
		if err != nil {
			return nil, err
		}
		return &installSnapshotResponse{*resp}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInstallSnapshot}, call)
}

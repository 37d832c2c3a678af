package grpctransport

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Server exposes a transport.Handler (usually a transport.Mux) over gRPC.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	logger logpkg.Logger
}

// NewServer registers h on a new gRPC server.
func NewServer(h transport.Handler, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(codec{})}, opts...)
	s := &Server{grpc: grpc.NewServer(opts...), logger: logger.WithComponent("grpc")}
	s.grpc.RegisterService(&serviceDesc, h)
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("raft transport listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

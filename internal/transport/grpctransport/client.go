package grpctransport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/raftlog/internal/transport"
)

// Client sends raft RPCs to peers over gRPC. Connections are dialed lazily
// and shared by every partition.
type Client struct {
	mu      sync.Mutex
	members map[transport.NodeID]string
	conns   map[transport.NodeID]*grpc.ClientConn
	dialer  func(context.Context, string) (net.Conn, error)
	closed  bool
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithDialer overrides how connections are established. Tests use it with bufconn.
func WithDialer(d func(context.Context, string) (net.Conn, error)) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// NewClient returns a client for the given member addresses.
func NewClient(members map[transport.NodeID]string, opts ...ClientOption) *Client {
	c := &Client{members: make(map[transport.NodeID]string, len(members)), conns: make(map[transport.NodeID]*grpc.ClientConn)}
	for id, addr := range members {
		c.members[id] = addr
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ transport.Transport = (*Client)(nil)

func (c *Client) conn(to transport.NodeID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrUnreachable
	}
	if cc, ok := c.conns[to]; ok {
		return cc, nil
	}
	addr, ok := c.members[to]
	if !ok {
		return nil, fmt.Errorf("node %d has no address: %w", to, transport.ErrUnreachable)
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}
	target := addr
	if c.dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.dialer))
		target = "passthrough:///" + addr
	}
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	c.conns[to] = cc
	return cc, nil
}

// Vote implements transport.Transport.
func (c *Client) Vote(ctx context.Context, to transport.NodeID, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	cc, err := c.conn(to)
	if err != nil {
		return nil, err
	}
	out := new(voteResponse)
	if err := cc.Invoke(ctx, methodVote, &voteRequest{*req}, out); err != nil {
		return nil, err
	}
	return &out.VoteResponse, nil
}

// Append implements transport.Transport.
func (c *Client) Append(ctx context.Context, to transport.NodeID, req *transport.AppendRequest) (*transport.AppendResponse, error) {
	cc, err := c.conn(to)
	if err != nil {
		return nil, err
	}
	out := new(appendResponse)
	if err := cc.Invoke(ctx, methodAppend, &appendRequest{*req}, out); err != nil {
		return nil, err
	}
	return &out.AppendResponse, nil
}

// InstallSnapshot implements transport.Transport.
func (c *Client) InstallSnapshot(ctx context.Context, to transport.NodeID, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	cc, err := c.conn(to)
	if err != nil {
		return nil, err
	}
	out := new(installSnapshotResponse)
	if err := cc.Invoke(ctx, methodInstallSnapshot, &installSnapshotRequest{*req}, out); err != nil {
		return nil, err
	}
	return &out.InstallSnapshotResponse, nil
}

// Close closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var first error
	for id, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, id)
	}
	return first
}

// Package transport defines the raft RPC messages and the contracts between
// a node and the network. Implementations live in memnet (in-process, used
// by tests) and grpctransport (TCP).
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// NodeID identifies a cluster member. Zero means "none".
type NodeID = uint64

// Entry is a log entry on the wire: the term and the encoded record frame.
type Entry struct {
	Term uint64
	Data []byte
}

// VoteRequest asks a peer for its vote in Term.
type VoteRequest struct {
	Partition    uint32
	Term         uint64
	CandidateID  NodeID
	LastLogIndex uint64
	LastLogTerm  uint64
}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Term    uint64
	Granted bool
}

// AppendRequest replicates entries after (PrevLogIndex, PrevLogTerm). With no
// entries it is a heartbeat.
type AppendRequest struct {
	Partition    uint32
	Term         uint64
	LeaderID     NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	LeaderCommit uint64
	Entries      []Entry
}

// AppendResponse answers an AppendRequest. LastLogIndex is the follower's last
// index, used by the leader to converge quickly on a rejection.
type AppendResponse struct {
	Term         uint64
	Success      bool
	LastLogIndex uint64
}

// InstallSnapshotRequest ships a whole snapshot to a lagging follower.
type InstallSnapshotRequest struct {
	Partition uint32
	Term      uint64
	LeaderID  NodeID
	Index     uint64
	IndexTerm uint64
	Data      []byte
}

// InstallSnapshotResponse answers an InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	Term    uint64
	Success bool
}

// Transport sends RPCs to peers.
type Transport interface {
	Vote(ctx context.Context, to NodeID, req *VoteRequest) (*VoteResponse, error)
	Append(ctx context.Context, to NodeID, req *AppendRequest) (*AppendResponse, error)
	InstallSnapshot(ctx context.Context, to NodeID, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// Handler serves inbound RPCs.
type Handler interface {
	HandleVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	HandleAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// ErrUnknownPartition is returned by Mux for partitions without a handler.
var ErrUnknownPartition = errors.New("transport: unknown partition")

// ErrUnreachable is returned when the destination cannot be reached.
var ErrUnreachable = errors.New("transport: peer unreachable")

// Mux routes inbound RPCs to the handler registered for their partition.
// One Mux serves every partition hosted by a node.
type Mux struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[uint32]Handler)}
}

// Register binds h to partition, replacing any previous handler.
func (m *Mux) Register(partition uint32, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[partition] = h
}

// Unregister removes the handler for partition.
func (m *Mux) Unregister(partition uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, partition)
}

func (m *Mux) lookup(partition uint32) (Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d: %w", partition, ErrUnknownPartition)
	}
	return h, nil
}

func (m *Mux) HandleVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	h, err := m.lookup(req.Partition)
	if err != nil {
		return nil, err
	}
	return h.HandleVote(ctx, req)
}

func (m *Mux) HandleAppend(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	h, err := m.lookup(req.Partition)
	if err != nil {
		return nil, err
	}
	return h.HandleAppend(ctx, req)
}

func (m *Mux) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	h, err := m.lookup(req.Partition)
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(ctx, req)
}

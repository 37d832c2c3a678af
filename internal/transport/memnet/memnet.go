// Package memnet is an in-process network for raft nodes. It delivers RPCs
// by direct call and can partition nodes, drop messages and add latency,
// which makes it the substrate for cluster tests.
package memnet

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rzbill/raftlog/internal/transport"
)

// Network connects endpoints by NodeID.
type Network struct {
	mu       sync.RWMutex
	handlers map[transport.NodeID]transport.Handler
	cut      map[[2]transport.NodeID]bool
	delay    time.Duration
	dropRate float64
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// New returns an empty network. seed makes drops reproducible.
func New(seed int64) *Network {
	return &Network{
		handlers: make(map[transport.NodeID]transport.Handler),
		cut:      make(map[[2]transport.NodeID]bool),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Join attaches handler as node id and returns that node's transport.
func (n *Network) Join(id transport.NodeID, h transport.Handler) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
	return &Endpoint{net: n, self: id}
}

// Leave detaches id; messages to it fail as unreachable.
func (n *Network) Leave(id transport.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Disconnect cuts the link between a and b in both directions.
func (n *Network) Disconnect(a, b transport.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]transport.NodeID{a, b}] = true
	n.cut[[2]transport.NodeID{b, a}] = true
}

// Isolate cuts id from every other known node.
func (n *Network) Isolate(id transport.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.handlers {
		if other == id {
			continue
		}
		n.cut[[2]transport.NodeID{id, other}] = true
		n.cut[[2]transport.NodeID{other, id}] = true
	}
}

// Heal restores every link.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[[2]transport.NodeID]bool)
}

// SetDelay adds a fixed one-way latency to every delivery.
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// SetDropRate drops each message with probability p.
func (n *Network) SetDropRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = p
}

func (n *Network) route(ctx context.Context, from, to transport.NodeID) (transport.Handler, error) {
	n.mu.RLock()
	h, ok := n.handlers[to]
	cut := n.cut[[2]transport.NodeID{from, to}]
	delay, drop := n.delay, n.dropRate
	n.mu.RUnlock()
	if !ok || cut {
		return nil, transport.ErrUnreachable
	}
	if drop > 0 {
		n.rngMu.Lock()
		dropped := n.rng.Float64() < drop
		n.rngMu.Unlock()
		if dropped {
			return nil, transport.ErrUnreachable
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h, nil
}

// Endpoint is one node's view of the network.
type Endpoint struct {
	net  *Network
	self transport.NodeID
}

var _ transport.Transport = (*Endpoint)(nil)

// Vote implements transport.Transport.
func (e *Endpoint) Vote(ctx context.Context, to transport.NodeID, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	h, err := e.net.route(ctx, e.self, to)
	if err != nil {
		return nil, err
	}
	resp, err := h.HandleVote(ctx, req)
	if err != nil {
		return nil, err
	}
	// replies travel the same link
	if _, err := e.net.route(ctx, to, e.self); err != nil {
		return nil, err
	}
	return resp, nil
}

// Append implements transport.Transport.
func (e *Endpoint) Append(ctx context.Context, to transport.NodeID, req *transport.AppendRequest) (*transport.AppendResponse, error) {
	h, err := e.net.route(ctx, e.self, to)
	if err != nil {
		return nil, err
	}
	resp, err := h.HandleAppend(ctx, cloneAppend(req))
	if err != nil {
		return nil, err
	}
	if _, err := e.net.route(ctx, to, e.self); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot implements transport.Transport.
func (e *Endpoint) InstallSnapshot(ctx context.Context, to transport.NodeID, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	h, err := e.net.route(ctx, e.self, to)
	if err != nil {
		return nil, err
	}
	cp := *req
	cp.Data = append([]byte(nil), req.Data...)
	resp, err := h.HandleInstallSnapshot(ctx, &cp)
	if err != nil {
		return nil, err
	}
	if _, err := e.net.route(ctx, to, e.self); err != nil {
		return nil, err
	}
	return resp, nil
}

// cloneAppend copies entry payloads so sender and receiver never share memory.
func cloneAppend(req *transport.AppendRequest) *transport.AppendRequest {
	cp := *req
	if len(req.Entries) > 0 {
		cp.Entries = make([]transport.Entry, len(req.Entries))
		for i, e := range req.Entries {
			cp.Entries[i] = transport.Entry{Term: e.Term, Data: append([]byte(nil), e.Data...)}
		}
	}
	return &cp
}

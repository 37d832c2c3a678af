package raft

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

var errNoSnapshot = errors.New("raft: follower needs compacted entries and no snapshot is available")

func (n *Node) prepareSnapshot(peer transport.NodeID) (*outbound, error) {
	if n.snapshots == nil {
		return nil, errNoSnapshot
	}
	snap, ok, err := n.snapshots.LatestSnapshot()
	if err != nil {
		return nil, err
	}
	base, _ := n.store.Base()
	if !ok || snap.Index < base {
		return nil, errNoSnapshot
	}
	n.logger.Info("sending snapshot to follower",
		logpkg.Uint64("peer", peer), logpkg.Uint64("index", snap.Index), logpkg.Int("bytes", len(snap.Data)))
	return &outbound{snapshot: &transport.InstallSnapshotRequest{
		Partition: n.cfg.Partition,
		Term:      n.term,
		LeaderID:  n.id,
		Index:     snap.Index,
		IndexTerm: snap.Term,
		Data:      snap.Data,
	}}, nil
}

func (n *Node) onSnapshotResponse(peer transport.NodeID, term uint64, req *transport.InstallSnapshotRequest, resp *transport.InstallSnapshotResponse) bool {
	if resp.Term > n.term {
		n.becomeFollower(resp.Term, 0)
		return false
	}
	if n.lead == nil || n.lead.term != term {
		return false
	}
	pr := n.lead.progress[peer]
	pr.lastContact = time.Now()
	if !resp.Success {
		return false
	}
	if req.Index > pr.match {
		pr.match = req.Index
	}
	if req.Index+1 > pr.next {
		pr.next = req.Index + 1
	}
	n.maybeCommit()
	return true
}

// HandleInstallSnapshot replaces the local log and state with a leader's
// snapshot.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	var (
		resp *transport.InstallSnapshotResponse
		rerr error
	)
	err := n.do(ctx, func() { resp, rerr = n.handleInstallSnapshot(req) })
	if err != nil {
		return nil, err
	}
	return resp, rerr
}

func (n *Node) handleInstallSnapshot(req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotResponse, error) {
	ok, err := n.acceptLeader(req.Term, req.LeaderID)
	if err != nil {
		return nil, err
	}
	resp := &transport.InstallSnapshotResponse{Term: n.term}
	if !ok {
		return resp, nil
	}
	if req.Index <= n.commit {
		resp.Success = true
		return resp, nil
	}
	if n.snapshots == nil {
		n.logger.Warn("rejecting snapshot, no state machine attached", logpkg.Uint64("index", req.Index))
		return resp, nil
	}
	snap := Snapshot{Index: req.Index, Term: req.IndexTerm, Data: req.Data}
	if err := n.snapshots.InstallSnapshot(snap); err != nil {
		n.logger.Error("failed to install snapshot", logpkg.Uint64("index", req.Index), logpkg.Err(err))
		return resp, nil
	}
	if err := n.store.Reset(n.ctx, req.Index, req.IndexTerm); err != nil {
		n.logger.Error("failed to reset log after snapshot", logpkg.Uint64("index", req.Index), logpkg.Err(err))
		return resp, nil
	}
	n.setCommit(req.Index)
	n.logger.Info("installed snapshot", logpkg.Uint64("index", req.Index), logpkg.Uint64("term", req.IndexTerm))
	resp.Success = true
	return resp, nil
}

package raft

import (
	"context"
	"time"

	"go.etcd.io/etcd/raft/v3/quorum"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/record"
	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

func (n *Node) onElectionTimeout() {
	switch n.role {
	case RoleFollower, RoleCandidate:
		n.startElection()
	}
}

func (n *Node) startElection() {
	n.term++
	n.role = RoleCandidate
	n.leader = 0
	n.votedFor = n.id
	if err := n.persistHardState(); err != nil {
		n.logger.Error("failed to persist candidacy", logpkg.Err(err))
		n.term--
		n.role = RoleFollower
		n.votedFor = 0
		n.resetElectionTimer()
		return
	}
	n.resetElectionTimer()
	n.publish()

	n.votes = map[uint64]bool{n.id: true}
	n.logger.Info("starting election", logpkg.Uint64("term", n.term))
	if n.voters.VoteResult(n.votes) == quorum.VoteWon {
		n.becomeLeader()
		return
	}

	req := &transport.VoteRequest{
		Partition:    n.cfg.Partition,
		Term:         n.term,
		CandidateID:  n.id,
		LastLogIndex: n.store.LastIndex(),
		LastLogTerm:  n.store.LastTerm(),
	}
	for _, peer := range n.peers {
		peer := peer
		n.spawn(func() {
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ElectionTimeout)
			defer cancel()
			resp, err := n.trans.Vote(ctx, peer, req)
			if err != nil {
				n.logger.Debug("vote request failed", logpkg.Uint64("peer", peer), logpkg.Err(err))
				return
			}
			n.post(func() { n.onVoteResponse(peer, req.Term, resp) })
		})
	}
}

func (n *Node) onVoteResponse(peer transport.NodeID, term uint64, resp *transport.VoteResponse) {
	if resp.Term > n.term {
		n.becomeFollower(resp.Term, 0)
		return
	}
	if n.role != RoleCandidate || n.term != term {
		return
	}
	n.votes[peer] = resp.Granted
	switch n.voters.VoteResult(n.votes) {
	case quorum.VoteWon:
		n.becomeLeader()
	case quorum.VoteLost:
		n.logger.Debug("election lost", logpkg.Uint64("term", n.term))
	}
}

// HandleVote answers a peer's vote request.
func (n *Node) HandleVote(ctx context.Context, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	var (
		resp *transport.VoteResponse
		rerr error
	)
	err := n.do(ctx, func() { resp, rerr = n.handleVote(req) })
	if err != nil {
		return nil, err
	}
	return resp, rerr
}

func (n *Node) handleVote(req *transport.VoteRequest) (*transport.VoteResponse, error) {
	if n.role == RoleInactive {
		return nil, ErrSafetyViolation
	}
	if req.Term > n.term {
		n.becomeFollower(req.Term, 0)
	}
	resp := &transport.VoteResponse{Term: n.term}
	if req.Term < n.term {
		return resp, nil
	}
	if n.votedFor != 0 && n.votedFor != req.CandidateID {
		return resp, nil
	}
	lastIndex, lastTerm := n.store.LastIndex(), n.store.LastTerm()
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		n.logger.Debug("rejecting vote for stale candidate",
			logpkg.Uint64("candidate", req.CandidateID),
			logpkg.Uint64("candidate_last_index", req.LastLogIndex),
			logpkg.Uint64("last_index", lastIndex))
		return resp, nil
	}
	prev := n.votedFor
	n.votedFor = req.CandidateID
	if err := n.persistHardState(); err != nil {
		n.votedFor = prev
		n.logger.Error("failed to persist vote", logpkg.Err(err))
		return resp, nil
	}
	n.resetElectionTimer()
	resp.Granted = true
	return resp, nil
}

// becomeFollower moves to term (if higher) as a follower of leader.
func (n *Node) becomeFollower(term uint64, leader transport.NodeID) {
	if n.role == RoleInactive {
		return
	}
	if term > n.term {
		n.term = term
		n.votedFor = 0
		if err := n.persistHardState(); err != nil {
			n.logger.Error("failed to persist term", logpkg.Uint64("term", term), logpkg.Err(err))
		}
	}
	if n.lead != nil {
		n.logger.Info("stepping down", logpkg.Uint64("term", n.term))
		n.stopLeading(&NotLeaderError{LeaderHint: leader})
	}
	if n.role != RoleFollower {
		n.logger.Info("became follower", logpkg.Uint64("term", n.term), logpkg.Uint64("leader", leader))
	}
	n.role = RoleFollower
	n.leader = leader
	n.resetElectionTimer()
	n.publish()
}

func (n *Node) becomeLeader() {
	n.role = RoleLeader
	n.leader = n.id
	n.electionTimer.Stop()

	ctx, cancel := context.WithCancel(n.ctx)
	now := time.Now()
	last := n.store.LastIndex()
	ls := &leaderState{
		term:     n.term,
		since:    now,
		progress: make(map[transport.NodeID]*progress, len(n.peers)),
		pending:  newPendingMap(),
		cancel:   cancel,
	}
	for _, peer := range n.peers {
		ls.progress[peer] = &progress{next: last + 1, lastContact: now, wake: make(chan struct{}, 1)}
	}
	n.lead = ls

	noop := logstorage.Entry{Term: n.term, Record: record.Record{
		Position:       int64(last + 1),
		Key:            record.NoKey,
		SourcePosition: record.NoSourcePosition,
		Timestamp:      now.UnixMilli(),
		Metadata:       record.Metadata{RecordType: record.RecordTypeEvent, ValueType: record.ValueTypeNoop},
		BatchEnd:       true,
	}}
	if _, err := n.store.Append(n.ctx, last, []logstorage.Entry{noop}); err != nil {
		n.logger.Error("failed to append initial entry", logpkg.Err(err))
		n.becomeFollower(n.term, 0)
		return
	}
	ls.initialIndex = last + 1

	n.logger.Info("became leader", logpkg.Uint64("term", n.term), logpkg.Uint64("initial_index", ls.initialIndex))
	n.publish()

	for _, peer := range n.peers {
		r := &replicator{n: n, peer: peer, term: n.term, pr: ls.progress[peer], ctx: ctx}
		n.spawn(r.run)
	}
	n.wakeAll()
	n.maybeCommit()
}

// stopLeading tears down leader state and fails pending proposals with err.
func (n *Node) stopLeading(err error) {
	ls := n.lead
	n.lead = nil
	ls.cancel()
	ls.pending.Range(func(_ uint64, p *proposal) bool {
		p.listener.OnCommitError(p.appended, err)
		return true
	})
}

// onHeartbeat wakes replicators and checks that a quorum is still reachable.
func (n *Node) onHeartbeat() {
	if n.role != RoleLeader || n.lead == nil {
		return
	}
	n.wakeAll()

	window := 2 * n.cfg.ElectionTimeout
	now := time.Now()
	if now.Sub(n.lead.since) < window {
		return
	}
	contacts := map[uint64]bool{n.id: true}
	for peer, pr := range n.lead.progress {
		contacts[peer] = now.Sub(pr.lastContact) < window
	}
	if n.voters.VoteResult(contacts) != quorum.VoteWon {
		n.logger.Warn("lost contact with quorum", logpkg.Duration("window", window))
		n.becomeFollower(n.term, 0)
	}
}

// StepDown makes a leader give up leadership. It is a no-op on other roles.
func (n *Node) StepDown(ctx context.Context) error {
	return n.do(ctx, func() {
		if n.role == RoleLeader {
			n.becomeFollower(n.term, 0)
		}
	})
}

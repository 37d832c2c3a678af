package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/raft/v3/quorum"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// replicator drives one follower for one leader term. It keeps at most one
// request in flight; the node goroutine builds requests and consumes replies.
type replicator struct {
	n        *Node
	peer     transport.NodeID
	term     uint64
	pr       *progress
	ctx      context.Context
	failures int
}

// outbound is either an append or a snapshot install.
type outbound struct {
	append   *transport.AppendRequest
	snapshot *transport.InstallSnapshotRequest
}

func (r *replicator) run() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.pr.wake:
		}
		for r.ctx.Err() == nil {
			more, ok := r.step()
			if !ok {
				return
			}
			if !more {
				break
			}
		}
	}
}

// step sends one request and hands the reply to the node. It reports whether
// the follower still lags and whether the replicator should keep running.
func (r *replicator) step() (more bool, ok bool) {
	var (
		out     *outbound
		prepErr error
	)
	if err := r.n.do(r.ctx, func() { out, prepErr = r.n.prepare(r.peer, r.term) }); err != nil {
		return false, false
	}
	if out == nil && prepErr == nil {
		return false, false
	}

	var err error
	if prepErr != nil {
		err = prepErr
	} else {
		err = r.send(out, &more)
	}
	if err == nil {
		r.failures = 0
		return more, true
	}
	if r.ctx.Err() != nil {
		return false, false
	}

	// The configured logger samples this message while a peer stays down.
	r.failures++
	r.n.logger.Warn("replication to follower failed",
		logpkg.Uint64("peer", r.peer),
		logpkg.Int("attempt", r.failures),
		logpkg.Err(err))
	t := time.NewTimer(r.backoff())
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false, false
	case <-t.C:
	}
	return true, true
}

func (r *replicator) send(out *outbound, more *bool) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.n.cfg.ElectionTimeout)
	defer cancel()
	if out.snapshot != nil {
		resp, err := r.n.trans.InstallSnapshot(ctx, r.peer, out.snapshot)
		if err != nil {
			return err
		}
		return r.n.do(r.ctx, func() { *more = r.n.onSnapshotResponse(r.peer, r.term, out.snapshot, resp) })
	}
	resp, err := r.n.trans.Append(ctx, r.peer, out.append)
	if err != nil {
		return err
	}
	return r.n.do(r.ctx, func() { *more = r.n.onAppendResponse(r.peer, r.term, out.append, resp) })
}

func (r *replicator) backoff() time.Duration {
	d := r.n.cfg.HeartbeatInterval
	for i := 1; i < r.failures && d < r.n.cfg.MaxAppendBackoff; i++ {
		d *= 2
	}
	if d > r.n.cfg.MaxAppendBackoff {
		d = r.n.cfg.MaxAppendBackoff
	}
	return d
}

func (n *Node) wakeAll() {
	if n.lead == nil {
		return
	}
	for _, pr := range n.lead.progress {
		select {
		case pr.wake <- struct{}{}:
		default:
		}
	}
}

// prepare builds the next request for peer. A nil request with a nil error
// means leadership of term is over.
func (n *Node) prepare(peer transport.NodeID, term uint64) (*outbound, error) {
	if n.role != RoleLeader || n.lead == nil || n.lead.term != term {
		return nil, nil
	}
	pr := n.lead.progress[peer]
	base, _ := n.store.Base()
	if pr.next <= base {
		return n.prepareSnapshot(peer)
	}

	prev := pr.next - 1
	prevTerm, err := n.store.Term(prev)
	if errors.Is(err, logstorage.ErrCompacted) {
		return n.prepareSnapshot(peer)
	}
	if err != nil {
		return nil, fmt.Errorf("term at %d: %w", prev, err)
	}
	entries, err := n.collect(pr.next)
	if errors.Is(err, logstorage.ErrCompacted) {
		return n.prepareSnapshot(peer)
	}
	if err != nil {
		return nil, err
	}
	return &outbound{append: &transport.AppendRequest{
		Partition:    n.cfg.Partition,
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		LeaderCommit: n.commit,
		Entries:      entries,
	}}, nil
}

// collect reads entries from index on. It stops after MaxAppendBatchSize
// entries but only at a batch boundary.
func (n *Node) collect(from uint64) ([]transport.Entry, error) {
	last := n.store.LastIndex()
	if from > last {
		return nil, nil
	}
	it := n.store.NewIterator(from, false)
	defer it.Close()
	var out []transport.Entry
	var buf []byte
	for it.Next() {
		if err := it.Err(); err != nil {
			return nil, err
		}
		if len(out) == 0 && it.Index() != from {
			return nil, logstorage.ErrCompacted
		}
		e := it.Entry()
		var err error
		buf, err = n.cfg.Codec.AppendEncoded(buf[:0], e.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, transport.Entry{Term: e.Term, Data: append([]byte(nil), buf...)})
		if e.Record.BatchEnd && len(out) >= n.cfg.MaxAppendBatchSize {
			break
		}
		if it.Index() >= last {
			break
		}
	}
	return out, nil
}

func (n *Node) onAppendResponse(peer transport.NodeID, term uint64, req *transport.AppendRequest, resp *transport.AppendResponse) bool {
	if resp.Term > n.term {
		n.becomeFollower(resp.Term, 0)
		return false
	}
	if n.lead == nil || n.lead.term != term {
		return false
	}
	pr := n.lead.progress[peer]
	pr.lastContact = time.Now()
	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > pr.match {
			pr.match = match
		}
		if match+1 > pr.next {
			pr.next = match + 1
		}
		n.maybeCommit()
		return pr.next <= n.store.LastIndex() || req.LeaderCommit < n.commit
	}

	next := pr.next - 1
	if hint := resp.LastLogIndex + 1; hint < next {
		next = hint
	}
	if next <= pr.match {
		next = pr.match + 1
	}
	if next < 1 {
		next = 1
	}
	pr.next = next
	return true
}

// matchIndexer feeds replication progress to quorum.MajorityConfig.
type matchIndexer struct{ n *Node }

func (m matchIndexer) AckedIndex(id uint64) (quorum.Index, bool) {
	if id == m.n.id {
		return quorum.Index(m.n.store.LastIndex()), true
	}
	pr, ok := m.n.lead.progress[id]
	if !ok {
		return 0, false
	}
	return quorum.Index(pr.match), true
}

// maybeCommit advances the commit index to the quorum match index, but only
// onto an entry of the current term at or after the leader's initial entry.
func (n *Node) maybeCommit() {
	if n.lead == nil {
		return
	}
	idx := uint64(n.voters.CommittedIndex(matchIndexer{n}))
	if idx <= n.commit || idx < n.lead.initialIndex {
		return
	}
	t, err := n.store.Term(idx)
	if err != nil || t != n.term {
		return
	}
	n.setCommit(idx)
	n.wakeAll()
}

// HandleAppend applies a leader's append or heartbeat.
func (n *Node) HandleAppend(ctx context.Context, req *transport.AppendRequest) (*transport.AppendResponse, error) {
	var (
		resp *transport.AppendResponse
		rerr error
	)
	err := n.do(ctx, func() { resp, rerr = n.handleAppend(req) })
	if err != nil {
		return nil, err
	}
	return resp, rerr
}

// acceptLeader runs the term checks shared by append and snapshot install.
// It reports false when the request is from a stale term.
func (n *Node) acceptLeader(term uint64, leader transport.NodeID) (bool, error) {
	if n.role == RoleInactive {
		return false, ErrSafetyViolation
	}
	if term < n.term {
		return false, nil
	}
	if term == n.term {
		if n.role == RoleLeader {
			n.fail("another leader in the same term", logpkg.Uint64("other_leader", leader))
			return false, ErrSafetyViolation
		}
		if n.leader != 0 && n.leader != leader {
			n.fail("two leaders in the same term",
				logpkg.Uint64("leader", n.leader), logpkg.Uint64("other_leader", leader))
			return false, ErrSafetyViolation
		}
	}
	if term > n.term || n.role != RoleFollower || n.leader != leader {
		n.becomeFollower(term, leader)
	} else {
		n.resetElectionTimer()
	}
	return true, nil
}

func (n *Node) handleAppend(req *transport.AppendRequest) (*transport.AppendResponse, error) {
	ok, err := n.acceptLeader(req.Term, req.LeaderID)
	if err != nil {
		return nil, err
	}
	resp := &transport.AppendResponse{Term: n.term, LastLogIndex: n.store.LastIndex()}
	if !ok {
		return resp, nil
	}

	last := n.store.LastIndex()
	base, _ := n.store.Base()
	prev, entries := req.PrevLogIndex, req.Entries
	if prev < base {
		// entries at or below base are already committed here
		skip := base - prev
		if skip >= uint64(len(entries)) {
			entries = nil
		} else {
			entries = entries[skip:]
		}
		prev = base
	} else {
		if prev > last {
			return resp, nil
		}
		t, err := n.store.Term(prev)
		if err != nil {
			n.logger.Warn("failed to read term for consistency check", logpkg.Uint64("index", prev), logpkg.Err(err))
			return resp, nil
		}
		if t != req.PrevLogTerm {
			resp.LastLogIndex = prev - 1
			return resp, nil
		}
	}

	fresh := make([]logstorage.Entry, 0, len(entries))
	for i, we := range entries {
		idx := prev + 1 + uint64(i)
		if len(fresh) == 0 && idx <= n.store.LastIndex() {
			t, err := n.store.Term(idx)
			if err == nil && t == we.Term {
				continue
			}
			if idx <= n.commit {
				n.fail("leader conflicts with a committed entry", logpkg.Uint64("index", idx))
				return nil, ErrSafetyViolation
			}
			if err := n.store.Truncate(n.ctx, idx); err != nil {
				if errors.Is(err, logstorage.ErrCommittedTruncation) {
					n.fail("truncation below the commit watermark", logpkg.Uint64("index", idx))
					return nil, ErrSafetyViolation
				}
				n.logger.Error("failed to truncate conflicting suffix", logpkg.Uint64("from", idx), logpkg.Err(err))
				return resp, nil
			}
			n.logger.Info("truncated conflicting suffix", logpkg.Uint64("from", idx))
		}
		r, _, err := n.cfg.Codec.Decode(we.Data)
		if err != nil {
			n.logger.Error("discarding corrupt replicated entry", logpkg.Uint64("index", idx), logpkg.Err(err))
			resp.LastLogIndex = n.store.LastIndex()
			return resp, nil
		}
		if uint64(r.Position) != idx {
			n.logger.Error("replicated entry has wrong position",
				logpkg.Uint64("index", idx), logpkg.Int64("position", r.Position))
			resp.LastLogIndex = n.store.LastIndex()
			return resp, nil
		}
		fresh = append(fresh, logstorage.Entry{Term: we.Term, Record: r})
	}
	if len(fresh) > 0 {
		tail := fresh[0].Index() - 1
		if _, err := n.store.Append(n.ctx, tail, fresh); err != nil {
			n.logger.Error("failed to append replicated entries", logpkg.Err(err))
			resp.LastLogIndex = n.store.LastIndex()
			return resp, nil
		}
	}

	lastNew := prev + uint64(len(entries))
	if req.LeaderCommit > n.commit {
		n.setCommit(min(req.LeaderCommit, lastNew))
	}
	resp.Success = true
	resp.LastLogIndex = n.store.LastIndex()
	return resp, nil
}

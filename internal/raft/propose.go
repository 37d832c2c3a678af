package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/record"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

func newPendingMap() *skipmap.OrderedMap[uint64, *proposal] {
	return skipmap.New[uint64, *proposal]()
}

// Propose appends records as one batch on the leader and replicates it. The
// leader assigns positions; a record that already carries a non-zero
// position must match the one it gets. Progress is reported to l.
func (n *Node) Propose(records []record.Record, l AppendListener) {
	if len(records) == 0 {
		l.OnWriteError(ErrEmptyBatch)
		return
	}
	batch := make([]record.Record, len(records))
	copy(batch, records)
	if !n.post(func() { n.propose(batch, l) }) {
		l.OnWriteError(ErrClosed)
	}
}

func (n *Node) propose(records []record.Record, l AppendListener) {
	switch {
	case n.role == RoleInactive:
		l.OnWriteError(ErrSafetyViolation)
		return
	case n.role != RoleLeader || n.lead == nil:
		l.OnWriteError(&NotLeaderError{LeaderHint: n.leader})
		return
	}

	last := n.store.LastIndex()
	now := time.Now().UnixMilli()
	entries := make([]logstorage.Entry, len(records))
	for i, r := range records {
		pos := int64(last) + 1 + int64(i)
		if r.Position != 0 && r.Position != pos {
			l.OnWriteError(fmt.Errorf("record %d has position %d, next is %d: %w", i, r.Position, pos, ErrPositionMismatch))
			return
		}
		if r.IsNoop() {
			l.OnWriteError(fmt.Errorf("record %d: %w", i, ErrReservedValueType))
			return
		}
		r.Position = pos
		r.BatchEnd = i == len(records)-1
		if r.Timestamp == 0 {
			r.Timestamp = now
		}
		entries[i] = logstorage.Entry{Term: n.term, Record: r}
	}

	if _, err := n.store.Append(n.ctx, last, entries); err != nil {
		n.logger.Warn("leader append failed", logpkg.Int("records", len(entries)), logpkg.Err(err))
		l.OnWriteError(err)
		return
	}
	a := Appended{FirstIndex: last + 1, LastIndex: last + uint64(len(entries)), Term: n.term}
	l.OnWrite(a)
	n.lead.pending.Store(a.LastIndex, &proposal{appended: a, listener: l})
	n.wakeAll()
	n.maybeCommit()
}

// completeUpTo reports every pending proposal at or below index as
// committed, in index order.
func (n *Node) completeUpTo(index uint64) {
	var done []uint64
	n.lead.pending.Range(func(last uint64, p *proposal) bool {
		if last > index {
			return false
		}
		p.listener.OnCommit(p.appended)
		done = append(done, last)
		return true
	})
	for _, k := range done {
		n.lead.pending.Delete(k)
	}
}

// Compact discards log entries strictly below index; the entry at index
// stays readable. Index is clamped to the commit index. It runs on the node
// goroutine so it never races appends or truncation.
func (n *Node) Compact(ctx context.Context, index uint64) error {
	var cerr error
	err := n.do(ctx, func() {
		if index > n.commit {
			index = n.commit
		}
		cerr = n.store.Compact(n.ctx, index)
		if cerr == nil {
			n.logger.Debug("compacted log", logpkg.Uint64("index", index))
		}
	})
	if err != nil {
		return err
	}
	return cerr
}

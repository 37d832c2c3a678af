package raft

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
	"go.etcd.io/etcd/raft/v3/quorum"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

const mailboxSize = 256

// Node runs the raft protocol for one partition. All protocol state is owned
// by a single goroutine; public methods post closures to its mailbox.
type Node struct {
	cfg    Config
	id     transport.NodeID
	peers  []transport.NodeID
	voters quorum.MajorityConfig
	store  *logstorage.Storage
	trans  transport.Transport
	logger logpkg.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	stopped sync.Once
	bg      sync.WaitGroup

	// owned by the node goroutine
	role          Role
	term          uint64
	votedFor      transport.NodeID
	leader        transport.NodeID
	commit        uint64
	rng           *rand.Rand
	electionTimer *time.Timer
	votes         map[uint64]bool
	lead          *leaderState
	snapshots     SnapshotHandler

	// published for lock-free readers
	roleA   atomic.Int32
	termA   atomic.Uint64
	leaderA atomic.Uint64
	commitA atomic.Uint64

	notifyMu  sync.Mutex
	commitCh  chan struct{}
	listeners []RoleListener
}

// leaderState exists only while the node leads a term.
type leaderState struct {
	term         uint64
	initialIndex uint64
	since        time.Time
	progress     map[transport.NodeID]*progress
	pending      *skipmap.OrderedMap[uint64, *proposal]
	cancel       context.CancelFunc
}

type progress struct {
	next        uint64
	match       uint64
	lastContact time.Time
	wake        chan struct{}
}

type proposal struct {
	appended Appended
	listener AppendListener
}

// NewNode builds a node over store and trans. Call Start to run it.
func NewNode(cfg Config, store *logstorage.Storage, trans transport.Transport) (*Node, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		id:       cfg.ID,
		voters:   quorum.MajorityConfig{},
		store:    store,
		trans:    trans,
		logger:   cfg.Logger.With(logpkg.Component("raft"), logpkg.Uint32("partition", cfg.Partition), logpkg.Uint64("node", cfg.ID)),
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan func(), mailboxSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
		commitCh: make(chan struct{}),
	}
	for _, m := range cfg.Members {
		n.voters[m] = struct{}{}
		if m != cfg.ID {
			n.peers = append(n.peers, m)
		}
	}

	hs := store.HardState()
	n.term, n.votedFor = hs.Term, hs.VotedFor
	n.commit, _ = store.Base()
	n.publish()
	n.commitA.Store(n.commit)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() transport.NodeID { return n.id }

// Partition returns the partition this node replicates.
func (n *Node) Partition() uint32 { return n.cfg.Partition }

// Storage returns the node's log.
func (n *Node) Storage() *logstorage.Storage { return n.store }

// SetSnapshotHandler wires snapshot replication. Call it before Start.
func (n *Node) SetSnapshotHandler(h SnapshotHandler) {
	n.snapshots = h
}

// OnRoleChange registers l for role and term changes.
func (n *Node) OnRoleChange(l RoleListener) {
	n.notifyMu.Lock()
	defer n.notifyMu.Unlock()
	n.listeners = append(n.listeners, l)
}

// State returns the current role.
func (n *Node) State() Role { return Role(n.roleA.Load()) }

// Term returns the current term.
func (n *Node) Term() uint64 { return n.termA.Load() }

// Leader returns the known leader of the current term, or zero.
func (n *Node) Leader() transport.NodeID { return n.leaderA.Load() }

// IsLeader reports whether this node leads the current term.
func (n *Node) IsLeader() bool { return n.State() == RoleLeader }

// CommitIndex returns the highest index known to be committed.
func (n *Node) CommitIndex() uint64 { return n.commitA.Load() }

// CommitNotify returns a channel closed the next time the commit index moves.
func (n *Node) CommitNotify() <-chan struct{} {
	n.notifyMu.Lock()
	defer n.notifyMu.Unlock()
	return n.commitCh
}

// Start launches the node goroutine.
func (n *Node) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	go n.run()
}

// Stop halts the node and waits for its goroutines. Pending proposals fail
// with ErrClosed.
func (n *Node) Stop() {
	n.stopped.Do(func() {
		close(n.stopCh)
		if n.started.Load() {
			<-n.doneCh
		} else {
			close(n.doneCh)
		}
		n.cancel()
		n.bg.Wait()
	})
}

func (n *Node) run() {
	defer close(n.doneCh)

	n.electionTimer = time.NewTimer(n.randomTimeout())
	defer n.electionTimer.Stop()
	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	n.logger.Info("raft node started",
		logpkg.Uint64("term", n.term),
		logpkg.Uint64("last_index", n.store.LastIndex()),
		logpkg.Int("members", len(n.cfg.Members)))

	for {
		select {
		case <-n.stopCh:
			n.shutdown()
			return
		case fn := <-n.mailbox:
			fn()
		case <-n.electionTimer.C:
			n.onElectionTimeout()
		case <-heartbeat.C:
			n.onHeartbeat()
		}
	}
}

func (n *Node) shutdown() {
	if n.lead != nil {
		n.stopLeading(ErrClosed)
	}
	n.logger.Info("raft node stopped", logpkg.Uint64("term", n.term))
}

// do runs fn on the node goroutine and waits for it.
func (n *Node) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		fn()
		close(done)
	}
	select {
	case n.mailbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.doneCh:
		return ErrClosed
	}
}

// post queues fn without waiting for it. It reports false once stopped.
func (n *Node) post(fn func()) bool {
	select {
	case n.mailbox <- fn:
		return true
	case <-n.stopCh:
		return false
	}
}

// spawn runs fn in a tracked background goroutine.
func (n *Node) spawn(fn func()) {
	n.bg.Add(1)
	go func() {
		defer n.bg.Done()
		fn()
	}()
}

func (n *Node) randomTimeout() time.Duration {
	t := n.cfg.ElectionTimeout
	return t + time.Duration(n.rng.Int63n(int64(t)))
}

func (n *Node) resetElectionTimer() {
	if n.electionTimer == nil {
		return
	}
	n.electionTimer.Stop()
	if n.role == RoleLeader || n.role == RoleInactive {
		return
	}
	n.electionTimer.Reset(n.randomTimeout())
}

// publish exposes role, term and leader to lock-free readers and notifies
// role listeners when anything changed.
func (n *Node) publish() {
	changed := Role(n.roleA.Swap(int32(n.role))) != n.role
	if n.termA.Swap(n.term) != n.term {
		changed = true
	}
	n.leaderA.Store(n.leader)
	if !changed {
		return
	}
	n.notifyMu.Lock()
	ls := append([]RoleListener(nil), n.listeners...)
	n.notifyMu.Unlock()
	for _, l := range ls {
		l(n.role, n.term)
	}
}

func (n *Node) setCommit(index uint64) {
	if index <= n.commit {
		return
	}
	n.commit = index
	n.store.SetCommitWatermark(index)
	n.commitA.Store(index)
	n.notifyMu.Lock()
	close(n.commitCh)
	n.commitCh = make(chan struct{})
	n.notifyMu.Unlock()
	if n.lead != nil {
		n.completeUpTo(index)
	}
}

// persistHardState stores term and vote with sync.
func (n *Node) persistHardState() error {
	return n.store.SetHardState(n.ctx, logstorage.HardState{Term: n.term, VotedFor: n.votedFor})
}

// fail moves the node into RoleInactive after a safety violation.
func (n *Node) fail(reason string, fields ...logpkg.Field) {
	if n.role == RoleInactive {
		return
	}
	fields = append(fields, logpkg.Uint64("term", n.term), logpkg.Str("role", n.role.String()))
	n.logger.Error("safety violation, node leaves the group: "+reason, fields...)
	if n.lead != nil {
		n.stopLeading(ErrSafetyViolation)
	}
	n.role = RoleInactive
	n.leader = 0
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.publish()
}

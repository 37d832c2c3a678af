package logstream

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/raft"
	"github.com/rzbill/raftlog/internal/record"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Consensus is the part of a raft node a stream needs. *raft.Node
// implements it.
type Consensus interface {
	Propose(records []record.Record, l raft.AppendListener)
	CommitIndex() uint64
	CommitNotify() <-chan struct{}
	Storage() *logstorage.Storage
}

// RecordAvailableListener is told when new records may be readable, after
// every local append and every commit advance. Implementations must be
// comparable (usually a pointer) and must not block.
type RecordAvailableListener interface {
	OnRecordAvailable()
}

// Options configures a Stream.
type Options struct {
	// WriteBufferSize bounds batches written but not yet committed.
	WriteBufferSize int
	Codec           record.Codec
	Logger          logpkg.Logger
}

// DefaultWriteBufferSize is used when Options.WriteBufferSize is zero.
const DefaultWriteBufferSize = 64

// Stream is the record-level view of one partition's replicated log.
type Stream struct {
	node     Consensus
	store    *logstorage.Storage
	codec    record.Codec
	logger   logpkg.Logger
	inflight chan struct{}

	regMu     sync.Mutex
	regIDs    map[RecordAvailableListener]uint64
	listeners *skipmap.OrderedMap[uint64, RecordAvailableListener]
	nextID    atomic.Uint64

	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// New returns a stream over node and starts its notifier.
func New(node Consensus, opts Options) *Stream {
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultWriteBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	store := node.Storage()
	s := &Stream{
		node:      node,
		store:     store,
		codec:     opts.Codec,
		logger:    logger.With(logpkg.Component("logstream"), logpkg.Uint32("partition", store.Partition())),
		inflight:  make(chan struct{}, opts.WriteBufferSize),
		regIDs:    make(map[RecordAvailableListener]uint64),
		listeners: skipmap.New[uint64, RecordAvailableListener](),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.notifyLoop()
	return s
}

// Partition returns the partition id.
func (s *Stream) Partition() uint32 { return s.store.Partition() }

// LastPosition is the highest appended position, committed or not.
func (s *Stream) LastPosition() int64 { return int64(s.store.LastIndex()) }

// CommitPosition is the highest committed position.
func (s *Stream) CommitPosition() int64 { return int64(s.node.CommitIndex()) }

// InFlight returns the number of batches written but not yet completed.
func (s *Stream) InFlight() int { return len(s.inflight) }

// RegisterRecordAvailableListener adds l. Registering twice is a no-op.
func (s *Stream) RegisterRecordAvailableListener(l RecordAvailableListener) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.isClosed() {
		return
	}
	if _, ok := s.regIDs[l]; ok {
		return
	}
	id := s.nextID.Add(1)
	s.regIDs[l] = id
	s.listeners.Store(id, l)
}

// RemoveRecordAvailableListener removes l.
func (s *Stream) RemoveRecordAvailableListener(l RecordAvailableListener) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if id, ok := s.regIDs[l]; ok {
		delete(s.regIDs, l)
		s.listeners.Delete(id)
	}
}

func (s *Stream) notifyLoop() {
	defer close(s.done)
	for {
		appended := s.store.AppendNotify()
		committed := s.node.CommitNotify()
		select {
		case <-s.closeCh:
			return
		case <-appended:
		case <-committed:
		}
		s.listeners.Range(func(_ uint64, l RecordAvailableListener) bool {
			l.OnRecordAvailable()
			return true
		})
	}
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Close stops notifications and drops every listener. Writes and reads fail
// with ErrClosed afterwards. The node and storage are owned by the caller.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		<-s.done
		s.regMu.Lock()
		defer s.regMu.Unlock()
		for l, id := range s.regIDs {
			s.listeners.Delete(id)
			delete(s.regIDs, l)
		}
	})
	return nil
}

package statemachine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/logstream"
	"github.com/rzbill/raftlog/internal/record"
	"github.com/rzbill/raftlog/internal/snapshot"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Application is the replicated state. Snapshot and Restore never run
// concurrently with a handler.
type Application interface {
	// Snapshot writes the complete state to w.
	Snapshot(w io.Writer) error
	// Restore replaces the state with one written by Snapshot.
	Restore(r io.Reader) error
}

// Handler applies one committed record. Handlers run on the apply goroutine
// and must not wait on the raft node.
type Handler func(r record.Record) error

// Node is the part of a raft node the manager drives. *raft.Node
// implements it.
type Node interface {
	CommitNotify() <-chan struct{}
	Compact(ctx context.Context, index uint64) error
	Storage() *logstorage.Storage
}

// SnapshotStore persists snapshots. *snapshot.Store implements it.
type SnapshotStore interface {
	NewTransient(index, term uint64) (*snapshot.Transient, error)
	Save(index, term uint64, data []byte) (snapshot.Meta, error)
	List() ([]snapshot.Meta, error)
	ReadAll(m snapshot.Meta) ([]byte, error)
}

// Options configures a Manager.
type Options struct {
	Node   Node
	Stream *logstream.Stream
	Store  SnapshotStore
	App    Application

	// TrackApplied moves the compactable boundary to every applied entry.
	// Without it the application calls SetCompactable itself.
	TrackApplied bool
	// SnapshotInterval is the period of scheduled snapshot cycles. Zero
	// disables the ticker.
	SnapshotInterval time.Duration
	// SnapshotThreshold starts a cycle as soon as the boundary is this many
	// entries past the last compaction. Zero disables the trigger.
	SnapshotThreshold uint64
	// SnapshotCompletionDelay separates taking a snapshot from persisting it.
	SnapshotCompletionDelay time.Duration
	// CompactDelay separates persisting a snapshot from compacting the log.
	CompactDelay time.Duration

	Logger logpkg.Logger
}

// Stats is a point in time view of a manager.
type Stats struct {
	Applied           uint64 `json:"applied"`
	CompactableIndex  uint64 `json:"compactableIndex"`
	CompactableTerm   uint64 `json:"compactableTerm"`
	LastSnapshotIndex uint64 `json:"lastSnapshotIndex"`
	LastCompacted     uint64 `json:"lastCompacted"`
	HandlerFailures   uint64 `json:"handlerFailures"`
	Unhandled         uint64 `json:"unhandled"`
	CorruptSnapshots  uint64 `json:"corruptSnapshots"`
	Halted            bool   `json:"halted"`
}

// Manager applies a partition's committed records to an Application in
// order and keeps the log compacted behind durable snapshots.
type Manager struct {
	opts     Options
	node     Node
	stream   *logstream.Stream
	store    SnapshotStore
	app      Application
	logger   logpkg.Logger
	handlers map[record.ValueType]Handler

	// mu serializes the application: applying, snapshotting, restoring.
	mu      sync.Mutex
	reader  *logstream.Reader
	applied atomic.Uint64
	// position is the highest position handed to a handler.
	position atomic.Uint64

	bmu        sync.Mutex
	cIndex     uint64
	cTerm      uint64
	trigger    chan struct{}
	kick       chan struct{}
	failures   atomic.Uint64
	unhandled  atomic.Uint64
	corrupt    atomic.Uint64
	lastSnapAt atomic.Uint64

	cycleMu       sync.Mutex
	inflight      *cycle
	lastCompacted uint64

	haltMu sync.Mutex
	err    error

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a stopped manager.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Node == nil:
		return nil, errors.New("statemachine: node is required")
	case opts.Stream == nil:
		return nil, errors.New("statemachine: stream is required")
	case opts.Store == nil:
		return nil, errors.New("statemachine: snapshot store is required")
	case opts.App == nil:
		return nil, errors.New("statemachine: application is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Manager{
		opts:     opts,
		node:     opts.Node,
		stream:   opts.Stream,
		store:    opts.Store,
		app:      opts.App,
		logger:   logger.With(logpkg.Component("statemachine"), logpkg.Uint32("partition", opts.Stream.Partition())),
		handlers: make(map[record.ValueType]Handler),
		trigger:  make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
	}, nil
}

// Handle registers h for records of type vt. Call it before Start.
func (m *Manager) Handle(vt record.ValueType, h Handler) {
	m.handlers[vt] = h
}

// Start restores the latest valid snapshot and begins applying committed
// records after it.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return errors.New("statemachine: already started")
	}
	if err := m.recover(); err != nil {
		return err
	}
	r, err := m.stream.NewReader(logstream.ReaderOptions{
		Mode: logstream.ModeCommittedOnly,
		From: int64(m.applied.Load() + 1),
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.reader = r
	m.mu.Unlock()

	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.wg.Add(2)
	go m.applyLoop(ctx)
	go m.scheduleLoop(ctx)
	m.logger.Info("state machine started", logpkg.Uint64("applied", m.applied.Load()))
	return nil
}

// Close stops applying and waits for an in-flight snapshot cycle.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader != nil {
		m.reader.Close()
	}
	return nil
}

// Applied is the position of the last applied record.
func (m *Manager) Applied() uint64 { return m.applied.Load() }

// Err returns the error that halted the manager, if any.
func (m *Manager) Err() error {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	return m.err
}

// Stats returns counters and watermarks.
func (m *Manager) Stats() Stats {
	idx, term := m.Compactable()
	m.cycleMu.Lock()
	lastCompacted := m.lastCompacted
	m.cycleMu.Unlock()
	return Stats{
		Applied:           m.applied.Load(),
		CompactableIndex:  idx,
		CompactableTerm:   term,
		LastSnapshotIndex: m.lastSnapAt.Load(),
		LastCompacted:     lastCompacted,
		HandlerFailures:   m.failures.Load(),
		Unhandled:         m.unhandled.Load(),
		CorruptSnapshots:  m.corrupt.Load(),
		Halted:            m.Err() != nil,
	}
}

func (m *Manager) halt(err error) {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	if m.err == nil {
		m.err = err
		m.logger.Error("state machine halted", logpkg.Uint64("applied", m.applied.Load()), logpkg.Err(err))
	}
}

func (m *Manager) applyLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		notify := m.node.CommitNotify()
		if !m.drain() {
			return
		}
		select {
		case <-notify:
		case <-m.kick:
		case <-ctx.Done():
			return
		}
	}
}

// drain applies every committed record available. It reports false once
// the manager has halted.
func (m *Manager) drain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		rec, err := m.reader.Next()
		switch {
		case errors.Is(err, logstream.ErrEndOfStream):
			return true
		case err != nil:
			m.halt(fmt.Errorf("%w: read at %d: %w", ErrInvariant, m.reader.Position(), err))
			return false
		}
		if !m.apply(rec) {
			return false
		}
	}
}

func (m *Manager) apply(rec record.Record) bool {
	pos := uint64(rec.Position)
	m.position.Store(pos)
	if h, ok := m.handlers[rec.Metadata.ValueType]; ok {
		if err := h(rec); err != nil {
			if errors.Is(err, ErrInvariant) {
				m.halt(fmt.Errorf("apply position %d: %w", pos, err))
				return false
			}
			m.failures.Add(1)
			m.logger.Warn("handler failed",
				logpkg.Uint64("position", pos), logpkg.Str("valueType", rec.Metadata.ValueType.String()), logpkg.Err(err))
		}
	} else {
		m.unhandled.Add(1)
		m.logger.Debug("no handler for record", logpkg.Uint64("position", pos), logpkg.Str("valueType", rec.Metadata.ValueType.String()))
	}
	m.applied.Store(pos)
	if m.opts.TrackApplied {
		term, err := m.node.Storage().Term(pos)
		if err != nil {
			m.logger.Warn("term lookup for applied entry", logpkg.Uint64("position", pos), logpkg.Err(err))
			return true
		}
		m.SetCompactable(pos, term)
	}
	return true
}

// Compactable returns the boundary at or below which the log may be
// compacted once a snapshot covers it.
func (m *Manager) Compactable() (index, term uint64) {
	m.bmu.Lock()
	defer m.bmu.Unlock()
	return m.cIndex, m.cTerm
}

// CompactableIndex returns the boundary's index.
func (m *Manager) CompactableIndex() uint64 {
	idx, _ := m.Compactable()
	return idx
}

// CompactableTerm returns the term of the entry at the boundary.
func (m *Manager) CompactableTerm() uint64 {
	_, term := m.Compactable()
	return term
}

// SetCompactable advances the boundary. Values at or below the current
// boundary, or beyond the record being applied, are ignored. It is safe to
// call from a handler.
func (m *Manager) SetCompactable(index, term uint64) {
	if index > m.position.Load() {
		m.logger.Warn("compactable boundary beyond applied records ignored", logpkg.Uint64("index", index))
		return
	}
	m.bmu.Lock()
	if index <= m.cIndex {
		m.bmu.Unlock()
		return
	}
	m.cIndex, m.cTerm = index, term
	m.bmu.Unlock()

	if th := m.opts.SnapshotThreshold; th > 0 {
		m.cycleMu.Lock()
		due := index-m.lastCompacted >= th
		m.cycleMu.Unlock()
		if due {
			select {
			case m.trigger <- struct{}{}:
			default:
			}
		}
	}
}

// resetBoundary moves every watermark to a restored snapshot.
func (m *Manager) resetBoundary(index, term uint64) {
	m.applied.Store(index)
	m.position.Store(index)
	m.bmu.Lock()
	if index > m.cIndex {
		m.cIndex, m.cTerm = index, term
	}
	m.bmu.Unlock()
	m.cycleMu.Lock()
	if index > m.lastCompacted {
		m.lastCompacted = index
	}
	m.cycleMu.Unlock()
	m.lastSnapAt.Store(index)
}

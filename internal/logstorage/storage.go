package logstorage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/raftlog/internal/record"
	pebblestore "github.com/rzbill/raftlog/internal/storage/pebble"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Entry is a record tagged with the term of the leader that appended it.
// Its index is the record position.
type Entry struct {
	Term   uint64
	Record record.Record
}

// Index returns the entry's log index.
func (e Entry) Index() uint64 { return uint64(e.Record.Position) }

// HardState is the raft state that must survive restarts.
type HardState struct {
	Term     uint64
	VotedFor uint64
}

// Options configures a Storage.
type Options struct {
	Codec  record.Codec
	Logger logpkg.Logger
}

// Storage is the durable, index addressed log of one partition.
type Storage struct {
	db     *pebblestore.DB
	part   uint32
	codec  record.Codec
	logger logpkg.Logger

	mu        sync.RWMutex
	closed    bool
	baseIndex uint64
	baseTerm  uint64
	lastIndex uint64
	lastTerm  uint64
	committed uint64
	hard      HardState
	notifyCh  chan struct{}
}

// Open loads the partition's metadata and recovers its tail.
func Open(db *pebblestore.DB, partition uint32, opts Options) (*Storage, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NewNullOutput()))
	}
	s := &Storage{
		db:       db,
		part:     partition,
		codec:    opts.Codec,
		logger:   logger.With(logpkg.Component("logstorage"), logpkg.Uint32("partition", partition)),
		notifyCh: make(chan struct{}),
	}

	if meta, err := db.Get(KeyBase(partition)); err == nil && len(meta) >= 16 {
		s.baseIndex = binary.BigEndian.Uint64(meta[:8])
		s.baseTerm = binary.BigEndian.Uint64(meta[8:16])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, &IOError{Op: "load base", Err: err}
	}
	if meta, err := db.Get(KeyHardState(partition)); err == nil && len(meta) >= 16 {
		s.hard.Term = binary.BigEndian.Uint64(meta[:8])
		s.hard.VotedFor = binary.BigEndian.Uint64(meta[8:16])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, &IOError{Op: "load hard state", Err: err}
	}

	if err := s.recoverTail(); err != nil {
		return nil, err
	}
	s.committed = s.baseIndex
	return s, nil
}

// recoverTail finds the last intact entry by scanning back from the last key.
// Corrupt trailing entries are torn writes and are removed.
func (s *Storage) recoverTail() error {
	lo, hi := entryBounds(s.part)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return &IOError{Op: "recover", Err: err}
	}
	defer iter.Close()

	s.lastIndex, s.lastTerm = s.baseIndex, s.baseTerm
	var torn uint64
	for ok := iter.Last(); ok; ok = iter.Prev() {
		idx := indexFromKey(iter.Key())
		if idx <= s.baseIndex {
			break
		}
		e, derr := s.decode(iter.Value())
		if derr == nil && e.Index() == idx {
			s.lastIndex, s.lastTerm = idx, e.Term
			break
		}
		torn = idx
		s.logger.Warn("dropping torn entry at tail", logpkg.Uint64("index", idx), logpkg.Err(derr))
	}
	if err := iter.Error(); err != nil {
		return &IOError{Op: "recover", Err: err}
	}
	if torn != 0 {
		if err := s.db.DeleteRange(context.Background(), KeyEntry(s.part, s.lastIndex+1), hi); err != nil {
			return &IOError{Op: "drop torn tail", Err: err}
		}
	}
	return nil
}

func (s *Storage) decode(val []byte) (Entry, error) {
	if len(val) < 8 {
		return Entry{}, &record.CorruptRecordError{Offset: 0, Reason: "entry shorter than term prefix"}
	}
	r, _, err := s.codec.Decode(val[8:])
	if err != nil {
		var ce *record.CorruptRecordError
		if errors.As(err, &ce) {
			return Entry{}, &record.CorruptRecordError{Offset: ce.Offset + 8, Reason: ce.Reason}
		}
		return Entry{}, err
	}
	return Entry{Term: binary.BigEndian.Uint64(val[:8]), Record: r}, nil
}

func (s *Storage) encode(dst []byte, e Entry) ([]byte, error) {
	dst = appendBE8(dst[:0], e.Term)
	return s.codec.AppendEncoded(dst, e.Record)
}

// Partition returns the partition id.
func (s *Storage) Partition() uint32 { return s.part }

// FirstIndex is the lowest readable index. It is LastIndex()+1 for an empty log.
func (s *Storage) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseIndex + 1
}

// LastIndex is the highest appended index, or the compacted base if empty.
func (s *Storage) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

// LastTerm is the term of LastIndex.
func (s *Storage) LastTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTerm
}

// Base returns the compacted boundary: the index just below FirstIndex and its term.
func (s *Storage) Base() (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseIndex, s.baseTerm
}

// Append atomically writes entries after expectedTail. Entries must be
// numbered expectedTail+1, expectedTail+2, ... The in-memory tail moves only
// once the batch is durable per the fsync policy.
func (s *Storage) Append(ctx context.Context, expectedTail uint64, entries []Entry) (uint64, error) {
	if len(entries) == 0 {
		return expectedTail + 1, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.lastIndex != expectedTail {
		return 0, fmt.Errorf("expected tail %d, have %d: %w", expectedTail, s.lastIndex, ErrStaleTail)
	}

	b := s.db.NewBatch()
	defer b.Close()
	var buf []byte
	for i, e := range entries {
		want := expectedTail + 1 + uint64(i)
		if e.Index() != want {
			return 0, fmt.Errorf("entry %d has index %d, want %d: %w", i, e.Index(), want, ErrNonContiguous)
		}
		var err error
		buf, err = s.encode(buf, e)
		if err != nil {
			return 0, err
		}
		if err := b.Set(KeyEntry(s.part, want), buf, nil); err != nil {
			return 0, &IOError{Op: "append", Err: err}
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, &IOError{Op: "append", Err: err}
	}

	last := entries[len(entries)-1]
	s.lastIndex, s.lastTerm = last.Index(), last.Term
	s.notifyLocked()
	return expectedTail + 1, nil
}

// Read returns the entry at index.
func (s *Storage) Read(index uint64) (Entry, error) {
	s.mu.RLock()
	base, last := s.baseIndex, s.lastIndex
	s.mu.RUnlock()
	if index <= base {
		return Entry{}, ErrCompacted
	}
	if index > last {
		return Entry{}, ErrNotFound
	}
	val, err := s.db.Get(KeyEntry(s.part, index))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Entry{}, s.missing(index)
		}
		return Entry{}, &IOError{Op: "read", Err: err}
	}
	return s.decode(val)
}

// missing classifies an entry that vanished between the bounds check and
// the lookup: a concurrent Compact or Truncate removed it.
func (s *Storage) missing(index uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index <= s.baseIndex {
		return ErrCompacted
	}
	return ErrNotFound
}

// Term returns the term of the entry at index. The compacted base is
// answerable; index 0 has term 0.
func (s *Storage) Term(index uint64) (uint64, error) {
	s.mu.RLock()
	base, baseTerm, last, lastTerm := s.baseIndex, s.baseTerm, s.lastIndex, s.lastTerm
	s.mu.RUnlock()
	switch {
	case index == base:
		return baseTerm, nil
	case index < base:
		return 0, ErrCompacted
	case index > last:
		return 0, ErrNotFound
	case index == last:
		return lastTerm, nil
	}
	val, err := s.db.Get(KeyEntry(s.part, index))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, s.missing(index)
		}
		return 0, &IOError{Op: "term", Err: err}
	}
	if len(val) < 8 {
		return 0, &record.CorruptRecordError{Offset: 0, Reason: "entry shorter than term prefix"}
	}
	return binary.BigEndian.Uint64(val[:8]), nil
}

// Entries returns up to maxCount entries in [lo, hi]. maxCount <= 0 means no limit.
func (s *Storage) Entries(lo, hi uint64, maxCount int) ([]Entry, error) {
	it := s.NewIterator(lo, false)
	defer it.Close()
	var out []Entry
	for it.Next() {
		if it.Index() > hi || (maxCount > 0 && len(out) >= maxCount) {
			break
		}
		if err := it.Err(); err != nil {
			return out, err
		}
		if len(out) == 0 && it.Index() != lo {
			return nil, ErrCompacted
		}
		out = append(out, it.Entry())
	}
	return out, nil
}

// SetCommitWatermark records the highest index known to be committed.
// Truncation at or below it is refused. The watermark never decreases.
func (s *Storage) SetCommitWatermark(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.committed {
		s.committed = index
	}
}

// CommitWatermark returns the value set by SetCommitWatermark.
func (s *Storage) CommitWatermark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

// Truncate removes every entry at or above from.
func (s *Storage) Truncate(ctx context.Context, from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if from <= s.committed {
		return fmt.Errorf("truncate from %d with commit watermark %d: %w", from, s.committed, ErrCommittedTruncation)
	}
	if from > s.lastIndex {
		return nil
	}
	prevTerm := s.baseTerm
	if from-1 > s.baseIndex {
		val, err := s.db.Get(KeyEntry(s.part, from-1))
		if err != nil || len(val) < 8 {
			return &IOError{Op: "truncate", Err: fmt.Errorf("read term at %d: %v", from-1, err)}
		}
		prevTerm = binary.BigEndian.Uint64(val[:8])
	}
	_, hi := entryBounds(s.part)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(KeyEntry(s.part, from), hi, nil); err != nil {
		return &IOError{Op: "truncate", Err: err}
	}
	if err := s.db.CommitBatchSync(ctx, b); err != nil {
		return &IOError{Op: "truncate", Err: err}
	}
	s.logger.Debug("truncated log", logpkg.Uint64("from", from), logpkg.Uint64("previous_last", s.lastIndex))
	s.lastIndex, s.lastTerm = from-1, prevTerm
	return nil
}

// Compact removes every entry below the given index. The entry at below-1
// becomes the new base. Compaction never removes past the last entry.
func (s *Storage) Compact(ctx context.Context, below uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if below > s.lastIndex+1 {
		below = s.lastIndex + 1
	}
	if below <= s.baseIndex+1 {
		return nil
	}
	newBase := below - 1
	newBaseTerm := s.lastTerm
	if newBase < s.lastIndex {
		val, err := s.db.Get(KeyEntry(s.part, newBase))
		if err != nil || len(val) < 8 {
			return &IOError{Op: "compact", Err: fmt.Errorf("read term at %d: %v", newBase, err)}
		}
		newBaseTerm = binary.BigEndian.Uint64(val[:8])
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyBase(s.part), encodePair(newBase, newBaseTerm), nil); err != nil {
		return &IOError{Op: "compact", Err: err}
	}
	if err := b.DeleteRange(KeyEntry(s.part, 0), KeyEntry(s.part, below), nil); err != nil {
		return &IOError{Op: "compact", Err: err}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return &IOError{Op: "compact", Err: err}
	}
	s.logger.Debug("compacted log", logpkg.Uint64("below", below), logpkg.Uint64("previous_first", s.baseIndex+1))
	s.baseIndex, s.baseTerm = newBase, newBaseTerm
	return nil
}

// Reset drops every entry and restarts the log after (index, term). It is
// used when a follower installs a snapshot.
func (s *Storage) Reset(ctx context.Context, index, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	lo, hi := entryBounds(s.part)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(lo, hi, nil); err != nil {
		return &IOError{Op: "reset", Err: err}
	}
	if err := b.Set(KeyBase(s.part), encodePair(index, term), nil); err != nil {
		return &IOError{Op: "reset", Err: err}
	}
	if err := s.db.CommitBatchSync(ctx, b); err != nil {
		return &IOError{Op: "reset", Err: err}
	}
	s.baseIndex, s.baseTerm = index, term
	s.lastIndex, s.lastTerm = index, term
	if index > s.committed {
		s.committed = index
	}
	s.notifyLocked()
	return nil
}

// HardState returns the persisted term and vote.
func (s *Storage) HardState() HardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hard
}

// SetHardState durably stores term and vote. It always syncs.
func (s *Storage) SetHardState(ctx context.Context, hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if hs == s.hard {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyHardState(s.part), encodePair(hs.Term, hs.VotedFor), nil); err != nil {
		return &IOError{Op: "hard state", Err: err}
	}
	if err := s.db.CommitBatchSync(ctx, b); err != nil {
		return &IOError{Op: "hard state", Err: err}
	}
	s.hard = hs
	return nil
}

// AppendNotify returns a channel closed on the next append or reset.
func (s *Storage) AppendNotify() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifyCh
}

// WaitForAppend blocks until an append happens or ctx is done.
func (s *Storage) WaitForAppend(ctx context.Context) error {
	ch := s.AppendNotify()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Storage) notifyLocked() {
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

// Close releases waiters. The shared pebble DB is owned by the caller.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.notifyLocked()
	return nil
}

func encodePair(a, b uint64) []byte {
	out := make([]byte, 0, 16)
	out = appendBE8(out, a)
	return appendBE8(out, b)
}

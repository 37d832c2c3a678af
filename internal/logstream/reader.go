package logstream

import (
	"context"
	"errors"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/record"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Mode selects which entries a reader may see.
type Mode int

const (
	// ModeCommittedOnly never yields a record above the commit index.
	ModeCommittedOnly Mode = iota
	// ModeAll also yields appended but uncommitted records, which a
	// follower may later lose to truncation.
	ModeAll
)

func (m Mode) String() string {
	if m == ModeAll {
		return "all"
	}
	return "committed"
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	Mode Mode
	// From is the first position to read. Zero means the first available.
	From int64
	// Filter is an optional CEL expression over position, key,
	// sourcePosition, timestamp, recordType, valueType, intent and size.
	Filter string
}

// Reader iterates records in position order. It skips the leader's noop
// entries and anything compacted away. A Reader is not safe for concurrent
// use.
type Reader struct {
	s      *Stream
	mode   Mode
	filter celFilter
	next   uint64
	peeked *record.Record
	err    error
	closed bool
}

// NewReader opens a reader.
func (s *Stream) NewReader(opts ReaderOptions) (*Reader, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	f, err := newCELFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	r := &Reader{s: s, mode: opts.Mode, filter: f, next: 1}
	if opts.From > 0 {
		r.next = uint64(opts.From)
	}
	return r, nil
}

// OpenReader opens an unfiltered reader at from.
func (s *Stream) OpenReader(from int64, mode Mode) (*Reader, error) {
	return s.NewReader(ReaderOptions{Mode: mode, From: from})
}

func (r *Reader) bound() uint64 {
	last := r.s.store.LastIndex()
	if r.mode == ModeAll {
		return last
	}
	return min(r.s.node.CommitIndex(), last)
}

// HasNext reports whether Next would return a record or a read error.
func (r *Reader) HasNext() bool {
	if r.closed {
		return false
	}
	if r.peeked != nil || r.err != nil {
		return true
	}
	for {
		if first := r.s.store.FirstIndex(); r.next < first {
			r.next = first
		}
		if r.next > r.bound() {
			return false
		}
		e, err := r.s.store.Read(r.next)
		switch {
		case errors.Is(err, logstorage.ErrCompacted):
			continue
		case errors.Is(err, logstorage.ErrNotFound):
			// truncated under a ModeAll reader
			return false
		case err != nil:
			r.s.logger.Warn("skipping unreadable record", logpkg.Uint64("position", r.next), logpkg.Err(err))
			r.err = err
			r.next++
			return true
		}
		r.next++
		if e.Record.IsNoop() || !r.filter.Match(e.Record) {
			continue
		}
		rec := e.Record
		r.peeked = &rec
		return true
	}
}

// Next returns the next record. It returns ErrEndOfStream when caught up
// and the storage error for an unreadable entry, after which reading
// continues with the following position.
func (r *Reader) Next() (record.Record, error) {
	if r.closed {
		return record.Record{}, ErrClosed
	}
	if !r.HasNext() {
		return record.Record{}, ErrEndOfStream
	}
	if r.err != nil {
		err := r.err
		r.err = nil
		return record.Record{}, err
	}
	rec := *r.peeked
	r.peeked = nil
	return rec, nil
}

// Position is the next position the reader will look at.
func (r *Reader) Position() int64 {
	if r.peeked != nil {
		return r.peeked.Position
	}
	return int64(r.next)
}

// Seek moves the reader to pos. Positions below the first available one
// start at the first available one.
func (r *Reader) Seek(pos int64) {
	r.peeked, r.err = nil, nil
	if pos < 1 {
		pos = 1
	}
	r.next = uint64(pos)
}

// SeekToEnd moves past every record currently visible to the reader.
func (r *Reader) SeekToEnd() {
	r.peeked, r.err = nil, nil
	r.next = r.bound() + 1
}

// Wait blocks until HasNext is true, ctx is done or the stream closes.
func (r *Reader) Wait(ctx context.Context) error {
	for {
		if r.closed {
			return ErrClosed
		}
		var notify <-chan struct{}
		if r.mode == ModeAll {
			notify = r.s.store.AppendNotify()
		} else {
			notify = r.s.node.CommitNotify()
		}
		if r.HasNext() {
			return nil
		}
		select {
		case <-notify:
		case <-r.s.closeCh:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the reader.
func (r *Reader) Close() error {
	r.closed = true
	r.peeked, r.err = nil, nil
	return nil
}

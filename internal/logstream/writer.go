package logstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rzbill/raftlog/internal/raft"
	"github.com/rzbill/raftlog/internal/record"
)

// Appended locates a batch in the log.
type Appended = raft.Appended

// AppendListener follows a batch: OnWriteError alone, or OnWrite followed
// by exactly one of OnCommit and OnCommitError. Callbacks run on the
// partition's raft goroutine and must not block.
type AppendListener = raft.AppendListener

// Batch is a group of records appended atomically at consecutive positions.
type Batch struct {
	// SourcePosition, when non-zero, is stamped on every record.
	SourcePosition int64
	Records        []record.Record
}

// Writer appends batches. Batches from one writer are logged in the order
// they are written.
type Writer struct {
	id uuid.UUID
	s  *Stream
}

// NewWriter returns a writer with a fresh id.
func (s *Stream) NewWriter() *Writer {
	return &Writer{id: uuid.New(), s: s}
}

// ID identifies the writer in logs.
func (w *Writer) ID() uuid.UUID { return w.id }

// Write submits b and returns immediately. Failures, including
// ErrBackpressure, are reported through the future.
func (w *Writer) Write(ctx context.Context, b Batch) *Future {
	return w.WriteWithListener(ctx, b, nil)
}

// WriteWithListener is Write with a listener that observes both phases.
func (w *Writer) WriteWithListener(ctx context.Context, b Batch, l AppendListener) *Future {
	if err := ctx.Err(); err != nil {
		return failedFuture(err, l)
	}
	f, err := w.submit(b, l)
	if err != nil {
		return failedFuture(err, l)
	}
	return f
}

// TryWrite is Write with synchronous admission errors: backpressure,
// validation and closed streams are returned instead of failing the future.
func (w *Writer) TryWrite(b Batch) (*Future, error) {
	return w.submit(b, nil)
}

func (w *Writer) submit(b Batch, l AppendListener) (*Future, error) {
	s := w.s
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(b.Records) == 0 {
		return nil, raft.ErrEmptyBatch
	}
	records := make([]record.Record, len(b.Records))
	for i, r := range b.Records {
		if err := s.codec.Validate(r); err != nil {
			return nil, err
		}
		if r.IsNoop() {
			return nil, raft.ErrReservedValueType
		}
		if b.SourcePosition != 0 {
			r.SourcePosition = b.SourcePosition
		}
		records[i] = r
	}

	select {
	case s.inflight <- struct{}{}:
	default:
		return nil, ErrBackpressure
	}
	f := newFuture()
	s.node.Propose(records, &tracker{s: s, f: f, l: l})
	return f, nil
}

// tracker bridges raft's listener to a future and releases the write
// buffer slot exactly once.
type tracker struct {
	s       *Stream
	f       *Future
	l       AppendListener
	release sync.Once
}

func (t *tracker) free() {
	t.release.Do(func() { <-t.s.inflight })
}

func (t *tracker) OnWrite(a Appended) {
	t.f.setWritten(a)
	if t.l != nil {
		t.l.OnWrite(a)
	}
}

func (t *tracker) OnWriteError(err error) {
	err = mapError(err)
	t.free()
	t.f.complete(0, err)
	if t.l != nil {
		t.l.OnWriteError(err)
	}
}

func (t *tracker) OnCommit(a Appended) {
	t.free()
	t.f.complete(int64(a.FirstIndex), nil)
	if t.l != nil {
		t.l.OnCommit(a)
	}
}

func (t *tracker) OnCommitError(a Appended, err error) {
	err = mapError(err)
	t.free()
	t.f.complete(0, err)
	if t.l != nil {
		t.l.OnCommitError(a, err)
	}
}

func mapError(err error) error {
	if errors.Is(err, raft.ErrClosed) && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// Future completes when a batch commits or fails.
type Future struct {
	done    chan struct{}
	mu      sync.Mutex
	written *Appended
	pos     int64
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error, l AppendListener) *Future {
	f := newFuture()
	f.complete(0, err)
	if l != nil {
		l.OnWriteError(err)
	}
	return f
}

func (f *Future) setWritten(a Appended) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = &a
}

func (f *Future) complete(pos int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.pos, f.err = pos, err
	close(f.done)
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the batch commits and returns its first position.
// Cancelling ctx stops waiting but does not withdraw the batch.
func (f *Future) Wait(ctx context.Context) (int64, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.pos, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Written reports where the batch landed in the leader's log, once known.
func (f *Future) Written() (Appended, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		return Appended{}, false
	}
	return *f.written, true
}

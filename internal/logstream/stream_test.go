package logstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/raft"
	"github.com/rzbill/raftlog/internal/record"
	pebblestore "github.com/rzbill/raftlog/internal/storage/pebble"
	"github.com/rzbill/raftlog/internal/transport"
	"github.com/rzbill/raftlog/internal/transport/memnet"
)

func openStorage(t *testing.T) *logstorage.Storage {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	store, err := logstorage.Open(db, 1, logstorage.Options{})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = db.Close()
	})
	return store
}

// newLeader runs a single member raft group and waits for it to lead.
func newLeader(t *testing.T) *raft.Node {
	t.Helper()
	store := openStorage(t)
	mux := transport.NewMux()
	n, err := raft.NewNode(raft.Config{
		ID:                1,
		Partition:         1,
		Members:           []transport.NodeID{1},
		ElectionTimeout:   50 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	}, store, memnet.New(1).Join(1, mux))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	mux.Register(1, n)
	n.Start()
	t.Cleanup(n.Stop)
	deadline := time.Now().Add(5 * time.Second)
	for !n.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatalf("node never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return n
}

func newStream(t *testing.T, node Consensus, opts Options) *Stream {
	t.Helper()
	s := New(node, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stuckNode accepts proposals and never completes them on its own.
type stuckNode struct {
	store    *logstorage.Storage
	mu       sync.Mutex
	pending  []raft.AppendListener
	commit   atomic.Uint64
	commitCh chan struct{}
}

func newStuckNode(t *testing.T) *stuckNode {
	return &stuckNode{store: openStorage(t), commitCh: make(chan struct{})}
}

func (n *stuckNode) Propose(_ []record.Record, l raft.AppendListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, l)
}

func (n *stuckNode) CommitIndex() uint64           { return n.commit.Load() }
func (n *stuckNode) CommitNotify() <-chan struct{} { return n.commitCh }
func (n *stuckNode) Storage() *logstorage.Storage  { return n.store }
func (n *stuckNode) failFirst(err error)           { n.take().OnCommitError(raft.Appended{}, err) }

func (n *stuckNode) take() (l raft.AppendListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, n.pending = n.pending[0], n.pending[1:]
	return l
}

func rec(key int64, value string) record.Record {
	return record.Record{
		Key:            key,
		SourcePosition: record.NoSourcePosition,
		Metadata:       record.Metadata{RecordType: record.RecordTypeEvent, ValueType: record.ValueTypeApplication, Intent: 3},
		Value:          []byte(value),
	}
}

func mustWait(t *testing.T, f *Future) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pos, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return pos
}

func TestWriteAndReadCommitted(t *testing.T) {
	s := newStream(t, newLeader(t), Options{})
	w := s.NewWriter()
	ctx := context.Background()

	p1 := mustWait(t, w.Write(ctx, Batch{SourcePosition: 7, Records: []record.Record{rec(1, "a"), rec(2, "b")}}))
	p2 := mustWait(t, w.Write(ctx, Batch{Records: []record.Record{rec(3, "c")}}))
	if p2 != p1+2 {
		t.Fatalf("positions %d then %d, want contiguous batches", p1, p2)
	}

	r, err := s.OpenReader(0, ModeCommittedOnly)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	var got []string
	for r.HasNext() {
		rr, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, string(rr.Value))
		if rr.Key == 1 && rr.SourcePosition != 7 {
			t.Fatalf("source position not stamped: %+v", rr)
		}
	}
	if fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("read %v", got)
	}
	if _, err := r.Next(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestZeroMetadataRecordIsReadable(t *testing.T) {
	s := newStream(t, newLeader(t), Options{})
	pos := mustWait(t, s.NewWriter().Write(context.Background(), Batch{Records: []record.Record{{Key: 1, Value: []byte("a")}}}))

	r, err := s.OpenReader(pos, ModeCommittedOnly)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	if !r.HasNext() {
		t.Fatalf("committed record at %d is not visible", pos)
	}
	got, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Position != pos || got.Key != 1 || string(got.Value) != "a" || got.Metadata.ValueType != record.ValueTypeApplication {
		t.Fatalf("read %+v", got)
	}
}

func TestListenerOrderPerWriter(t *testing.T) {
	s := newStream(t, newLeader(t), Options{WriteBufferSize: 128})
	w := s.NewWriter()
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []string
	)
	l := &funcListener{
		onWrite:  func(a Appended) { mu.Lock(); events = append(events, fmt.Sprintf("w%d", a.FirstIndex)); mu.Unlock() },
		onCommit: func(a Appended) { mu.Lock(); events = append(events, fmt.Sprintf("c%d", a.FirstIndex)); mu.Unlock() },
	}
	var last *Future
	for i := 0; i < 20; i++ {
		last = w.WriteWithListener(ctx, Batch{Records: []record.Record{rec(int64(i), "x")}}, l)
	}
	mustWait(t, last)

	mu.Lock()
	defer mu.Unlock()
	var lastWrite, lastCommit int
	written := map[string]bool{}
	for _, e := range events {
		var idx int
		if _, err := fmt.Sscanf(e[1:], "%d", &idx); err != nil {
			t.Fatalf("bad event %q", e)
		}
		switch e[0] {
		case 'w':
			if idx <= lastWrite {
				t.Fatalf("OnWrite out of order: %v", events)
			}
			lastWrite = idx
			written[e[1:]] = true
		case 'c':
			if idx <= lastCommit || !written[e[1:]] {
				t.Fatalf("OnCommit out of order: %v", events)
			}
			lastCommit = idx
		}
	}
	if len(events) != 40 {
		t.Fatalf("got %d events, want 40", len(events))
	}
}

type funcListener struct {
	onWrite  func(Appended)
	onCommit func(Appended)
}

func (f *funcListener) OnWrite(a Appended)            { f.onWrite(a) }
func (f *funcListener) OnWriteError(error)            {}
func (f *funcListener) OnCommit(a Appended)           { f.onCommit(a) }
func (f *funcListener) OnCommitError(Appended, error) {}

func TestBackpressureFailsImmediately(t *testing.T) {
	node := newStuckNode(t)
	s := newStream(t, node, Options{WriteBufferSize: 2})
	w := s.NewWriter()
	batch := Batch{Records: []record.Record{rec(1, "a")}}

	for i := 0; i < 2; i++ {
		if _, err := w.TryWrite(batch); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := w.TryWrite(batch); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
	f := w.Write(context.Background(), batch)
	select {
	case <-f.Done():
	default:
		t.Fatalf("write under backpressure should complete at once")
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("future error %v", err)
	}

	node.failFirst(&raft.NotLeaderError{LeaderHint: 2})
	if s.InFlight() != 1 {
		t.Fatalf("in flight %d after one failure", s.InFlight())
	}
	if _, err := w.TryWrite(batch); err != nil {
		t.Fatalf("write after a slot freed: %v", err)
	}
}

func TestNotLeaderSurfacesThroughFuture(t *testing.T) {
	node := newStuckNode(t)
	s := newStream(t, node, Options{})
	f := s.NewWriter().Write(context.Background(), Batch{Records: []record.Record{rec(1, "a")}})
	node.take().OnWriteError(&raft.NotLeaderError{LeaderHint: 3})
	_, err := f.Wait(context.Background())
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestRejectsOversizedRecord(t *testing.T) {
	s := newStream(t, newStuckNode(t), Options{Codec: record.Codec{MaxFragmentSize: 4}})
	_, err := s.NewWriter().TryWrite(Batch{Records: []record.Record{rec(1, "too long")}})
	var tooLarge *record.RecordTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.Max != 4 {
		t.Fatalf("expected RecordTooLargeError, got %v", err)
	}
	if s.InFlight() != 0 {
		t.Fatalf("rejected write holds a buffer slot")
	}
}

func TestRejectsNoopValueType(t *testing.T) {
	s := newStream(t, newStuckNode(t), Options{})
	r := rec(1, "x")
	r.Metadata.ValueType = record.ValueTypeNoop
	if _, err := s.NewWriter().TryWrite(Batch{Records: []record.Record{r}}); !errors.Is(err, raft.ErrReservedValueType) {
		t.Fatalf("expected ErrReservedValueType, got %v", err)
	}
	if s.InFlight() != 0 {
		t.Fatalf("rejected write holds a buffer slot")
	}
}

func appendDirect(t *testing.T, store *logstorage.Storage, values ...string) {
	t.Helper()
	last := store.LastIndex()
	entries := make([]logstorage.Entry, len(values))
	for i, v := range values {
		r := rec(int64(i), v)
		r.Position = int64(last) + 1 + int64(i)
		r.BatchEnd = true
		entries[i] = logstorage.Entry{Term: 1, Record: r}
	}
	if _, err := store.Append(context.Background(), last, entries); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func readAll(t *testing.T, r *Reader) []string {
	t.Helper()
	var out []string
	for r.HasNext() {
		rr, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, string(rr.Value))
	}
	return out
}

func TestCommittedOnlyStopsAtCommitIndex(t *testing.T) {
	node := newStuckNode(t)
	s := newStream(t, node, Options{})
	appendDirect(t, node.store, "a", "b", "c", "d")
	node.commit.Store(2)

	committed, _ := s.OpenReader(0, ModeCommittedOnly)
	if got := fmt.Sprint(readAll(t, committed)); got != "[a b]" {
		t.Fatalf("committed reader got %s", got)
	}
	all, _ := s.OpenReader(0, ModeAll)
	if got := fmt.Sprint(readAll(t, all)); got != "[a b c d]" {
		t.Fatalf("all reader got %s", got)
	}

	node.commit.Store(4)
	if got := fmt.Sprint(readAll(t, committed)); got != "[c d]" {
		t.Fatalf("committed reader after advance got %s", got)
	}
}

func TestReaderFilterSeekAndCompaction(t *testing.T) {
	node := newStuckNode(t)
	s := newStream(t, node, Options{})
	appendDirect(t, node.store, "a", "b", "c", "d", "e")
	node.commit.Store(5)

	r, err := s.NewReader(ReaderOptions{Mode: ModeCommittedOnly, Filter: "key % 2 == 0"})
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	if got := fmt.Sprint(readAll(t, r)); got != "[a c e]" {
		t.Fatalf("filtered read %s", got)
	}

	r.Seek(4)
	if r.Position() != 4 {
		t.Fatalf("position %d after seek", r.Position())
	}
	if got := fmt.Sprint(readAll(t, r)); got != "[e]" {
		t.Fatalf("read after seek %s", got)
	}

	if err := node.store.Compact(context.Background(), 3); err != nil {
		t.Fatalf("compact: %v", err)
	}
	r2, _ := s.OpenReader(1, ModeAll)
	if got := fmt.Sprint(readAll(t, r2)); got != "[c d e]" {
		t.Fatalf("read across compaction %s", got)
	}
	r2.Seek(1)
	r2.SeekToEnd()
	if r2.HasNext() {
		t.Fatalf("HasNext after SeekToEnd")
	}

	if _, err := s.NewReader(ReaderOptions{Filter: "key +"}); err == nil {
		t.Fatalf("expected filter compile error")
	}
	if _, err := s.NewReader(ReaderOptions{Filter: "key"}); err == nil {
		t.Fatalf("expected error for non-boolean filter")
	}
}

func TestReaderWaitWakesOnCommit(t *testing.T) {
	s := newStream(t, newLeader(t), Options{})
	r, _ := s.OpenReader(0, ModeCommittedOnly)
	r.SeekToEnd()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- r.Wait(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	mustWait(t, s.NewWriter().Write(context.Background(), Batch{Records: []record.Record{rec(9, "late")}}))

	if err := <-errCh; err != nil {
		t.Fatalf("wait: %v", err)
	}
	rr, err := r.Next()
	if err != nil || string(rr.Value) != "late" {
		t.Fatalf("next after wait: %+v %v", rr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("caught-up wait should time out, got %v", err)
	}
}

type countingListener struct{ n atomic.Int64 }

func (c *countingListener) OnRecordAvailable() { c.n.Add(1) }

func TestRecordAvailableListeners(t *testing.T) {
	s := newStream(t, newLeader(t), Options{})
	l := &countingListener{}
	s.RegisterRecordAvailableListener(l)
	s.RegisterRecordAvailableListener(l)

	mustWait(t, s.NewWriter().Write(context.Background(), Batch{Records: []record.Record{rec(1, "a")}}))
	deadline := time.Now().Add(5 * time.Second)
	for l.n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("listener never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.RemoveRecordAvailableListener(l)
	time.Sleep(20 * time.Millisecond)
	before := l.n.Load()
	mustWait(t, s.NewWriter().Write(context.Background(), Batch{Records: []record.Record{rec(2, "b")}}))
	time.Sleep(50 * time.Millisecond)
	if l.n.Load() != before {
		t.Fatalf("removed listener still notified")
	}

	_ = s.Close()
	if _, err := s.NewWriter().TryWrite(Batch{Records: []record.Record{rec(3, "c")}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if _, err := s.OpenReader(0, ModeAll); !errors.Is(err, ErrClosed) {
		t.Fatalf("reader after close: %v", err)
	}
}

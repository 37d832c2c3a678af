package statemachine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/logstream"
	"github.com/rzbill/raftlog/internal/raft"
	"github.com/rzbill/raftlog/internal/record"
	"github.com/rzbill/raftlog/internal/snapshot"
	pebblestore "github.com/rzbill/raftlog/internal/storage/pebble"
	"github.com/rzbill/raftlog/internal/transport"
	"github.com/rzbill/raftlog/internal/transport/memnet"
)

// kv keeps the latest value per key and the order records arrived in.
type kv struct {
	mu    sync.Mutex
	Data  map[int64]string `json:"data"`
	Order []int64          `json:"order"`
}

func newKV() *kv { return &kv{Data: map[int64]string{}} }

func (a *kv) apply(r record.Record) error {
	switch string(r.Value) {
	case "boom":
		return errors.New("bad command")
	case "fatal":
		return fmt.Errorf("corrupted index: %w", ErrInvariant)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Data[r.Key] = string(r.Value)
	a.Order = append(a.Order, r.Position)
	return nil
}

func (a *kv) Snapshot(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.NewEncoder(w).Encode(a)
}

func (a *kv) Restore(r io.Reader) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Data, a.Order = nil, nil
	return json.NewDecoder(r).Decode(a)
}

func (a *kv) get(key int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.Data[key]
	return v, ok
}

func (a *kv) order() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.Order...)
}

type fixture struct {
	node   *raft.Node
	stream *logstream.Stream
	snaps  *snapshot.Store
}

func newFixture(t *testing.T) *fixture {
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
	eventually(t, "leadership", n.IsLeader)

	s := logstream.New(n, logstream.Options{})
	t.Cleanup(func() { _ = s.Close() })
	snaps, err := snapshot.Open(t.TempDir(), snapshot.Options{})
	if err != nil {
		t.Fatalf("open snapshots: %v", err)
	}
	return &fixture{node: n, stream: s, snaps: snaps}
}

func (f *fixture) manager(t *testing.T, app *kv, opts Options) *Manager {
	t.Helper()
	opts.Node, opts.Stream, opts.App = f.node, f.stream, app
	if opts.Store == nil {
		opts.Store = f.snaps
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Handle(record.ValueTypeApplication, app.apply)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// write commits one record per value and returns the last position.
var errDiskFull = errors.New("disk full")

// gatedStore counts snapshot attempts. NewTransient fails while fail is set
// and blocks until gate is closed when gate is non-nil.
type gatedStore struct {
	*snapshot.Store
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
}

func (s *gatedStore) NewTransient(index, term uint64) (*snapshot.Transient, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.fail.Load() {
		return nil, errDiskFull
	}
	return s.Store.NewTransient(index, term)
}

func (f *fixture) write(t *testing.T, key int64, values ...string) int64 {
	t.Helper()
	w := f.stream.NewWriter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var last int64
	for _, v := range values {
		pos, err := w.Write(ctx, logstream.Batch{Records: []record.Record{{
			Key:            key,
			SourcePosition: record.NoSourcePosition,
			Metadata:       record.Metadata{RecordType: record.RecordTypeCommand, ValueType: record.ValueTypeApplication},
			Value:          []byte(v),
		}}}).Wait(ctx)
		if err != nil {
			t.Fatalf("write %q: %v", v, err)
		}
		last = pos
	}
	return last
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAppliesCommittedRecordsInOrder(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{})

	f.write(t, 1, "a")
	f.write(t, 2, "b")
	last := f.write(t, 1, "c")
	eventually(t, "apply", func() bool { return m.Applied() == uint64(last) })

	if v, _ := app.get(1); v != "c" {
		t.Fatalf("key 1 = %q, want c", v)
	}
	order := app.order()
	if len(order) != 3 {
		t.Fatalf("applied %v", order)
	}
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Fatalf("out of order: %v", order)
		}
	}
}

func TestHandlerErrorsAreIsolated(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{})

	f.write(t, 1, "boom")
	last := f.write(t, 2, "ok")
	eventually(t, "apply", func() bool { return m.Applied() == uint64(last) })

	if st := m.Stats(); st.HandlerFailures != 1 || st.Halted {
		t.Fatalf("stats = %+v", st)
	}
	if v, _ := app.get(2); v != "ok" {
		t.Fatalf("record after failure not applied: %q", v)
	}
}

func TestInvariantErrorHalts(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{})

	f.write(t, 1, "fatal")
	eventually(t, "halt", func() bool { return m.Err() != nil })
	if !errors.Is(m.Err(), ErrInvariant) {
		t.Fatalf("err = %v", m.Err())
	}
	f.write(t, 2, "after")
	time.Sleep(50 * time.Millisecond)
	if _, ok := app.get(2); ok {
		t.Fatal("halted manager kept applying")
	}
	if err := m.Compact(context.Background()); !errors.Is(err, ErrHalted) {
		t.Fatalf("compact on halted manager: %v", err)
	}
}

func TestCompactSnapshotsAndTrimsLog(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{TrackApplied: true})

	last := uint64(f.write(t, 1, "a", "b", "c", "d"))
	eventually(t, "apply", func() bool { return m.Applied() == last })
	if got := m.CompactableIndex(); got != last {
		t.Fatalf("compactable = %d, want %d", got, last)
	}

	if err := m.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	meta, ok, err := f.snaps.Latest()
	if err != nil || !ok {
		t.Fatalf("latest snapshot: ok=%v err=%v", ok, err)
	}
	if meta.Index != last || meta.Term != f.node.Term() {
		t.Fatalf("snapshot at (%d,%d), want (%d,%d)", meta.Index, meta.Term, last, f.node.Term())
	}
	if first := f.node.Storage().FirstIndex(); first != last {
		t.Fatalf("first index = %d, want %d", first, last)
	}
	if st := m.Stats(); st.LastCompacted != last || st.LastSnapshotIndex != last {
		t.Fatalf("stats = %+v", st)
	}

	// nothing new to compact
	if err := m.Compact(context.Background()); err != nil {
		t.Fatalf("second compact: %v", err)
	}
}

func TestCompactionNeverPassesBoundary(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{})

	f.write(t, 1, "a")
	mid := uint64(f.write(t, 1, "b"))
	last := uint64(f.write(t, 1, "c"))
	eventually(t, "apply", func() bool { return m.Applied() == last })

	term, err := f.node.Storage().Term(mid)
	if err != nil {
		t.Fatal(err)
	}
	m.SetCompactable(mid, term)
	m.SetCompactable(mid-1, term)
	m.SetCompactable(last+10, term)
	if got := m.CompactableIndex(); got != mid {
		t.Fatalf("compactable = %d, want %d", got, mid)
	}
	if err := m.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if first := f.node.Storage().FirstIndex(); first != mid {
		t.Fatalf("first index = %d, want %d", first, mid)
	}
	e, err := f.node.Storage().Read(mid)
	if err != nil || string(e.Record.Value) != "b" {
		t.Fatalf("read boundary %d: %q %v", mid, e.Record.Value, err)
	}
	if _, err := f.node.Storage().Read(mid - 1); !errors.Is(err, logstorage.ErrNotFound) {
		t.Fatalf("read below boundary: %v", err)
	}
}

func TestFailedSnapshotSkipsCompactionAndRetries(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	store := &gatedStore{Store: f.snaps}
	store.fail.Store(true)
	m := f.manager(t, app, Options{TrackApplied: true, Store: store})

	last := uint64(f.write(t, 1, "a", "b"))
	eventually(t, "apply", func() bool { return m.Applied() == last })
	firstBefore := f.node.Storage().FirstIndex()

	if err := m.Compact(context.Background()); !errors.Is(err, errDiskFull) {
		t.Fatalf("compact with failing store: %v", err)
	}
	if first := f.node.Storage().FirstIndex(); first != firstBefore {
		t.Fatalf("first index moved to %d after a failed snapshot", first)
	}
	if st := m.Stats(); st.LastCompacted != 0 || st.LastSnapshotIndex != 0 || st.Halted {
		t.Fatalf("stats after failure = %+v", st)
	}
	if _, ok, _ := f.snaps.Latest(); ok {
		t.Fatal("failed cycle left a snapshot behind")
	}

	store.fail.Store(false)
	if err := m.Compact(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st := m.Stats(); st.LastCompacted != last {
		t.Fatalf("stats after retry = %+v", st)
	}
	if first := f.node.Storage().FirstIndex(); first != last {
		t.Fatalf("first index = %d after retry, want %d", first, last)
	}
	if store.calls.Load() != 2 {
		t.Fatalf("snapshot attempts = %d", store.calls.Load())
	}
}

func TestConcurrentCompactJoinsInflightCycle(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	store := &gatedStore{Store: f.snaps, gate: make(chan struct{})}
	var once sync.Once
	release := func() { once.Do(func() { close(store.gate) }) }
	defer release()
	m := f.manager(t, app, Options{
		TrackApplied:            true,
		SnapshotThreshold:       1,
		SnapshotCompletionDelay: 50 * time.Millisecond,
		Store:                   store,
	})

	last := uint64(f.write(t, 1, "a"))
	eventually(t, "scheduled cycle", func() bool { return store.calls.Load() == 1 })

	m.cycleMu.Lock()
	inflight := m.inflight
	m.cycleMu.Unlock()
	if inflight == nil {
		t.Fatal("no cycle in flight")
	}
	for i := 0; i < 3; i++ {
		if c := m.startCycle(context.Background(), true); c != inflight {
			t.Fatalf("forced call %d started a second cycle", i)
		}
	}

	const callers = 4
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- m.Compact(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)
	release()
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("compact caller %d: %v", i, err)
		}
	}
	<-inflight.done
	if inflight.err != nil {
		t.Fatalf("cycle: %v", inflight.err)
	}
	if n := store.calls.Load(); n != 1 {
		t.Fatalf("snapshots taken = %d, want 1", n)
	}
	metas, err := f.snaps.List()
	if err != nil || len(metas) != 1 {
		t.Fatalf("snapshots on disk = %v (%v)", metas, err)
	}
	if st := m.Stats(); st.LastCompacted != last {
		t.Fatalf("stats = %+v", st)
	}
}

func TestThresholdTriggersCycle(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{TrackApplied: true, SnapshotThreshold: 3})

	last := uint64(f.write(t, 1, "a", "b", "c", "d"))
	eventually(t, "compaction", func() bool { return m.Stats().LastCompacted > 0 })
	if st := m.Stats(); st.LastCompacted > last {
		t.Fatalf("compacted past applied: %+v", st)
	}
}

func TestIntervalWithDelays(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{
		TrackApplied:            true,
		SnapshotInterval:        20 * time.Millisecond,
		SnapshotCompletionDelay: 10 * time.Millisecond,
		CompactDelay:            10 * time.Millisecond,
	})

	last := uint64(f.write(t, 1, "a", "b"))
	eventually(t, "compaction", func() bool { return m.Stats().LastCompacted == last })
	eventually(t, "log trim", func() bool { return f.node.Storage().FirstIndex() == last })
}

func TestRecoveryFromSnapshot(t *testing.T) {
	f := newFixture(t)
	first := newKV()
	m1 := f.manager(t, first, Options{TrackApplied: true})
	snapAt := uint64(f.write(t, 1, "a", "b"))
	eventually(t, "apply", func() bool { return m1.Applied() == snapAt })
	if err := m1.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatal(err)
	}

	second := newKV()
	m2 := f.manager(t, second, Options{TrackApplied: true})
	if m2.Applied() != snapAt {
		t.Fatalf("applied after recovery = %d, want %d", m2.Applied(), snapAt)
	}
	if v, _ := second.get(1); v != "b" {
		t.Fatalf("restored key 1 = %q", v)
	}
	last := uint64(f.write(t, 2, "c"))
	eventually(t, "apply", func() bool { return m2.Applied() == last })
	if v, _ := second.get(2); v != "c" {
		t.Fatalf("key 2 = %q", v)
	}
}

func TestCorruptSnapshotSkippedOnRecovery(t *testing.T) {
	f := newFixture(t)
	meta, err := f.snaps.Save(1, 1, []byte(`{"data":{"9":"stale"}}`))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(meta.Path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(meta.Path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	app := newKV()
	m := f.manager(t, app, Options{})
	if st := m.Stats(); st.CorruptSnapshots != 1 || st.Applied != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if _, ok := app.get(9); ok {
		t.Fatal("corrupt snapshot restored")
	}
	last := uint64(f.write(t, 1, "a"))
	eventually(t, "apply", func() bool { return m.Applied() == last })
}

func TestInstallSnapshotRepositions(t *testing.T) {
	f := newFixture(t)
	app := newKV()
	m := f.manager(t, app, Options{})

	donor := newKV()
	donor.Data[5] = "from-leader"
	var buf bytes.Buffer
	if err := donor.Snapshot(&buf); err != nil {
		t.Fatal(err)
	}
	if err := m.InstallSnapshot(raft.Snapshot{Index: 100, Term: 4, Data: buf.Bytes()}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if v, _ := app.get(5); v != "from-leader" {
		t.Fatalf("key 5 = %q", v)
	}
	if m.Applied() != 100 || m.CompactableIndex() != 100 {
		t.Fatalf("stats = %+v", m.Stats())
	}
	snap, ok, err := m.LatestSnapshot()
	if err != nil || !ok || snap.Index != 100 || snap.Term != 4 {
		t.Fatalf("latest = %+v ok=%v err=%v", snap, ok, err)
	}
	// older snapshots are ignored
	if err := m.InstallSnapshot(raft.Snapshot{Index: 50, Term: 3, Data: buf.Bytes()}); err != nil {
		t.Fatalf("stale install: %v", err)
	}
	if m.Applied() != 100 {
		t.Fatalf("applied = %d after stale install", m.Applied())
	}
}

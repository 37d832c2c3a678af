package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	logpkg "github.com/rzbill/raftlog/pkg/log"
)

const (
	magic      uint32 = 0x52534e50 // "RSNP"
	headerSize        = 4 + 8 + 8 + 4
	crcOffset         = 4 + 8 + 8
	fileSuffix        = ".snap"
	tmpSuffix         = ".tmp"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrNotFound is returned when no snapshot matches.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrChecksumMismatch is returned when a snapshot's payload does not
	// match the checksum in its header.
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	// ErrBadHeader is returned for files that are not snapshots.
	ErrBadHeader = errors.New("snapshot: bad header")
	// ErrClosed is returned by a transient that was already persisted or aborted.
	ErrClosed = errors.New("snapshot: transient closed")
)

// Meta describes a persisted snapshot.
type Meta struct {
	Index    uint64
	Term     uint64
	Checksum uint32
	Path     string
	Size     int64
}

// Options configures a Store.
type Options struct {
	Logger logpkg.Logger
}

// Store keeps the snapshots of one partition in a directory. Only the
// newest persisted snapshot is retained.
type Store struct {
	dir    string
	logger logpkg.Logger
	mu     sync.Mutex
}

// Open creates dir if needed and removes transients left by a crash.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Store{dir: dir, logger: logger.With(logpkg.Component("snapshot"), logpkg.Str("dir", dir))}
	stale, err := filepath.Glob(filepath.Join(dir, "*"+tmpSuffix))
	if err != nil {
		return nil, err
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			s.logger.Warn("remove stale transient", logpkg.Str("path", p), logpkg.Err(err))
		}
	}
	return s, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func fileName(index, term uint64) string {
	return fmt.Sprintf("%020d-%020d%s", index, term, fileSuffix)
}

func parseName(name string) (index, term uint64, ok bool) {
	base, found := strings.CutSuffix(name, fileSuffix)
	if !found {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(base, "%d-%d", &index, &term); err != nil {
		return 0, 0, false
	}
	return index, term, true
}

// List returns persisted snapshots ordered by index then term. The checksum
// field is read from each header.
func (s *Store) List() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	var out []Meta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		index, term, ok := parseName(e.Name())
		if !ok {
			continue
		}
		m := Meta{Index: index, Term: term, Path: filepath.Join(s.dir, e.Name())}
		if info, err := e.Info(); err == nil {
			m.Size = info.Size()
		}
		h, err := readHeader(m.Path)
		if err != nil {
			s.logger.Warn("ignoring unreadable snapshot", logpkg.Str("path", m.Path), logpkg.Err(err))
			continue
		}
		if h.index != index || h.term != term {
			s.logger.Warn("snapshot header does not match file name", logpkg.Str("path", m.Path))
			continue
		}
		m.Checksum = h.crc
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Term < out[j].Term
	})
	return out, nil
}

// Latest returns the newest persisted snapshot.
func (s *Store) Latest() (Meta, bool, error) {
	metas, err := s.List()
	if err != nil || len(metas) == 0 {
		return Meta{}, false, err
	}
	return metas[len(metas)-1], true, nil
}

// Get returns the snapshot at (index, term).
func (s *Store) Get(index, term uint64) (Meta, error) {
	metas, err := s.List()
	if err != nil {
		return Meta{}, err
	}
	for _, m := range metas {
		if m.Index == index && m.Term == term {
			return m, nil
		}
	}
	return Meta{}, fmt.Errorf("%w: index %d term %d", ErrNotFound, index, term)
}

// Delete removes the snapshot described by m.
func (s *Store) Delete(m Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: delete: %w", err)
	}
	return nil
}

// Save writes data as a persisted snapshot in one step.
func (s *Store) Save(index, term uint64, data []byte) (Meta, error) {
	t, err := s.NewTransient(index, term)
	if err != nil {
		return Meta{}, err
	}
	if _, err := t.Write(data); err != nil {
		t.Abort()
		return Meta{}, err
	}
	return t.Persist()
}

type header struct {
	index, term uint64
	crc         uint32
}

func readHeader(path string) (header, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, err
	}
	defer f.Close()
	return decodeHeader(f)
}

func decodeHeader(r io.Reader) (header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != magic {
		return header{}, ErrBadHeader
	}
	return header{
		index: binary.BigEndian.Uint64(buf[4:12]),
		term:  binary.BigEndian.Uint64(buf[12:20]),
		crc:   binary.BigEndian.Uint32(buf[crcOffset:headerSize]),
	}, nil
}

// Transient is a snapshot being written. It becomes visible only after
// Persist.
type Transient struct {
	s           *Store
	id          uuid.UUID
	index, term uint64
	f           *os.File
	zw          *zstd.Encoder
	crc         hash.Hash32
	closed      bool
}

// NewTransient starts a snapshot tagged (index, term).
func (s *Store) NewTransient(index, term uint64) (*Transient, error) {
	id := uuid.New()
	f, err := os.OpenFile(filepath.Join(s.dir, id.String()+tmpSuffix), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create transient: %w", err)
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint64(hdr[4:12], index)
	binary.BigEndian.PutUint64(hdr[12:20], term)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("snapshot: write header: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &Transient{s: s, id: id, index: index, term: term, f: f, zw: zw, crc: crc32.New(crcTable)}, nil
}

// ID identifies the transient.
func (t *Transient) ID() uuid.UUID { return t.id }

// Index returns the index the snapshot covers.
func (t *Transient) Index() uint64 { return t.index }

// Term returns the term of the entry at Index.
func (t *Transient) Term() uint64 { return t.term }

// Write appends snapshot payload.
func (t *Transient) Write(p []byte) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}
	t.crc.Write(p)
	return t.zw.Write(p)
}

// Persist flushes, fsyncs and atomically publishes the snapshot, then
// removes every older one.
func (t *Transient) Persist() (Meta, error) {
	if t.closed {
		return Meta{}, ErrClosed
	}
	t.closed = true
	fail := func(err error) (Meta, error) {
		t.f.Close()
		os.Remove(t.f.Name())
		return Meta{}, err
	}
	if err := t.zw.Close(); err != nil {
		return fail(fmt.Errorf("snapshot: compress: %w", err))
	}
	sum := t.crc.Sum32()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	if _, err := t.f.WriteAt(b[:], crcOffset); err != nil {
		return fail(fmt.Errorf("snapshot: write checksum: %w", err))
	}
	if err := t.f.Sync(); err != nil {
		return fail(fmt.Errorf("snapshot: fsync: %w", err))
	}
	info, err := t.f.Stat()
	if err != nil {
		return fail(err)
	}
	if err := t.f.Close(); err != nil {
		os.Remove(t.f.Name())
		return Meta{}, fmt.Errorf("snapshot: close: %w", err)
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	final := filepath.Join(s.dir, fileName(t.index, t.term))
	if err := os.Rename(t.f.Name(), final); err != nil {
		os.Remove(t.f.Name())
		return Meta{}, fmt.Errorf("snapshot: publish: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		s.logger.Warn("fsync snapshot dir", logpkg.Err(err))
	}
	meta := Meta{Index: t.index, Term: t.term, Checksum: sum, Path: final, Size: info.Size()}

	older, err := s.list()
	if err != nil {
		return meta, nil
	}
	for _, m := range older {
		if m.Path == final || m.Index > t.index || (m.Index == t.index && m.Term > t.term) {
			continue
		}
		if err := os.Remove(m.Path); err != nil {
			s.logger.Warn("remove old snapshot", logpkg.Str("path", m.Path), logpkg.Err(err))
		}
	}
	s.logger.Debug("snapshot persisted", logpkg.Uint64("index", t.index), logpkg.Uint64("term", t.term), logpkg.Int64("size", meta.Size))
	return meta, nil
}

// Abort discards the transient.
func (t *Transient) Abort() {
	if t.closed {
		return
	}
	t.closed = true
	t.zw.Close()
	t.f.Close()
	os.Remove(t.f.Name())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Reader streams a snapshot's payload. The checksum is verified when the
// payload is exhausted; a mismatch is reported in place of io.EOF.
type Reader struct {
	Meta
	f   *os.File
	zr  *zstd.Decoder
	crc hash.Hash32
}

// Open opens the snapshot described by m for reading.
func (s *Store) Open(m Meta) (*Reader, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, m.Path)
		}
		return nil, err
	}
	h, err := decodeHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.Index, m.Term, m.Checksum = h.index, h.term, h.crc
	return &Reader{Meta: m, f: f, zr: zr, crc: crc32.New(crcTable)}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	r.crc.Write(p[:n])
	if errors.Is(err, io.EOF) && r.crc.Sum32() != r.Checksum {
		return n, ErrChecksumMismatch
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %w", ErrChecksumMismatch, err)
	}
	return n, err
}

// Close releases the file.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}

// ReadAll opens m and returns its verified payload.
func (s *Store) ReadAll(m Meta) ([]byte, error) {
	r, err := s.Open(m)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return data, nil
}

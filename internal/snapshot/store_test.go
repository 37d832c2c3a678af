package snapshot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestSaveAndReadBack(t *testing.T) {
	s := openStore(t)
	payload := bytes.Repeat([]byte("state-"), 1000)

	m, err := s.Save(42, 3, payload)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.Index != 42 || m.Term != 3 {
		t.Fatalf("meta = %+v", m)
	}
	if got := filepath.Base(m.Path); got != "00000000000000000042-00000000000000000003.snap" {
		t.Fatalf("file name = %s", got)
	}
	latest, ok, err := s.Latest()
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if latest.Checksum != m.Checksum {
		t.Fatalf("checksum %x != %x", latest.Checksum, m.Checksum)
	}
	got, err := s.ReadAll(latest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %d bytes", len(got))
	}
}

func TestEmptyStore(t *testing.T) {
	s := openStore(t)
	if _, ok, err := s.Latest(); ok || err != nil {
		t.Fatalf("latest on empty: ok=%v err=%v", ok, err)
	}
	if _, err := s.Get(1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
}

func TestPersistRemovesOlderSnapshots(t *testing.T) {
	s := openStore(t)
	for _, idx := range []uint64{10, 20, 30} {
		if _, err := s.Save(idx, 1, []byte{byte(idx)}); err != nil {
			t.Fatalf("save %d: %v", idx, err)
		}
	}
	metas, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || metas[0].Index != 30 {
		t.Fatalf("metas = %+v", metas)
	}
	if _, err := s.Get(20, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("older snapshot still present: %v", err)
	}
}

func TestTransientInvisibleUntilPersist(t *testing.T) {
	s := openStore(t)
	tr, err := s.NewTransient(5, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Latest(); ok {
		t.Fatal("transient visible before persist")
	}
	tr.Abort()
	if _, err := tr.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after abort: %v", err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 0 {
		t.Fatalf("abort left %d files", len(entries))
	}
}

func TestOpenRemovesStaleTransients(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewTransient(1, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, Options{}); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			t.Fatalf("stale transient %s survived reopen", e.Name())
		}
	}
}

func TestCorruptPayloadFailsChecksum(t *testing.T) {
	s := openStore(t)
	m, err := s.Save(7, 1, bytes.Repeat([]byte("abc"), 100))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		t.Fatal(err)
	}
	// flip the stored checksum
	raw[crcOffset] ^= 0xff
	if err := os.WriteFile(m.Path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadAll(m); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("read corrupt: %v", err)
	}
}

func TestForeignFilesIgnored(t *testing.T) {
	s := openStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), fileName(9, 9)), []byte("not a snapshot"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Latest(); ok || err != nil {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
}

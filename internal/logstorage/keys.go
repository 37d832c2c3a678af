package logstorage

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - p/{part_be4}/e/{index_be8}   entries
// - p/{part_be4}/m/base          compacted boundary (index, term)
// - p/{part_be4}/m/hard          raft hard state (term, votedFor)

var (
	partPrefix = []byte("p/")
	entrySeg   = []byte("/e/")
	baseSuffix = []byte("/m/base")
	hardSuffix = []byte("/m/hard")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyPartition(partition uint32) []byte {
	k := make([]byte, 0, 32)
	k = append(k, partPrefix...)
	return appendBE4(k, partition)
}

// KeyEntry builds the entry key with a big-endian index for proper ordering.
func KeyEntry(partition uint32, index uint64) []byte {
	k := keyPartition(partition)
	k = append(k, entrySeg...)
	return appendBE8(k, index)
}

// KeyBase builds the compacted-boundary metadata key.
func KeyBase(partition uint32) []byte {
	return append(keyPartition(partition), baseSuffix...)
}

// KeyHardState builds the hard-state metadata key.
func KeyHardState(partition uint32) []byte {
	return append(keyPartition(partition), hardSuffix...)
}

// entryBounds returns [lo, hi) covering every entry key of the partition.
func entryBounds(partition uint32) ([]byte, []byte) {
	return KeyEntry(partition, 0), append(KeyEntry(partition, ^uint64(0)), 0x00)
}

func indexFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

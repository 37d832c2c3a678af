// Package logstorage is the durable, index addressed log of one partition.
//
// Entries live in a Pebble database shared by every partition of the node:
//
//	p/{part_be4}/e/{index_be8}  term u64 | record frame
//	p/{part_be4}/m/base         compacted boundary (index u64, term u64)
//	p/{part_be4}/m/hard         raft hard state (term u64, votedFor u64)
//
// The entry index equals the record position. Appends are compare-and-append
// against the caller's view of the tail and commit in one Pebble batch, so a
// batch of records is either fully present or absent after a crash. On open
// the tail is recovered by scanning back from the last key until an intact
// frame is found.
//
//	s, _ := logstorage.Open(db, 1, logstorage.Options{})
//	first, err := s.Append(ctx, s.LastIndex(), entries)
//	it := s.NewIterator(first, false)
//	for it.Next() {
//	    if it.Err() != nil { continue }
//	    use(it.Entry())
//	}
//	it.Close()
package logstorage

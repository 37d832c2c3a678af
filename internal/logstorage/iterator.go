package logstorage

import (
	"github.com/cockroachdb/pebble"
)

// Iterator walks entries in index order over a point-in-time view. A corrupt
// entry is reported through Err while positioned on it; Next moves past it.
type Iterator struct {
	s       *Storage
	it      *pebble.Iterator
	reverse bool
	from    uint64
	started bool
	entry   Entry
	index   uint64
	err     error
	openErr error
}

// NewIterator positions before from. Forward iterators yield indexes >= from;
// reverse iterators yield indexes <= from. from == 0 in reverse starts at the tail.
func (s *Storage) NewIterator(from uint64, reverse bool) *Iterator {
	lo, hi := entryBounds(s.part)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	return &Iterator{s: s, it: it, reverse: reverse, from: from, openErr: err}
}

// Next advances to the next entry. It returns false at the end.
func (i *Iterator) Next() bool {
	if i.openErr != nil || i.it == nil {
		return false
	}
	var ok bool
	switch {
	case i.started && i.reverse:
		ok = i.it.Prev()
	case i.started:
		ok = i.it.Next()
	case i.reverse && i.from == 0:
		ok = i.it.Last()
	case i.reverse:
		ok = i.it.SeekLT(KeyEntry(i.s.part, i.from+1))
	default:
		ok = i.it.SeekGE(KeyEntry(i.s.part, i.from))
	}
	i.started = true
	if !ok {
		i.entry, i.err = Entry{}, nil
		return false
	}
	i.index = indexFromKey(i.it.Key())
	i.entry, i.err = i.s.decode(i.it.Value())
	return true
}

// Index is the index of the current position, valid even when Err is set.
func (i *Iterator) Index() uint64 { return i.index }

// Entry returns the current entry.
func (i *Iterator) Entry() Entry { return i.entry }

// Err reports a decode failure of the current entry, or a failure to open
// the iterator.
func (i *Iterator) Err() error {
	if i.openErr != nil {
		return &IOError{Op: "iterate", Err: i.openErr}
	}
	return i.err
}

// Close releases the iterator.
func (i *Iterator) Close() error {
	if i.it == nil {
		return nil
	}
	return i.it.Close()
}

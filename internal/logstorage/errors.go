package logstorage

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleTail is returned by Append when the caller's expected tail no
	// longer matches the log. The caller is either not the leader anymore or
	// raced with a truncation.
	ErrStaleTail = errors.New("logstorage: stale tail")
	// ErrNotFound is returned for positions above the last entry.
	ErrNotFound = errors.New("logstorage: entry not found")
	// ErrCompacted is returned for positions below the first available entry.
	// It matches ErrNotFound; check for it first to tell the two apart.
	ErrCompacted error = compactedError{}
	// ErrCommittedTruncation is a safety violation: the caller tried to remove
	// an entry at or below the commit watermark.
	ErrCommittedTruncation = errors.New("logstorage: truncation of committed entry")
	// ErrNonContiguous is returned when appended entries do not continue the tail.
	ErrNonContiguous = errors.New("logstorage: entries are not contiguous")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("logstorage: closed")
)

// IOError wraps a failure of the underlying store.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("logstorage: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

type compactedError struct{}

func (compactedError) Error() string        { return "logstorage: entry compacted" }
func (compactedError) Is(target error) bool { return target == ErrNotFound }

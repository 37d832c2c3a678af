package logstream

import (
	"errors"

	"github.com/rzbill/raftlog/internal/raft"
)

var (
	// ErrBackpressure is returned when too many batches await commit.
	ErrBackpressure = errors.New("logstream: write buffer full")
	// ErrClosed is returned after the stream or reader is closed.
	ErrClosed = errors.New("logstream: closed")
	// ErrEndOfStream is returned by Next when the reader is caught up.
	ErrEndOfStream = errors.New("logstream: no record available")
	// ErrNotLeader matches proposals made on a follower.
	ErrNotLeader = raft.ErrNotLeader
)

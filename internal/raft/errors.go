package raft

import (
	"errors"
	"fmt"

	"github.com/rzbill/raftlog/internal/transport"
)

var (
	// ErrNotLeader matches every *NotLeaderError.
	ErrNotLeader = errors.New("raft: not leader")
	// ErrSafetyViolation means the node observed a state that breaks raft's
	// guarantees and stopped participating.
	ErrSafetyViolation = errors.New("raft: safety violation")
	// ErrClosed is returned once the node is stopped.
	ErrClosed = errors.New("raft: node stopped")
	// ErrEmptyBatch is returned for a proposal without records.
	ErrEmptyBatch = errors.New("raft: empty batch")
	// ErrPositionMismatch is returned when a proposed record carries a
	// position that does not continue the log.
	ErrPositionMismatch = errors.New("raft: record position does not continue the log")
	// ErrReservedValueType is returned for a proposed record tagged with the
	// noop value type.
	ErrReservedValueType = errors.New("raft: value type reserved for noop entries")
)

// NotLeaderError is returned to proposals made on a node that is not the
// leader. LeaderHint is the last known leader, or zero.
type NotLeaderError struct {
	LeaderHint transport.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == 0 {
		return "raft: not leader, leader unknown"
	}
	return fmt.Sprintf("raft: not leader, try node %d", e.LeaderHint)
}

// Is makes errors.Is(err, ErrNotLeader) hold.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

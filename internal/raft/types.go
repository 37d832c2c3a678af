package raft

// Role is a node's position in its raft group.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	// RoleInactive is terminal: the node hit a safety violation.
	RoleInactive
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Appended describes a proposed batch once it is in the leader's log.
type Appended struct {
	FirstIndex uint64
	LastIndex  uint64
	Term       uint64
}

// AppendListener follows one proposal. It gets either OnWriteError, or
// OnWrite followed by exactly one of OnCommit and OnCommitError.
//
// Callbacks run on the node goroutine. They must not block or call back
// into the node synchronously.
type AppendListener interface {
	OnWrite(a Appended)
	OnWriteError(err error)
	OnCommit(a Appended)
	OnCommitError(a Appended, err error)
}

// Snapshot is application state covering the log up to Index.
type Snapshot struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// SnapshotHandler connects the node to the state machine for snapshot
// replication. Both methods run on the node goroutine.
type SnapshotHandler interface {
	// LatestSnapshot returns the newest durable snapshot, if any.
	LatestSnapshot() (Snapshot, bool, error)
	// InstallSnapshot replaces local state with a snapshot received from the
	// leader.
	InstallSnapshot(s Snapshot) error
}

// RoleListener is told about every role or term change.
type RoleListener func(role Role, term uint64)

// Package statemachine applies a partition's committed records to an
// application and keeps the log compacted.
//
// A Manager reads committed records in position order and dispatches each
// one to the Handler registered for its value type. It tracks a compactable
// boundary, the highest (index, term) the application no longer needs from
// the log, and periodically snapshots the application at that boundary:
//
//	take snapshot -> SnapshotCompletionDelay -> persist -> CompactDelay -> compact
//
// Only one cycle runs at a time and a cycle is skipped unless the boundary
// moved past the last compaction. On start the newest snapshot that passes
// its checksum is restored and application resumes right after it.
//
// The Manager also implements raft.SnapshotHandler, serving its snapshots to
// lagging followers and installing the leader's snapshot when this node is
// the one behind.
package statemachine

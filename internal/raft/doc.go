// Package raft replicates one partition's log with the raft protocol.
//
// Each Node is an actor: a single goroutine owns term, vote, role, commit
// index and the log tail, and every public method or inbound RPC runs as a
// closure on it. Followers are driven by one replicator goroutine each,
// which keeps a single request in flight and backs off on transport errors.
//
// A new leader appends a noop entry for its term and only commits entries
// at or after it. Batches proposed together occupy consecutive indexes, the
// last one flagged BatchEnd, and are never split across append requests, so
// the commit index always sits on a batch boundary.
//
// Proposals report progress through an AppendListener: OnWrite once the
// batch is in the leader's log, then OnCommit or OnCommitError. Listeners
// complete in index order.
package raft

package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rzbill/raftlog/internal/logstorage"
	"github.com/rzbill/raftlog/internal/logstream"
	"github.com/rzbill/raftlog/internal/raft"
	"github.com/rzbill/raftlog/internal/record"
	"github.com/rzbill/raftlog/internal/snapshot"
	"github.com/rzbill/raftlog/internal/statemachine"
	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Application is a partition's replicated state together with the handlers
// that update it.
type Application interface {
	statemachine.Application
	Handlers() map[record.ValueType]statemachine.Handler
}

// Partition is one raft group hosted by this node.
type Partition struct {
	ID        uint32
	Storage   *logstorage.Storage
	Node      *raft.Node
	Stream    *logstream.Stream
	Manager   *statemachine.Manager
	Snapshots *snapshot.Store
	App       Application
}

// Status is a point in time view of a partition.
type Status struct {
	Partition    uint32             `json:"partition"`
	Role         string             `json:"role"`
	Term         uint64             `json:"term"`
	Leader       uint64             `json:"leader"`
	FirstIndex   uint64             `json:"firstIndex"`
	LastIndex    uint64             `json:"lastIndex"`
	CommitIndex  uint64             `json:"commitIndex"`
	InFlight     int                `json:"inFlight"`
	StateMachine statemachine.Stats `json:"stateMachine"`
}

func (r *Runtime) openPartition(id uint32, app Application) (*Partition, error) {
	cfg := r.cfg
	logger := r.base
	codec := record.Codec{MaxFragmentSize: cfg.Stream.MaxFragmentSize}

	store, err := logstorage.Open(r.db, id, logstorage.Options{Codec: codec, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("runtime: partition %d storage: %w", id, err)
	}
	members := make([]transport.NodeID, 0, len(cfg.Members))
	for m := range cfg.Members {
		members = append(members, m)
	}
	node, err := raft.NewNode(raft.Config{
		ID:                 cfg.NodeID,
		Partition:          id,
		Members:            members,
		ElectionTimeout:    cfg.Raft.ElectionTimeout.D(),
		HeartbeatInterval:  cfg.Raft.HeartbeatInterval.D(),
		MaxAppendBatchSize: cfg.Raft.MaxAppendBatchSize,
		MaxAppendBackoff:   cfg.Raft.MaxAppendBackoff.D(),
		Codec:              codec,
		Logger:             logger,
	}, store, r.trans)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("runtime: partition %d raft: %w", id, err)
	}
	stream := logstream.New(node, logstream.Options{
		WriteBufferSize: cfg.Stream.WriteBufferSize,
		Codec:           codec,
		Logger:          logger,
	})
	snaps, err := snapshot.Open(filepath.Join(cfg.DataDir, "snapshots", fmt.Sprintf("partition-%d", id)), snapshot.Options{Logger: logger.With(logpkg.Uint32("partition", id))})
	if err != nil {
		_ = stream.Close()
		_ = store.Close()
		return nil, err
	}
	mgr, err := statemachine.New(statemachine.Options{
		Node:                    node,
		Stream:                  stream,
		Store:                   snaps,
		App:                     app,
		TrackApplied:            true,
		SnapshotInterval:        cfg.Snapshot.Interval.D(),
		SnapshotThreshold:       cfg.Snapshot.Threshold,
		SnapshotCompletionDelay: cfg.Snapshot.CompletionDelay.D(),
		CompactDelay:            cfg.Snapshot.CompactDelay.D(),
		Logger:                  logger,
	})
	if err != nil {
		_ = stream.Close()
		_ = store.Close()
		return nil, err
	}
	for vt, h := range app.Handlers() {
		mgr.Handle(vt, h)
	}
	if err := mgr.Start(context.Background()); err != nil {
		_ = stream.Close()
		_ = store.Close()
		return nil, fmt.Errorf("runtime: partition %d state machine: %w", id, err)
	}
	node.SetSnapshotHandler(mgr)
	node.OnRoleChange(func(role raft.Role, term uint64) {
		r.logger.Info("role changed", logpkg.Uint32("partition", id), logpkg.Str("role", role.String()), logpkg.Uint64("term", term))
	})
	r.mux.Register(id, node)
	node.Start()

	return &Partition{
		ID:        id,
		Storage:   store,
		Node:      node,
		Stream:    stream,
		Manager:   mgr,
		Snapshots: snaps,
		App:       app,
	}, nil
}

// Status reports the partition's raft and state machine watermarks.
func (p *Partition) Status() Status {
	return Status{
		Partition:    p.ID,
		Role:         p.Node.State().String(),
		Term:         p.Node.Term(),
		Leader:       p.Node.Leader(),
		FirstIndex:   p.Storage.FirstIndex(),
		LastIndex:    p.Storage.LastIndex(),
		CommitIndex:  p.Node.CommitIndex(),
		InFlight:     p.Stream.InFlight(),
		StateMachine: p.Manager.Stats(),
	}
}

func (p *Partition) close() error {
	var errs []error
	errs = append(errs, p.Manager.Close())
	errs = append(errs, p.Stream.Close())
	p.Node.Stop()
	errs = append(errs, p.Storage.Close())
	return errors.Join(errs...)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	cfgpkg "github.com/rzbill/raftlog/internal/config"
	pebblestore "github.com/rzbill/raftlog/internal/storage/pebble"
	"github.com/rzbill/raftlog/internal/transport"
	"github.com/rzbill/raftlog/internal/transport/grpctransport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Dial builds the outbound raft transport. It is given the runtime's
	// inbound handler so in-process networks can route to it. Nil dials
	// Config.Members over gRPC.
	Dial func(in transport.Handler) transport.Transport
	// NewApplication builds each partition's state machine. Nil uses a
	// KeyIndex.
	NewApplication func(partition uint32) Application
}

// Runtime hosts every partition of one node: a shared pebble store and, per
// partition, log storage, a raft node, a log stream and a state machine.
type Runtime struct {
	cfg     cfgpkg.Config
	base    logpkg.Logger
	logger  logpkg.Logger
	db      *pebblestore.DB
	metrics *StorageMetrics
	mux     *transport.Mux
	trans   transport.Transport
	parts   map[uint32]*Partition
}

// Open initializes storage, restores every partition and starts their raft
// nodes.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	base := logger.With(logpkg.Uint64("node", cfg.NodeID))
	logger = base.With(logpkg.Component("runtime"))
	fsync, err := cfg.FsyncMode()
	if err != nil {
		return nil, err
	}

	metrics := &StorageMetrics{}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       filepath.Join(cfg.DataDir, "log"),
		Fsync:         fsync,
		FsyncInterval: cfg.FsyncInterval.D(),
		Metrics:       metrics,
		Logger:        base,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage: %w", err)
	}

	rt := &Runtime{
		cfg:     cfg,
		base:    base,
		logger:  logger,
		db:      db,
		metrics: metrics,
		mux:     transport.NewMux(),
		parts:   make(map[uint32]*Partition),
	}
	if opts.Dial != nil {
		rt.trans = opts.Dial(rt.mux)
	} else {
		rt.trans = grpctransport.NewClient(cfg.Members)
	}
	newApp := opts.NewApplication
	if newApp == nil {
		newApp = func(uint32) Application { return NewKeyIndex() }
	}

	for id := uint32(1); id <= uint32(cfg.Partitions); id++ {
		p, err := rt.openPartition(id, newApp(id))
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.parts[id] = p
	}
	for _, id := range sortedIDs(cfg.Members) {
		logger.Info("cluster member", logpkg.Uint64("member", id), logpkg.Str("address", cfg.Members[id]))
	}
	logger.Info("runtime open",
		logpkg.Int("partitions", cfg.Partitions), logpkg.Int("members", len(cfg.Members)), logpkg.Str("fsync", fsync.String()))
	return rt, nil
}

// Close stops every partition and closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	for _, p := range r.Partitions() {
		r.mux.Unregister(p.ID)
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.parts = map[uint32]*Partition{}
	if c, ok := r.trans.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth fails when storage is closed or a state machine has halted.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	for _, p := range r.Partitions() {
		if err := p.Manager.Err(); err != nil {
			return fmt.Errorf("partition %d: %w", p.ID, err)
		}
	}
	return ctx.Err()
}

// Partition returns the partition with the given id.
func (r *Runtime) Partition(id uint32) (*Partition, bool) {
	p, ok := r.parts[id]
	return p, ok
}

// Partitions returns every partition ordered by id.
func (r *Runtime) Partitions() []*Partition {
	out := make([]*Partition, 0, len(r.parts))
	for _, p := range r.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handler routes inbound raft RPCs to the partitions. Serve it with
// grpctransport.NewServer.
func (r *Runtime) Handler() transport.Handler { return r.mux }

// NodeID returns this node's id.
func (r *Runtime) NodeID() uint64 { return r.cfg.NodeID }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.cfg }

// StorageStats reports shared storage counters.
func (r *Runtime) StorageStats() StorageStats {
	st := r.metrics.Snapshot()
	if r.db != nil {
		st.DiskUsageBytes = r.db.DiskUsage()
	}
	return st
}

func sortedIDs(members map[uint64]string) []uint64 {
	ids := make([]uint64, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

package raft

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rzbill/raftlog/internal/record"
	"github.com/rzbill/raftlog/internal/transport"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Config describes one node of one partition's raft group.
type Config struct {
	ID        transport.NodeID
	Partition uint32
	// Members lists every voter, including ID.
	Members []transport.NodeID

	// ElectionTimeout is the lower bound T of the randomized [T, 2T) timeout.
	ElectionTimeout time.Duration
	// HeartbeatInterval is how often an idle leader contacts followers.
	HeartbeatInterval time.Duration
	// MaxAppendBatchSize bounds entries per append request. Batches are never
	// split, so a request may exceed it by the tail of one batch.
	MaxAppendBatchSize int
	// MaxAppendBackoff caps retry backoff after transport failures.
	MaxAppendBackoff time.Duration

	// Codec frames records on the wire. The zero value uses the default
	// fragment size.
	Codec  record.Codec
	Logger logpkg.Logger
}

const (
	DefaultElectionTimeout    = 500 * time.Millisecond
	DefaultHeartbeatInterval  = 100 * time.Millisecond
	DefaultMaxAppendBatchSize = 256
	DefaultMaxAppendBackoff   = 5 * time.Second
)

func (c *Config) setDefaults() {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.ElectionTimeout / 5
	}
	if c.MaxAppendBatchSize <= 0 {
		c.MaxAppendBatchSize = DefaultMaxAppendBatchSize
	}
	if c.MaxAppendBackoff <= 0 {
		c.MaxAppendBackoff = DefaultMaxAppendBackoff
	}
	if c.Logger == nil {
		c.Logger = logpkg.NewNopLogger()
	}
}

func (c *Config) validate() error {
	if c.ID == 0 {
		return errors.New("raft: node id must be non-zero")
	}
	if !slices.Contains(c.Members, c.ID) {
		return fmt.Errorf("raft: node %d is not in members %v", c.ID, c.Members)
	}
	seen := make(map[transport.NodeID]bool, len(c.Members))
	for _, m := range c.Members {
		if m == 0 {
			return errors.New("raft: member id must be non-zero")
		}
		if seen[m] {
			return fmt.Errorf("raft: duplicate member %d", m)
		}
		seen[m] = true
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		return fmt.Errorf("raft: heartbeat interval %s must be below election timeout %s", c.HeartbeatInterval, c.ElectionTimeout)
	}
	return nil
}

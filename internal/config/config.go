package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	pebblestore "github.com/rzbill/raftlog/internal/storage/pebble"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// Duration is a time.Duration that reads and writes as "500ms", "2s", ...
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// NodeID identifies this process among Members.
	NodeID uint64 `json:"nodeId" yaml:"nodeId"`
	// Members maps every node id, this one included, to its raft address.
	Members map[uint64]string `json:"members" yaml:"members"`
	// Partitions is the number of independent raft groups, numbered from 1.
	Partitions    int      `json:"partitions" yaml:"partitions"`
	DataDir       string   `json:"dataDir" yaml:"dataDir"`
	Fsync         string   `json:"fsync" yaml:"fsync"`
	FsyncInterval Duration `json:"fsyncInterval" yaml:"fsyncInterval"`

	Raft     RaftConfig     `json:"raft" yaml:"raft"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	GRPCAddr string        `json:"grpcAddr" yaml:"grpcAddr"`
	HTTPAddr string        `json:"httpAddr" yaml:"httpAddr"`
	Log      logpkg.Config `json:"log" yaml:"log"`
}

// RaftConfig holds consensus timings.
type RaftConfig struct {
	ElectionTimeout    Duration `json:"electionTimeout" yaml:"electionTimeout"`
	HeartbeatInterval  Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	MaxAppendBatchSize int      `json:"maxAppendBatchSize" yaml:"maxAppendBatchSize"`
	MaxAppendBackoff   Duration `json:"maxAppendBackoff" yaml:"maxAppendBackoff"`
}

// StreamConfig bounds writers.
type StreamConfig struct {
	WriteBufferSize int `json:"writeBufferSize" yaml:"writeBufferSize"`
	MaxFragmentSize int `json:"maxFragmentSize" yaml:"maxFragmentSize"`
}

// SnapshotConfig schedules snapshots and compaction.
type SnapshotConfig struct {
	Interval        Duration `json:"interval" yaml:"interval"`
	Threshold       uint64   `json:"threshold" yaml:"threshold"`
	CompletionDelay Duration `json:"completionDelay" yaml:"completionDelay"`
	CompactDelay    Duration `json:"compactDelay" yaml:"compactDelay"`
}

// Default returns built-in defaults: a single node cluster with one partition.
// Logging samples repeated messages, such as replication failures to a down
// peer, after the first ten.
func Default() Config {
	return Config{
		NodeID:        1,
		Members:       map[uint64]string{1: "127.0.0.1:7070"},
		Partitions:    1,
		DataDir:       DefaultDataDir(),
		Fsync:         "always",
		FsyncInterval: Duration(5 * time.Millisecond),
		Raft: RaftConfig{
			ElectionTimeout:    Duration(500 * time.Millisecond),
			HeartbeatInterval:  Duration(100 * time.Millisecond),
			MaxAppendBatchSize: 256,
			MaxAppendBackoff:   Duration(5 * time.Second),
		},
		Stream: StreamConfig{
			WriteBufferSize: 64,
			MaxFragmentSize: 4 << 20,
		},
		Snapshot: SnapshotConfig{
			Interval:        Duration(time.Minute),
			Threshold:       100000,
			CompletionDelay: 0,
			CompactDelay:    Duration(10 * time.Second),
		},
		GRPCAddr: "127.0.0.1:7070",
		HTTPAddr: "127.0.0.1:7080",
		Log:      logpkg.Config{Level: "info", Format: "text", SampleInitial: 10, SampleThereafter: 100},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	// Members from the file replace the default membership rather than
	// merging into it.
	defaults := cfg.Members
	cfg.Members = nil
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if cfg.Members == nil {
		cfg.Members = defaults
	}
	return cfg, nil
}

// FsyncMode parses the Fsync field.
func (c Config) FsyncMode() (pebblestore.FsyncMode, error) {
	return pebblestore.ParseFsyncMode(c.Fsync)
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if c.NodeID == 0 {
		return errors.New("config: nodeId must be non-zero")
	}
	if _, ok := c.Members[c.NodeID]; !ok {
		return fmt.Errorf("config: node %d is not in members", c.NodeID)
	}
	for id, addr := range c.Members {
		if id == 0 || addr == "" {
			return fmt.Errorf("config: member %d has no address", id)
		}
	}
	if c.Partitions < 1 {
		return errors.New("config: partitions must be at least 1")
	}
	if c.DataDir == "" {
		return errors.New("config: dataDir is required")
	}
	if _, err := c.FsyncMode(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Raft.ElectionTimeout <= 0 || c.Raft.HeartbeatInterval <= 0 {
		return errors.New("config: raft timings must be positive")
	}
	if c.Raft.HeartbeatInterval >= c.Raft.ElectionTimeout {
		return errors.New("config: heartbeatInterval must be below electionTimeout")
	}
	if c.Stream.WriteBufferSize < 0 || c.Stream.MaxFragmentSize < 0 {
		return errors.New("config: stream sizes must not be negative")
	}
	if _, err := logpkg.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Log.SampleInitial < 0 || c.Log.SampleThereafter < 0 {
		return errors.New("config: log sampling must not be negative")
	}
	return nil
}

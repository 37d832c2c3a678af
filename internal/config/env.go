package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays RAFTLOG_* environment variables onto cfg. Malformed
// values are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("RAFTLOG_NODE_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.NodeID = n
		}
	}
	// RAFTLOG_MEMBERS=1=10.0.0.1:7070,2=10.0.0.2:7070
	if v := os.Getenv("RAFTLOG_MEMBERS"); v != "" {
		if members, ok := parseMembers(v); ok {
			cfg.Members = members
		}
	}
	if v := os.Getenv("RAFTLOG_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Partitions = n
		}
	}
	if v := os.Getenv("RAFTLOG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RAFTLOG_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	envDuration("RAFTLOG_FSYNC_INTERVAL", &cfg.FsyncInterval)
	envDuration("RAFTLOG_ELECTION_TIMEOUT", &cfg.Raft.ElectionTimeout)
	envDuration("RAFTLOG_HEARTBEAT_INTERVAL", &cfg.Raft.HeartbeatInterval)
	if v := os.Getenv("RAFTLOG_MAX_APPEND_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Raft.MaxAppendBatchSize = n
		}
	}
	envDuration("RAFTLOG_MAX_APPEND_BACKOFF", &cfg.Raft.MaxAppendBackoff)
	if v := os.Getenv("RAFTLOG_WRITE_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.WriteBufferSize = n
		}
	}
	if v := os.Getenv("RAFTLOG_MAX_FRAGMENT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.MaxFragmentSize = n
		}
	}
	envDuration("RAFTLOG_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	if v := os.Getenv("RAFTLOG_SNAPSHOT_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Snapshot.Threshold = n
		}
	}
	envDuration("RAFTLOG_SNAPSHOT_COMPLETION_DELAY", &cfg.Snapshot.CompletionDelay)
	envDuration("RAFTLOG_COMPACT_DELAY", &cfg.Snapshot.CompactDelay)
	if v := os.Getenv("RAFTLOG_GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("RAFTLOG_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("RAFTLOG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RAFTLOG_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	// RAFTLOG_LOG_REDACT_KEYS=address,peer
	if v := os.Getenv("RAFTLOG_LOG_REDACT_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.Log.RedactKeys = keys
	}
	// RAFTLOG_LOG_SAMPLING=10/100 logs the first 10 of each message, then
	// every 100th. 0/0 disables sampling.
	if v := os.Getenv("RAFTLOG_LOG_SAMPLING"); v != "" {
		if initial, thereafter, ok := parseSampling(v); ok {
			cfg.Log.SampleInitial, cfg.Log.SampleThereafter = initial, thereafter
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// ParseMembers parses "id=addr,id=addr" as used by RAFTLOG_MEMBERS and the
// --members flag.
func ParseMembers(s string) (map[uint64]string, error) {
	members, ok := parseMembers(s)
	if !ok {
		return nil, &MembersError{Value: s}
	}
	return members, nil
}

// MembersError reports an unparsable member list.
type MembersError struct{ Value string }

func (e *MembersError) Error() string {
	return "config: members must look like 1=host:port,2=host:port, got " + strconv.Quote(e.Value)
}

func parseMembers(s string) (map[uint64]string, bool) {
	members := make(map[uint64]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, found := strings.Cut(part, "=")
		if !found {
			return nil, false
		}
		n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil || n == 0 || strings.TrimSpace(addr) == "" {
			return nil, false
		}
		members[n] = strings.TrimSpace(addr)
	}
	return members, len(members) > 0
}

func parseSampling(v string) (initial, thereafter int, ok bool) {
	a, b, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	i, err1 := strconv.Atoi(strings.TrimSpace(a))
	n, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || i < 0 || n < 0 {
		return 0, 0, false
	}
	return i, n, true
}

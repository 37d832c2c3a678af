package runtime

import (
	"sync/atomic"
	"time"
)

// StorageMetrics counts pebble activity. It implements
// pebblestore.MetricsHook.
type StorageMetrics struct {
	writes        atomic.Uint64
	writeBytes    atomic.Uint64
	reads         atomic.Uint64
	readBytes     atomic.Uint64
	commits       atomic.Uint64
	commitOps     atomic.Uint64
	commitNanos   atomic.Uint64
	maxCommitNano atomic.Uint64
}

// StorageStats is a snapshot of StorageMetrics.
type StorageStats struct {
	Writes         uint64        `json:"writes"`
	WriteBytes     uint64        `json:"writeBytes"`
	Reads          uint64        `json:"reads"`
	ReadBytes      uint64        `json:"readBytes"`
	BatchCommits   uint64        `json:"batchCommits"`
	BatchOps       uint64        `json:"batchOps"`
	MeanCommit     time.Duration `json:"meanCommitNanos"`
	MaxCommit      time.Duration `json:"maxCommitNanos"`
	DiskUsageBytes uint64        `json:"diskUsageBytes"`
}

func (m *StorageMetrics) ObserveWrite(_ time.Duration, bytes int) {
	m.writes.Add(1)
	m.writeBytes.Add(uint64(bytes))
}

func (m *StorageMetrics) ObserveRead(_ time.Duration, bytes int) {
	m.reads.Add(1)
	m.readBytes.Add(uint64(bytes))
}

func (m *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	m.commits.Add(1)
	m.commitOps.Add(uint64(numOps))
	m.writeBytes.Add(uint64(bytes))
	ns := uint64(elapsed.Nanoseconds())
	m.commitNanos.Add(ns)
	for {
		cur := m.maxCommitNano.Load()
		if ns <= cur || m.maxCommitNano.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// Snapshot returns the current counters.
func (m *StorageMetrics) Snapshot() StorageStats {
	st := StorageStats{
		Writes:       m.writes.Load(),
		WriteBytes:   m.writeBytes.Load(),
		Reads:        m.reads.Load(),
		ReadBytes:    m.readBytes.Load(),
		BatchCommits: m.commits.Load(),
		BatchOps:     m.commitOps.Load(),
		MaxCommit:    time.Duration(m.maxCommitNano.Load()),
	}
	if st.BatchCommits > 0 {
		st.MeanCommit = time.Duration(m.commitNanos.Load() / st.BatchCommits)
	}
	return st
}

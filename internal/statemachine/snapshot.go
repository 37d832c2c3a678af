package statemachine

import (
	"bytes"
	"fmt"

	"github.com/rzbill/raftlog/internal/raft"
	logpkg "github.com/rzbill/raftlog/pkg/log"
)

var _ raft.SnapshotHandler = (*Manager)(nil)

// recover restores the newest snapshot that passes its checksum. Corrupt
// snapshots are counted and skipped.
func (m *Manager) recover() error {
	metas, err := m.store.List()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(metas) - 1; i >= 0; i-- {
		meta := metas[i]
		data, err := m.store.ReadAll(meta)
		if err != nil {
			m.corrupt.Add(1)
			m.logger.Error("skipping unusable snapshot",
				logpkg.Uint64("index", meta.Index), logpkg.Str("path", meta.Path), logpkg.Err(err))
			continue
		}
		if err := m.app.Restore(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("statemachine: restore snapshot %d: %w", meta.Index, err)
		}
		m.resetBoundary(meta.Index, meta.Term)
		m.logger.Info("restored snapshot", logpkg.Uint64("index", meta.Index), logpkg.Uint64("term", meta.Term))
		break
	}
	if first := m.node.Storage().FirstIndex(); m.applied.Load()+1 < first {
		return fmt.Errorf("%w: log starts at %d but state covers only %d", ErrInvariant, first, m.applied.Load())
	}
	return nil
}

// LatestSnapshot returns the newest readable snapshot for replication to a
// lagging follower.
func (m *Manager) LatestSnapshot() (raft.Snapshot, bool, error) {
	metas, err := m.store.List()
	if err != nil || len(metas) == 0 {
		return raft.Snapshot{}, false, err
	}
	meta := metas[len(metas)-1]
	data, err := m.store.ReadAll(meta)
	if err != nil {
		m.corrupt.Add(1)
		return raft.Snapshot{}, false, err
	}
	return raft.Snapshot{Index: meta.Index, Term: meta.Term, Data: data}, true, nil
}

// InstallSnapshot persists a leader's snapshot, restores it and moves the
// apply position past it.
func (m *Manager) InstallSnapshot(s raft.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	if s.Index <= m.applied.Load() {
		return nil
	}
	if _, err := m.store.Save(s.Index, s.Term, s.Data); err != nil {
		return err
	}
	if err := m.app.Restore(bytes.NewReader(s.Data)); err != nil {
		return fmt.Errorf("statemachine: restore snapshot %d: %w", s.Index, err)
	}
	m.resetBoundary(s.Index, s.Term)
	if m.reader != nil {
		m.reader.Seek(int64(s.Index + 1))
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
	m.logger.Info("installed snapshot from leader", logpkg.Uint64("index", s.Index), logpkg.Uint64("term", s.Term))
	return nil
}

package statemachine

import (
	"context"
	"fmt"
	"time"

	logpkg "github.com/rzbill/raftlog/pkg/log"
)

// cycle is one snapshot-then-compact run. At most one is in flight.
type cycle struct {
	done chan struct{}
	err  error
}

func doneCycle(err error) *cycle {
	c := &cycle{done: make(chan struct{}), err: err}
	close(c.done)
	return c
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	defer m.wg.Done()
	var tick <-chan time.Time
	if m.opts.SnapshotInterval > 0 {
		t := time.NewTicker(m.opts.SnapshotInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-m.trigger:
		}
		m.startCycle(ctx, false)
	}
}

// Compact takes a snapshot at the compactable boundary and compacts the log
// below it without waiting for the configured delays. If a cycle is already
// running it waits for that one instead.
func (m *Manager) Compact(ctx context.Context) error {
	c := m.startCycle(ctx, true)
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) startCycle(ctx context.Context, force bool) *cycle {
	if err := m.Err(); err != nil {
		return doneCycle(fmt.Errorf("%w: %w", ErrHalted, err))
	}
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	if m.inflight != nil {
		return m.inflight
	}
	if idx, _ := m.Compactable(); idx == 0 || idx <= m.lastCompacted {
		return doneCycle(nil)
	}
	c := &cycle{done: make(chan struct{})}
	m.inflight = c
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		idx, err := m.snapshotAndCompact(ctx, force)
		m.cycleMu.Lock()
		m.inflight = nil
		if err == nil && idx > m.lastCompacted {
			m.lastCompacted = idx
		}
		m.cycleMu.Unlock()
		if err != nil {
			m.logger.Warn("snapshot cycle failed, retrying next cycle", logpkg.Err(err))
		}
		c.err = err
		close(c.done)
	}()
	return c
}

func (m *Manager) snapshotAndCompact(ctx context.Context, force bool) (uint64, error) {
	start := time.Now()

	// The boundary is read under the application lock so the snapshot's tag
	// matches the state written.
	m.mu.Lock()
	idx, term := m.Compactable()
	t, err := m.store.NewTransient(idx, term)
	if err != nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("statemachine: snapshot %d: %w", idx, err)
	}
	err = m.app.Snapshot(t)
	m.mu.Unlock()
	if err != nil {
		t.Abort()
		return 0, fmt.Errorf("statemachine: snapshot %d: %w", idx, err)
	}

	if !force {
		if err := sleep(ctx, m.opts.SnapshotCompletionDelay); err != nil {
			t.Abort()
			return 0, err
		}
	}
	meta, err := t.Persist()
	if err != nil {
		return 0, fmt.Errorf("statemachine: persist snapshot %d: %w", idx, err)
	}
	m.lastSnapAt.Store(meta.Index)
	m.logger.Info("snapshot taken",
		logpkg.Uint64("index", meta.Index), logpkg.Uint64("term", meta.Term),
		logpkg.Int64("size", meta.Size), logpkg.Duration("took", time.Since(start)))

	if !force {
		if err := sleep(ctx, m.opts.CompactDelay); err != nil {
			return 0, err
		}
	}
	if err := m.node.Compact(ctx, meta.Index); err != nil {
		return 0, fmt.Errorf("statemachine: compact below %d: %w", meta.Index, err)
	}
	return meta.Index, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

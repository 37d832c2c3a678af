package runtime

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/rzbill/raftlog/internal/record"
	"github.com/rzbill/raftlog/internal/statemachine"
)

// KeyIndex is the default application: it maps every record key to the
// position of the latest record carrying it. Records without a key are
// counted but not indexed.
type KeyIndex struct {
	mu    sync.RWMutex
	state keyIndexState
}

type keyIndexState struct {
	Keys     map[int64]int64 `json:"keys"`
	Records  uint64          `json:"records"`
	LastSeen int64           `json:"lastSeen"`
}

// NewKeyIndex returns an empty index.
func NewKeyIndex() *KeyIndex {
	return &KeyIndex{state: keyIndexState{Keys: map[int64]int64{}}}
}

// Handlers indexes every application record.
func (k *KeyIndex) Handlers() map[record.ValueType]statemachine.Handler {
	return map[record.ValueType]statemachine.Handler{record.ValueTypeApplication: k.apply}
}

func (k *KeyIndex) apply(r record.Record) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state.Records++
	k.state.LastSeen = r.Position
	if r.Key != record.NoKey {
		k.state.Keys[r.Key] = r.Position
	}
	return nil
}

// Lookup returns the position of the latest record with key.
func (k *KeyIndex) Lookup(key int64) (int64, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pos, ok := k.state.Keys[key]
	return pos, ok
}

// Len returns the number of indexed keys.
func (k *KeyIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.state.Keys)
}

func (k *KeyIndex) Snapshot(w io.Writer) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return json.NewEncoder(w).Encode(k.state)
}

func (k *KeyIndex) Restore(r io.Reader) error {
	var st keyIndexState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return err
	}
	if st.Keys == nil {
		st.Keys = map[int64]int64{}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = st
	return nil
}

package snapshot

import (
	"context"
	"sync"
)

// Memory is an in-memory snapshot store. Data survives Close so tests can
// simulate a process restart by reopening a metadata store over the same
// instance.
type Memory struct {
	mu      sync.Mutex
	state   *State
	applies int
}

// NewMemory returns an empty in-memory snapshot store.
func NewMemory() *Memory {
	return &Memory{state: NewState()}
}

// LoadAll returns a deep copy of the current contents.
func (m *Memory) LoadAll(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := NewState()
	for _, ks := range []Keyspace{KeyspaceDocuments, KeyspaceFolders, KeyspaceMutations, KeyspaceMeta} {
		dst := out.keyspace(ks)
		for k, v := range m.state.keyspace(ks) {
			dst[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// Apply applies the batch to the in-memory maps.
func (m *Memory) Apply(_ context.Context, batch []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range batch {
		ks := m.state.keyspace(rec.Keyspace)
		if rec.Value == nil {
			delete(ks, rec.Key)
			continue
		}
		ks[rec.Key] = append([]byte(nil), rec.Value...)
	}
	m.applies++
	return nil
}

// Applies reports how many batches have been applied.
func (m *Memory) Applies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applies
}

// Close is a no-op; contents are kept for reopening.
func (m *Memory) Close() error { return nil }

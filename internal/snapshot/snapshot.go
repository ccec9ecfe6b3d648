// Package snapshot defines the durable key-value snapshot behind the metadata
// store: read-all-on-startup, write-batch-on-mutation.
package snapshot

import "context"

// Keyspace partitions the snapshot into independent key-value namespaces.
type Keyspace string

const (
	KeyspaceDocuments Keyspace = "documents"
	KeyspaceFolders   Keyspace = "folders"
	KeyspaceMutations Keyspace = "mutations"
	KeyspaceMeta      Keyspace = "meta"
)

// Record is one upsert (Value != nil) or delete (Value == nil) in a batch.
type Record struct {
	Keyspace Keyspace
	Key      string
	Value    []byte
}

// State is the full snapshot contents read at startup.
type State struct {
	Documents map[string][]byte
	Folders   map[string][]byte
	Mutations map[string][]byte
	Meta      map[string][]byte
}

// NewState returns an empty state with all keyspaces allocated.
func NewState() *State {
	return &State{
		Documents: map[string][]byte{},
		Folders:   map[string][]byte{},
		Mutations: map[string][]byte{},
		Meta:      map[string][]byte{},
	}
}

func (s *State) keyspace(ks Keyspace) map[string][]byte {
	switch ks {
	case KeyspaceDocuments:
		return s.Documents
	case KeyspaceFolders:
		return s.Folders
	case KeyspaceMutations:
		return s.Mutations
	default:
		return s.Meta
	}
}

// Store is the persistence primitive. Batches must be applied atomically and
// in the order they are handed over; LoadAll after a crash returns the state
// as of the last fully applied batch.
type Store interface {
	// LoadAll reads the entire snapshot. Called once at startup.
	LoadAll(ctx context.Context) (*State, error)
	// Apply writes one batch atomically.
	Apply(ctx context.Context, batch []Record) error
	// Close releases underlying resources.
	Close() error
}

// Package store implements the document metadata store: the authoritative
// in-memory index of documents and folders, backed by a durable snapshot and
// feeding the mutation queue.
//
// Every mutating operation is synchronous and touches neither disk nor
// network inline: it updates the index, appends to the queue and stages a
// snapshot batch in one critical section, so the caller observes its own edit
// immediately. A background flusher makes staged batches durable in the order
// they were produced.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/blobstore"
	"scanbox/internal/errs"
	"scanbox/internal/model"
	"scanbox/internal/queue"
	"scanbox/internal/snapshot"
)

const metaNextSeq = "next_seq"

// EventKind classifies store change notifications.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventUpdated   EventKind = "updated"
	EventDeleted   EventKind = "deleted"
	EventSyncState EventKind = "syncState"
)

// Event is one entry of the subscribable change stream.
type Event struct {
	Kind       EventKind
	TargetType model.TargetType
	TargetID   string
	SyncState  model.SyncState
}

// Config collects the store's injected collaborators.
type Config struct {
	Snapshot snapshot.Store
	Blobs    *blobstore.Store
	Logger   *zap.Logger
	Now      func() time.Time // defaults to time.Now
}

// Store is the single long-lived metadata store instance. Construct once at
// process start with Open and tear down with Close.
type Store struct {
	mu      sync.Mutex
	docs    map[string]*model.Document
	folders map[string]*model.Folder
	q       *queue.Queue

	snap  snapshot.Store
	blobs *blobstore.Store
	log   *zap.Logger
	now   func() time.Time

	pending []snapshot.Record
	flushMu sync.Mutex
	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool

	subs     map[int]chan Event
	nextSub  int
	enqueued chan struct{}
}

// Open loads the snapshot, rebuilds the index and queue, and starts the
// snapshot flusher.
func (c Config) validate() error {
	if c.Snapshot == nil {
		return fmt.Errorf("store: nil snapshot")
	}
	if c.Blobs == nil {
		return fmt.Errorf("store: nil blob store")
	}
	return nil
}

// Open constructs the store from a durable snapshot.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	st, err := cfg.Snapshot.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot: %w", err)
	}

	s := &Store{
		docs:     map[string]*model.Document{},
		folders:  map[string]*model.Folder{},
		q:        queue.New(),
		snap:     cfg.Snapshot,
		blobs:    cfg.Blobs,
		log:      cfg.Logger,
		now:      cfg.Now,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		subs:     map[int]chan Event{},
		enqueued: make(chan struct{}, 1),
	}

	for id, raw := range st.Documents {
		var d model.Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("store: decode document %s: %w", id, err)
		}
		s.docs[id] = &d
	}
	for id, raw := range st.Folders {
		var f model.Folder
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("store: decode folder %s: %w", id, err)
		}
		s.folders[id] = &f
	}
	var muts []*model.Mutation
	for key, raw := range st.Mutations {
		var m model.Mutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("store: decode mutation %s: %w", key, err)
		}
		muts = append(muts, &m)
	}
	var nextSeq int64
	if raw, ok := st.Meta[metaNextSeq]; ok {
		nextSeq, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	s.q.Restore(muts, nextSeq)

	s.wg.Add(1)
	go s.flusher()

	s.log.Info("store opened",
		zap.Int("documents", len(s.docs)),
		zap.Int("folders", len(s.folders)),
		zap.Int("pendingMutations", s.q.Len()),
	)
	return s, nil
}

// Close flushes staged batches and closes the snapshot.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrClosed
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.flushPending()
	return s.snap.Close()
}

// Flush forces staged batches to durable storage. Tests and shutdown paths
// use it; normal operation relies on the trailing flusher.
func (s *Store) Flush() {
	s.flushPending()
}

func (s *Store) flusher() {
	defer s.wg.Done()
	for {
		select {
		case <-s.flushCh:
			s.flushPending()
		case <-s.done:
			return
		}
	}
}

// flushPending applies the staged batch. flushMu keeps batches in the order
// they were taken even when Flush races the background flusher.
func (s *Store) flushPending() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.snap.Apply(context.Background(), batch); err != nil {
		// a failed snapshot write must not lose the records
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		s.log.Error("snapshot apply failed", zap.Int("records", len(batch)), zap.Error(err))
	}
}

// --- staging helpers; all called with s.mu held ---

func (s *Store) stage(rec snapshot.Record) {
	s.pending = append(s.pending, rec)
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) stageDocument(d *model.Document) {
	raw, err := json.Marshal(d)
	if err != nil {
		s.log.Error("encode document", zap.String("id", d.ID), zap.Error(err))
		return
	}
	s.stage(snapshot.Record{Keyspace: snapshot.KeyspaceDocuments, Key: d.ID, Value: raw})
}

func (s *Store) stageDocumentDelete(id string) {
	s.stage(snapshot.Record{Keyspace: snapshot.KeyspaceDocuments, Key: id})
}

func (s *Store) stageFolder(f *model.Folder) {
	raw, err := json.Marshal(f)
	if err != nil {
		s.log.Error("encode folder", zap.String("id", f.ID), zap.Error(err))
		return
	}
	s.stage(snapshot.Record{Keyspace: snapshot.KeyspaceFolders, Key: f.ID, Value: raw})
}

func (s *Store) stageFolderDelete(id string) {
	s.stage(snapshot.Record{Keyspace: snapshot.KeyspaceFolders, Key: id})
}

func mutKey(seq int64) string { return strconv.FormatInt(seq, 10) }

func (s *Store) stageMutation(m *model.Mutation) {
	raw, err := json.Marshal(m)
	if err != nil {
		s.log.Error("encode mutation", zap.Int64("seq", m.Seq), zap.Error(err))
		return
	}
	s.stage(snapshot.Record{Keyspace: snapshot.KeyspaceMutations, Key: mutKey(m.Seq), Value: raw})
}

func (s *Store) stageMutationDelete(seq int64) {
	s.stage(snapshot.Record{Keyspace: snapshot.KeyspaceMutations, Key: mutKey(seq)})
}

func (s *Store) stageNextSeq() {
	v := strconv.FormatInt(s.q.NextSeq(), 10)
	s.stage(snapshot.Record{Keyspace: snapshot.KeyspaceMeta, Key: metaNextSeq, Value: []byte(v)})
}

// --- events ---

// Subscribe returns a change stream and a cancel function. Slow subscribers
// drop events rather than block mutations.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// publish must be called with s.mu held.
func (s *Store) publish(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("event dropped", zap.String("target", ev.TargetID))
		}
	}
}

// Enqueued signals that new mutations were appended while the process runs.
// The sync engine uses it as its enqueue-while-reachable drain trigger.
func (s *Store) Enqueued() <-chan struct{} { return s.enqueued }

// notifyEnqueue must be called with s.mu held.
func (s *Store) notifyEnqueue() {
	select {
	case s.enqueued <- struct{}{}:
	default:
	}
}

// QueueLen reports the number of live queue entries.
func (s *Store) QueueLen() int { return s.q.Len() }

// PendingMutations returns a copy of the live queue, ordered by sequence.
func (s *Store) PendingMutations() []*model.Mutation { return s.q.Entries() }

// releaseBlobs deletes blob files for keys whose owning mutation is resolved.
// Blob deletion is idempotent, so replays after a crash are harmless.
func (s *Store) releaseBlobs(keys []string) {
	for _, key := range keys {
		if err := s.blobs.Delete(key); err != nil {
			s.log.Warn("release blob", zap.String("key", key), zap.Error(err))
		}
	}
}

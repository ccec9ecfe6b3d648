// Package queue holds the ordered log of pending local mutations.
//
// The queue is a passive in-memory structure: the metadata store owns it,
// appends to it synchronously with every local edit and mirrors every change
// into the durable snapshot. Entries leave the queue only through the sync
// engine's confirm/terminal-fail paths, through supersession at claim time, or
// through local cancellation of a create that never reached the backend.
package queue

import (
	"sort"
	"sync"

	"scanbox/internal/model"
)

type target struct {
	typ model.TargetType
	id  string
}

// Queue is the pending-mutation log with per-target claim semantics.
type Queue struct {
	mu       sync.Mutex
	entries  map[int64]*model.Mutation
	nextSeq  int64
	inFlight map[target]int64 // at most one claimed seq per target
}

// New returns an empty queue with sequence numbers starting at 1.
func New() *Queue {
	return &Queue{
		entries:  map[int64]*model.Mutation{},
		nextSeq:  1,
		inFlight: map[target]int64{},
	}
}

// Restore reloads persisted entries after a restart. Entries that were
// in flight when the process died revert to queued; their outcome is unknown
// and the backend treats replays idempotently.
func (q *Queue) Restore(entries []*model.Mutation, nextSeq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range entries {
		cp := m.Clone()
		if cp.State == model.MutInFlight {
			cp.State = model.MutQueued
		}
		q.entries[cp.Seq] = cp
		if cp.Seq >= q.nextSeq {
			q.nextSeq = cp.Seq + 1
		}
	}
	if nextSeq > q.nextSeq {
		q.nextSeq = nextSeq
	}
}

// Append assigns the next sequence number and enqueues the mutation.
func (q *Queue) Append(m *model.Mutation) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	m.Seq = q.nextSeq
	q.nextSeq++
	m.State = model.MutQueued
	q.entries[m.Seq] = m.Clone()
	return m.Seq
}

// NextSeq returns the sequence number the next Append will use.
func (q *Queue) NextSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextSeq
}

// sortedTargetSeqs returns the seqs of queued entries for one target, ascending.
func (q *Queue) sortedTargetSeqs(tgt target) []int64 {
	var seqs []int64
	for seq, m := range q.entries {
		if m.TargetType == tgt.typ && m.TargetID == tgt.id && m.State == model.MutQueued {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// PendingTargets lists targets that have queued work and nothing in flight.
// Order across targets is unspecified; there is no cross-target ordering rule.
func (q *Queue) PendingTargets() []model.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := map[target]bool{}
	var out []model.Mutation
	for _, m := range q.entries {
		tgt := target{m.TargetType, m.TargetID}
		if m.State != model.MutQueued || seen[tgt] {
			continue
		}
		seen[tgt] = true
		if _, busy := q.inFlight[tgt]; busy {
			continue
		}
		out = append(out, model.Mutation{TargetType: m.TargetType, TargetID: m.TargetID})
	}
	return out
}

// Claim coalesces the target's queued entries into one mutation to send and
// marks it in flight. Stale intermediate entries become superseded and are
// dropped, with their release keys folded into the survivor. A delete always
// wins over pending updates for the same target. Returns false when there is
// nothing to claim or the target already has an entry in flight.
//
// Claim may be called from any number of concurrent drains; the in-flight
// gate guarantees the same mutation is never handed out twice. The superseded
// sequence numbers are returned so the owner can erase them durably.
func (q *Queue) Claim(typ model.TargetType, id string) (*model.Mutation, []int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tgt := target{typ, id}
	if _, busy := q.inFlight[tgt]; busy {
		return nil, nil, false
	}
	seqs := q.sortedTargetSeqs(tgt)
	if len(seqs) == 0 {
		return nil, nil, false
	}

	// pick the survivor: a delete beats everything, a create keeps the
	// earliest slot (its payload is rebuilt from current state at send
	// time), otherwise the newest update wins
	survivorSeq := seqs[len(seqs)-1]
pick:
	for _, seq := range seqs {
		switch q.entries[seq].Op {
		case model.OpDelete:
			survivorSeq = seq
			break pick
		case model.OpCreate:
			survivorSeq = seq
		}
	}

	survivor := q.entries[survivorSeq]
	var superseded []int64
	for _, seq := range seqs {
		if seq == survivorSeq {
			continue
		}
		m := q.entries[seq]
		survivor.ReleaseKeys = append(survivor.ReleaseKeys, m.ReleaseKeys...)
		if m.LocalRevision > survivor.LocalRevision {
			survivor.LocalRevision = m.LocalRevision
		}
		// a move coalesced with a field update must ship the full state
		if survivor.Op == model.OpMove && m.Op == model.OpUpdate {
			survivor.Op = model.OpUpdate
		}
		m.State = model.MutSuperseded
		delete(q.entries, seq)
		superseded = append(superseded, seq)
	}

	survivor.State = model.MutInFlight
	q.inFlight[tgt] = survivorSeq
	return survivor.Clone(), superseded, true
}

// Confirm removes a confirmed in-flight entry and returns it (release keys
// included) so the store can finish blob garbage collection.
func (q *Queue) Confirm(seq int64) (*model.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.entries[seq]
	if !ok || m.State != model.MutInFlight {
		return nil, false
	}
	delete(q.inFlight, target{m.TargetType, m.TargetID})
	delete(q.entries, seq)
	m.State = model.MutConfirmed
	return m, true
}

// Release returns a failed-retryable entry to the queued state, recording the
// error. countAttempt is false for failures observed while the backend was
// unreachable; only counted attempts spend the give-up limit.
func (q *Queue) Release(seq int64, lastError string, countAttempt bool) (*model.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.entries[seq]
	if !ok || m.State != model.MutInFlight {
		return nil, false
	}
	delete(q.inFlight, target{m.TargetType, m.TargetID})
	m.State = model.MutQueued
	if countAttempt {
		m.AttemptCount++
	}
	m.LastError = lastError
	return m.Clone(), true
}

// Terminate removes an entry the backend rejected deterministically. The
// entry leaves the auto-retry queue; the document surfaces the error.
func (q *Queue) Terminate(seq int64, lastError string) (*model.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.entries[seq]
	if !ok || m.State != model.MutInFlight {
		return nil, false
	}
	delete(q.inFlight, target{m.TargetType, m.TargetID})
	delete(q.entries, seq)
	m.State = model.MutFailedTerminal
	m.LastError = lastError
	return m, true
}

// CancelTarget removes every queued entry for a target that never reached the
// backend (create-then-delete collapse). Fails when an entry is in flight.
// Returns the merged release keys so blobs can be freed immediately.
func (q *Queue) CancelTarget(typ model.TargetType, id string) (releaseKeys []string, removed []int64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tgt := target{typ, id}
	if _, busy := q.inFlight[tgt]; busy {
		return nil, nil, false
	}
	for _, seq := range q.sortedTargetSeqs(tgt) {
		m := q.entries[seq]
		releaseKeys = append(releaseKeys, m.ReleaseKeys...)
		removed = append(removed, seq)
		delete(q.entries, seq)
	}
	return releaseKeys, removed, true
}

// HasInFlight reports whether the target currently has a claimed entry.
func (q *Queue) HasInFlight(typ model.TargetType, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.inFlight[target{typ, id}]
	return busy
}

// HasPending reports whether the target has queued or in-flight work.
func (q *Queue) HasPending(typ model.TargetType, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[target{typ, id}]; busy {
		return true
	}
	for _, m := range q.entries {
		if m.TargetType == typ && m.TargetID == id && m.State == model.MutQueued {
			return true
		}
	}
	return false
}

// Len returns the number of live entries (queued plus in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of all live entries ordered by sequence.
func (q *Queue) Entries() []*model.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	seqs := make([]int64, 0, len(q.entries))
	for seq := range q.entries {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]*model.Mutation, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, q.entries[seq].Clone())
	}
	return out
}

// Get returns a copy of one entry by sequence.
func (q *Queue) Get(seq int64) (*model.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.entries[seq]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

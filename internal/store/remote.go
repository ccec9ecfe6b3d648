package store

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scanbox/internal/errs"
	"scanbox/internal/model"
)

// SyncView is the current state of a claim's target, captured at claim time
// so the engine sends the latest state rather than the state at enqueue.
type SyncView struct {
	Document *model.Document
	Folder   *model.Folder
	// Revision is the target's local revision at claim time; the engine
	// reports it back so a confirm can tell whether newer local edits
	// arrived while the request was in flight.
	Revision int64
}

// PendingTargets lists targets with queued work and nothing in flight.
func (s *Store) PendingTargets() []model.Mutation {
	return s.q.PendingTargets()
}

// ClaimMutation coalesces and claims the next mutation for a target. Only the
// sync engine calls this. Returns false when the target has nothing queued or
// already has an entry in flight.
func (s *Store) ClaimMutation(typ model.TargetType, id string) (*model.Mutation, *SyncView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, superseded, ok := s.q.Claim(typ, id)
	if !ok {
		return nil, nil, false
	}
	for _, seq := range superseded {
		s.stageMutationDelete(seq)
	}
	s.stageMutation(m)

	view := &SyncView{}
	switch typ {
	case model.TargetDocument:
		if d, ok := s.docs[id]; ok {
			view.Document = d.Clone()
			view.Revision = d.LocalRevision
		}
	case model.TargetFolder:
		if f, ok := s.folders[id]; ok {
			view.Folder = f.Clone()
			view.Revision = f.LocalRevision
		}
	}
	return m, view, true
}

// RemoteResult is the outcome of one remote attempt, fed back by the sync
// engine. A nil Err is a confirmation; otherwise Err classifies the failure
// via the errs sentinels and Conflict optionally carries the server's copy.
type RemoteResult struct {
	RemoteID     string
	UpdatedAt    time.Time
	SentRevision int64
	Err          error
	Conflict     *model.RemoteVersion
	// Offline marks a failure observed while the backend was unreachable;
	// such attempts do not count toward the give-up limit.
	Offline bool
}

// ApplyRemoteResult reconciles one in-flight mutation's outcome into the
// index and queue. Failures never reach the UI call path that created the
// mutation; they surface through the entity's sync state.
func (s *Store) ApplyRemoteResult(seq int64, res RemoteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.q.Get(seq)
	if !ok || entry.State != model.MutInFlight {
		return fmt.Errorf("store: mutation %d not in flight", seq)
	}

	switch {
	case res.Err == nil:
		s.applyConfirm(seq, res)
	case res.Conflict != nil || errors.Is(res.Err, errs.ErrConflict):
		s.applyTerminal(seq, res, true)
	case errors.Is(res.Err, errs.ErrTerminal):
		s.applyTerminal(seq, res, false)
	default:
		// anything unclassified is treated as retryable, never terminal
		s.applyRetryable(seq, res)
	}
	return nil
}

// applyConfirm must be called with s.mu held.
func (s *Store) applyConfirm(seq int64, res RemoteResult) {
	entry, ok := s.q.Confirm(seq)
	if !ok {
		return
	}
	s.stageMutationDelete(seq)

	releaseKeys := append([]string(nil), entry.ReleaseKeys...)

	switch entry.TargetType {
	case model.TargetDocument:
		d, exists := s.docs[entry.TargetID]
		if !exists {
			break
		}
		releaseKeys = append(releaseKeys, d.PendingReleaseKeys...)
		d.PendingReleaseKeys = nil

		if entry.Op == model.OpDelete {
			for _, p := range d.Pages {
				releaseKeys = append(releaseKeys, p.ImageKey)
			}
			delete(s.docs, d.ID)
			s.stageDocumentDelete(d.ID)
			s.publish(Event{Kind: EventDeleted, TargetType: model.TargetDocument, TargetID: d.ID})
			break
		}
		if res.RemoteID != "" {
			d.RemoteID = res.RemoteID
		}
		if !res.UpdatedAt.IsZero() {
			d.RemoteUpdatedAt = res.UpdatedAt
		}
		d.LastSyncError = ""
		if d.SyncState == model.StatePendingDelete {
			// a delete raced this request; the document stays hidden
			// and the queued delete now carries the remote id it needs
			s.stageDocument(d)
			break
		}
		if d.LocalRevision > res.SentRevision {
			// newer local edits raced the request; they are already queued
			d.SyncState = model.StatePendingUpdate
		} else {
			d.SyncState = model.StateSynced
		}
		s.stageDocument(d)
		s.publish(Event{Kind: EventSyncState, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})

	case model.TargetFolder:
		f, exists := s.folders[entry.TargetID]
		if !exists {
			break
		}
		if entry.Op == model.OpDelete {
			delete(s.folders, f.ID)
			s.stageFolderDelete(f.ID)
			s.publish(Event{Kind: EventDeleted, TargetType: model.TargetFolder, TargetID: f.ID})
			break
		}
		if res.RemoteID != "" {
			f.RemoteID = res.RemoteID
		}
		if !res.UpdatedAt.IsZero() {
			f.RemoteUpdatedAt = res.UpdatedAt
		}
		if f.SyncState == model.StatePendingDelete {
			s.stageFolder(f)
			break
		}
		if f.LocalRevision > res.SentRevision {
			f.SyncState = model.StatePendingUpdate
		} else {
			f.SyncState = model.StateSynced
		}
		s.stageFolder(f)
		s.publish(Event{Kind: EventSyncState, TargetType: model.TargetFolder, TargetID: f.ID, SyncState: f.SyncState})
	}

	s.releaseBlobs(dedupe(releaseKeys))
	s.log.Debug("mutation confirmed", zap.Int64("seq", seq), zap.String("target", entry.TargetID))
}

// applyRetryable must be called with s.mu held.
func (s *Store) applyRetryable(seq int64, res RemoteResult) {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	entry, ok := s.q.Release(seq, msg, !res.Offline)
	if !ok {
		return
	}
	s.stageMutation(entry)

	if entry.TargetType == model.TargetDocument {
		if d, exists := s.docs[entry.TargetID]; exists {
			d.LastSyncError = msg
			s.stageDocument(d)
			s.publish(Event{Kind: EventSyncState, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
		}
	}
	s.log.Debug("mutation requeued",
		zap.Int64("seq", seq),
		zap.Int("attempts", entry.AttemptCount),
		zap.String("error", msg),
	)
}

// applyTerminal must be called with s.mu held. Both deterministic rejections
// and LWW conflicts end here: the entry leaves the auto-retry queue and the
// entity is marked conflicted with every local field left untouched.
func (s *Store) applyTerminal(seq int64, res RemoteResult, conflict bool) {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}
	entry, ok := s.q.Terminate(seq, msg)
	if !ok {
		return
	}
	s.stageMutationDelete(seq)

	switch entry.TargetType {
	case model.TargetDocument:
		d, exists := s.docs[entry.TargetID]
		if !exists {
			break
		}
		d.SyncState = model.StateConflict
		d.LastSyncError = msg
		if conflict {
			d.Conflict = res.Conflict
		}
		// blobs referenced by the dead mutation stay parked until the
		// document next confirms or is removed
		d.PendingReleaseKeys = dedupe(append(d.PendingReleaseKeys, entry.ReleaseKeys...))
		s.stageDocument(d)
		s.publish(Event{Kind: EventSyncState, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})

	case model.TargetFolder:
		f, exists := s.folders[entry.TargetID]
		if !exists {
			break
		}
		f.SyncState = model.StateConflict
		s.stageFolder(f)
		s.publish(Event{Kind: EventSyncState, TargetType: model.TargetFolder, TargetID: f.ID, SyncState: f.SyncState})
	}

	s.log.Warn("mutation failed terminally",
		zap.Int64("seq", seq),
		zap.String("target", entry.TargetID),
		zap.Bool("conflict", conflict),
		zap.String("error", msg),
	)
}

// ResolveConflict applies the user's decision on a conflicted document.
// keepLocal re-queues the local state over the server's copy; otherwise the
// server's copy overwrites the conflicting metadata fields. Local page images
// are kept either way.
func (s *Store) ResolveConflict(id string, keepLocal bool) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, errs.ErrNotFound)
	}
	if d.SyncState != model.StateConflict {
		return nil, fmt.Errorf("store: document %s is not conflicted", id)
	}

	if keepLocal {
		if d.Conflict != nil && !d.Conflict.UpdatedAt.IsZero() {
			// accept the server's clock as the new LWW base so the
			// re-sent update wins
			d.RemoteUpdatedAt = d.Conflict.UpdatedAt
		}
		d.Conflict = nil
		d.LastSyncError = ""
		d.UpdatedAt = s.now()
		d.LocalRevision++
		if d.RemoteID == "" {
			d.SyncState = model.StatePendingCreate
			s.enqueueDoc(d, model.OpCreate, nil)
		} else {
			d.SyncState = model.StatePendingUpdate
			s.enqueueDoc(d, model.OpUpdate, nil)
		}
	} else {
		if d.Conflict != nil {
			d.Name = d.Conflict.Name
			d.FolderID = d.Conflict.FolderID
			d.Tags = append([]string(nil), d.Conflict.Tags...)
			d.RemoteUpdatedAt = d.Conflict.UpdatedAt
		}
		d.Conflict = nil
		d.LastSyncError = ""
		d.UpdatedAt = s.now()
		d.SyncState = model.StateSynced
		// nothing left to send; parked blobs can go now
		s.releaseBlobs(dedupe(d.PendingReleaseKeys))
		d.PendingReleaseKeys = nil
		if keys, removed, ok := s.q.CancelTarget(model.TargetDocument, d.ID); ok {
			s.releaseBlobs(dedupe(keys))
			for _, seq := range removed {
				s.stageMutationDelete(seq)
			}
		}
	}
	s.stageDocument(d)
	s.publish(Event{Kind: EventSyncState, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return d.Clone(), nil
}

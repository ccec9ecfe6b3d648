package store

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"scanbox/internal/errs"
	"scanbox/internal/model"
)

// enqueueFolder must be called with s.mu held.
func (s *Store) enqueueFolder(f *model.Folder, op model.Op) {
	m := &model.Mutation{
		TargetType:    model.TargetFolder,
		TargetID:      f.ID,
		Op:            op,
		LocalRevision: f.LocalRevision,
	}
	s.q.Append(m)
	s.stageMutation(m)
	s.stageNextSeq()
	s.notifyEnqueue()
}

// CreateFolder creates a folder; parentID may name one enclosing folder.
func (s *Store) CreateFolder(name, parentID string) (*model.Folder, error) {
	if name == "" {
		return nil, fmt.Errorf("store: empty folder name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	if parentID != "" {
		parent, ok := s.folders[parentID]
		if !ok || parent.SyncState == model.StatePendingDelete {
			return nil, fmt.Errorf("folder %s: %w", parentID, errs.ErrNotFound)
		}
		if parent.ParentID != "" {
			return nil, fmt.Errorf("store: folder nesting is limited to one level")
		}
	}

	now := s.now()
	f := &model.Folder{
		ID:            model.NewLocalID(),
		Name:          name,
		ParentID:      parentID,
		CreatedAt:     now,
		UpdatedAt:     now,
		SyncState:     model.StatePendingCreate,
		LocalRevision: 1,
	}
	s.folders[f.ID] = f
	s.enqueueFolder(f, model.OpCreate)
	s.stageFolder(f)
	s.publish(Event{Kind: EventCreated, TargetType: model.TargetFolder, TargetID: f.ID, SyncState: f.SyncState})
	return f.Clone(), nil
}

// RenameFolder changes the folder's user-visible name.
func (s *Store) RenameFolder(id, name string) (*model.Folder, error) {
	if name == "" {
		return nil, fmt.Errorf("store: empty folder name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	f, ok := s.folders[id]
	if !ok || f.SyncState == model.StatePendingDelete {
		return nil, fmt.Errorf("folder %s: %w", id, errs.ErrNotFound)
	}
	f.Name = name
	f.UpdatedAt = s.now()
	f.LocalRevision++
	if f.SyncState != model.StatePendingCreate {
		f.SyncState = model.StatePendingUpdate
	}
	s.enqueueFolder(f, model.OpUpdate)
	s.stageFolder(f)
	s.publish(Event{Kind: EventUpdated, TargetType: model.TargetFolder, TargetID: f.ID, SyncState: f.SyncState})
	return f.Clone(), nil
}

// DeleteFolder removes a folder. Documents inside it move to the root:
// deleting a container never destroys user documents. Child folders are
// reparented to the root for the same reason.
func (s *Store) DeleteFolder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrClosed
	}
	f, ok := s.folders[id]
	if !ok || f.SyncState == model.StatePendingDelete {
		return fmt.Errorf("folder %s: %w", id, errs.ErrNotFound)
	}

	for _, d := range s.docs {
		if d.FolderID != id || d.SyncState == model.StatePendingDelete {
			continue
		}
		d.FolderID = ""
		s.touch(d)
		s.enqueueDoc(d, model.OpMove, nil)
		s.stageDocument(d)
		s.publish(Event{Kind: EventUpdated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	}
	for _, child := range s.folders {
		if child.ParentID != id {
			continue
		}
		child.ParentID = ""
		child.UpdatedAt = s.now()
		child.LocalRevision++
		if child.SyncState != model.StatePendingCreate {
			child.SyncState = model.StatePendingUpdate
		}
		s.enqueueFolder(child, model.OpUpdate)
		s.stageFolder(child)
	}

	if f.SyncState == model.StatePendingCreate && !s.q.HasInFlight(model.TargetFolder, f.ID) {
		if _, removed, ok := s.q.CancelTarget(model.TargetFolder, f.ID); ok {
			delete(s.folders, f.ID)
			for _, seq := range removed {
				s.stageMutationDelete(seq)
			}
			s.stageFolderDelete(f.ID)
			s.publish(Event{Kind: EventDeleted, TargetType: model.TargetFolder, TargetID: f.ID})
			s.log.Debug("unsynced folder erased locally", zap.String("id", f.ID))
			return nil
		}
	}

	f.SyncState = model.StatePendingDelete
	f.UpdatedAt = s.now()
	f.LocalRevision++
	s.enqueueFolder(f, model.OpDelete)
	s.stageFolder(f)
	s.publish(Event{Kind: EventDeleted, TargetType: model.TargetFolder, TargetID: f.ID, SyncState: f.SyncState})
	return nil
}

// ListFolders returns all visible folders sorted by name.
func (s *Store) ListFolders() []*model.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Folder
	for _, f := range s.folders {
		if f.SyncState == model.StatePendingDelete {
			continue
		}
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FolderRemoteID maps a local folder id to its server-assigned id, or ""
// while the folder has not synced yet.
func (s *Store) FolderRemoteID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[id]; ok {
		return f.RemoteID
	}
	return ""
}

// GetFolder returns a copy of one folder.
func (s *Store) GetFolder(id string) (*model.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok || f.SyncState == model.StatePendingDelete {
		return nil, fmt.Errorf("folder %s: %w", id, errs.ErrNotFound)
	}
	return f.Clone(), nil
}

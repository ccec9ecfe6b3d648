package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"scanbox/internal/errs"
	"scanbox/internal/model"
)

// DocumentPatch is a partial update; nil fields are left untouched.
type DocumentPatch struct {
	Name     *string
	FolderID *string // empty string moves the document to the root
	Tags     *[]string
}

// NewImageKey returns a fresh opaque key for the blob store.
func NewImageKey() string { return uuid.Must(uuid.NewV4()).String() }

// visibleDoc must be called with s.mu held. pendingDelete documents are
// hidden from every read path even though their row still exists.
func (s *Store) visibleDoc(id string) (*model.Document, error) {
	d, ok := s.docs[id]
	if !ok || d.SyncState == model.StatePendingDelete {
		return nil, fmt.Errorf("document %s: %w", id, errs.ErrNotFound)
	}
	return d, nil
}

// touch must be called with s.mu held; it records a local edit on the document.
func (s *Store) touch(d *model.Document) {
	d.UpdatedAt = s.now()
	d.LocalRevision++
	if d.SyncState != model.StatePendingCreate && d.SyncState != model.StateConflict {
		d.SyncState = model.StatePendingUpdate
	}
}

// enqueueDoc must be called with s.mu held. Conflicted documents do not
// auto-queue: their edits wait for explicit resolution.
func (s *Store) enqueueDoc(d *model.Document, op model.Op, releaseKeys []string) {
	if d.SyncState == model.StateConflict && op != model.OpDelete {
		return
	}
	m := &model.Mutation{
		TargetType:    model.TargetDocument,
		TargetID:      d.ID,
		Op:            op,
		ReleaseKeys:   releaseKeys,
		LocalRevision: d.LocalRevision,
	}
	s.q.Append(m)
	s.stageMutation(m)
	s.stageNextSeq()
	s.notifyEnqueue()
}

// CreateDocument assigns a local id and returns immediately; the create is
// queued for the next drain.
func (s *Store) CreateDocument(name, folderID string) (*model.Document, error) {
	if name == "" {
		return nil, fmt.Errorf("store: empty document name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	if folderID != "" {
		if _, ok := s.folders[folderID]; !ok {
			return nil, fmt.Errorf("folder %s: %w", folderID, errs.ErrNotFound)
		}
	}

	now := s.now()
	d := &model.Document{
		ID:            model.NewLocalID(),
		Name:          name,
		Pages:         []model.Page{},
		FolderID:      folderID,
		CreatedAt:     now,
		UpdatedAt:     now,
		SyncState:     model.StatePendingCreate,
		LocalRevision: 1,
	}
	s.docs[d.ID] = d
	s.enqueueDoc(d, model.OpCreate, nil)
	s.stageDocument(d)
	s.publish(Event{Kind: EventCreated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	s.log.Debug("document created", zap.String("id", d.ID), zap.String("name", name))
	return d.Clone(), nil
}

// GetDocument returns a copy of the document.
func (s *Store) GetDocument(id string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.visibleDoc(id)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// ListDocuments returns all visible documents, newest first. A non-empty
// folderID narrows the listing to one folder.
func (s *Store) ListDocuments(folderID string) []*model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Document
	for _, d := range s.docs {
		if d.SyncState == model.StatePendingDelete {
			continue
		}
		if folderID != "" && d.FolderID != folderID {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateDocument merges the patch, bumps the revision and queues an update.
// A still-unsynced create stays pendingCreate: its eventual single creation
// call carries the latest state.
func (s *Store) UpdateDocument(id string, patch DocumentPatch) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	d, err := s.visibleDoc(id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, fmt.Errorf("store: empty document name")
		}
		d.Name = *patch.Name
	}
	if patch.FolderID != nil {
		if *patch.FolderID != "" {
			if _, ok := s.folders[*patch.FolderID]; !ok {
				return nil, fmt.Errorf("folder %s: %w", *patch.FolderID, errs.ErrNotFound)
			}
		}
		d.FolderID = *patch.FolderID
	}
	if patch.Tags != nil {
		d.Tags = append([]string(nil), (*patch.Tags)...)
	}

	s.touch(d)
	s.enqueueDoc(d, model.OpUpdate, nil)
	s.stageDocument(d)
	s.publish(Event{Kind: EventUpdated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return d.Clone(), nil
}

// MoveDocument moves the document to a folder ("" for root).
func (s *Store) MoveDocument(id, folderID string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	d, err := s.visibleDoc(id)
	if err != nil {
		return nil, err
	}
	if folderID != "" {
		if _, ok := s.folders[folderID]; !ok {
			return nil, fmt.Errorf("folder %s: %w", folderID, errs.ErrNotFound)
		}
	}
	d.FolderID = folderID
	s.touch(d)
	s.enqueueDoc(d, model.OpMove, nil)
	s.stageDocument(d)
	s.publish(Event{Kind: EventUpdated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return d.Clone(), nil
}

// DeleteDocument removes a document. A create that never reached the backend
// is resolved purely locally: the queued create is cancelled, the row erased
// and the page blobs freed, with zero network calls. Otherwise the document
// turns pendingDelete, disappears from queries immediately and is hard-removed
// once the backend confirms.
func (s *Store) DeleteDocument(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrClosed
	}
	d, err := s.visibleDoc(id)
	if err != nil {
		return err
	}

	if d.SyncState == model.StatePendingCreate && !s.q.HasInFlight(model.TargetDocument, d.ID) {
		keys, removed, ok := s.q.CancelTarget(model.TargetDocument, d.ID)
		if ok {
			for _, p := range d.Pages {
				keys = append(keys, p.ImageKey)
			}
			delete(s.docs, d.ID)
			for _, seq := range removed {
				s.stageMutationDelete(seq)
			}
			s.stageDocumentDelete(d.ID)
			s.releaseBlobs(dedupe(keys))
			s.publish(Event{Kind: EventDeleted, TargetType: model.TargetDocument, TargetID: d.ID})
			s.log.Debug("unsynced document erased locally", zap.String("id", d.ID))
			return nil
		}
	}

	keys := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		keys = append(keys, p.ImageKey)
	}
	d.SyncState = model.StatePendingDelete
	d.UpdatedAt = s.now()
	d.LocalRevision++
	s.enqueueDoc(d, model.OpDelete, keys)
	s.stageDocument(d)
	s.publish(Event{Kind: EventDeleted, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return nil
}

// renumber keeps page order dense and contiguous. Must be called after any
// page insertion, removal or move.
func renumber(pages []model.Page) {
	for i := range pages {
		pages[i].Order = i
	}
}

// AddPage appends (index < 0) or inserts a page referencing an image key the
// caller has already written to the blob store.
func (s *Store) AddPage(docID, imageKey, ocrText string, index int) (*model.Document, error) {
	if imageKey == "" {
		return nil, fmt.Errorf("store: empty image key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	d, err := s.visibleDoc(docID)
	if err != nil {
		return nil, err
	}

	p := model.Page{
		ID:       uuid.Must(uuid.NewV4()).String(),
		ImageKey: imageKey,
		OCRText:  ocrText,
	}
	if index < 0 || index >= len(d.Pages) {
		d.Pages = append(d.Pages, p)
	} else {
		d.Pages = append(d.Pages[:index], append([]model.Page{p}, d.Pages[index:]...)...)
	}
	renumber(d.Pages)

	s.touch(d)
	s.enqueueDoc(d, model.OpUpdate, nil)
	s.stageDocument(d)
	s.publish(Event{Kind: EventUpdated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return d.Clone(), nil
}

// ImportPage writes the raw image through the blob store and adds the page.
// The blob write is the only suspension point; the metadata mutation itself
// is synchronous.
func (s *Store) ImportPage(docID string, image []byte, ocrText string) (*model.Document, error) {
	key := NewImageKey()
	if err := s.blobs.Put(key, image); err != nil {
		return nil, err
	}
	d, err := s.AddPage(docID, key, ocrText, -1)
	if err != nil {
		// metadata rejected the page; don't leak the blob
		_ = s.blobs.Delete(key)
		return nil, err
	}
	return d, nil
}

// RemovePage deletes a page. The page's blob is released only after the
// mutation that removed it is confirmed remotely, so retried creates and
// updates never reference a missing file.
func (s *Store) RemovePage(docID, pageID string) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	d, err := s.visibleDoc(docID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range d.Pages {
		if d.Pages[i].ID == pageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("page %s: %w", pageID, errs.ErrNotFound)
	}
	key := d.Pages[idx].ImageKey
	d.Pages = append(d.Pages[:idx], d.Pages[idx+1:]...)
	renumber(d.Pages)

	s.touch(d)
	s.enqueueDoc(d, model.OpUpdate, []string{key})
	s.stageDocument(d)
	s.publish(Event{Kind: EventUpdated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return d.Clone(), nil
}

// AnnotatePage replaces a page's annotation payload (opaque JSON; the store
// never inspects it). A nil payload clears the annotations.
func (s *Store) AnnotatePage(docID, pageID string, annotations json.RawMessage) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	d, err := s.visibleDoc(docID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range d.Pages {
		if d.Pages[i].ID == pageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("page %s: %w", pageID, errs.ErrNotFound)
	}
	if annotations == nil {
		d.Pages[idx].Annotations = nil
	} else {
		d.Pages[idx].Annotations = append(json.RawMessage(nil), annotations...)
	}

	s.touch(d)
	s.enqueueDoc(d, model.OpUpdate, nil)
	s.stageDocument(d)
	s.publish(Event{Kind: EventUpdated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return d.Clone(), nil
}

// MovePage moves a page to newIndex; order stays dense.
func (s *Store) MovePage(docID, pageID string, newIndex int) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrClosed
	}
	d, err := s.visibleDoc(docID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range d.Pages {
		if d.Pages[i].ID == pageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("page %s: %w", pageID, errs.ErrNotFound)
	}
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex >= len(d.Pages) {
		newIndex = len(d.Pages) - 1
	}
	p := d.Pages[idx]
	d.Pages = append(d.Pages[:idx], d.Pages[idx+1:]...)
	d.Pages = append(d.Pages[:newIndex], append([]model.Page{p}, d.Pages[newIndex:]...)...)
	renumber(d.Pages)

	s.touch(d)
	s.enqueueDoc(d, model.OpUpdate, nil)
	s.stageDocument(d)
	s.publish(Event{Kind: EventUpdated, TargetType: model.TargetDocument, TargetID: d.ID, SyncState: d.SyncState})
	return d.Clone(), nil
}

// GetPageImage reads a page's image bytes. A missing blob is surfaced as
// errs.ErrBlobMissing; the document itself stays intact.
func (s *Store) GetPageImage(docID, pageID string) ([]byte, error) {
	s.mu.Lock()
	d, err := s.visibleDoc(docID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var key string
	for i := range d.Pages {
		if d.Pages[i].ID == pageID {
			key = d.Pages[i].ImageKey
			break
		}
	}
	s.mu.Unlock()
	if key == "" {
		return nil, fmt.Errorf("page %s: %w", pageID, errs.ErrNotFound)
	}
	return s.blobs.Get(key)
}

func dedupe(keys []string) []string {
	seen := map[string]bool{}
	out := keys[:0]
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

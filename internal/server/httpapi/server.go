// Package httpapi exposes the reference sync server's JSON API: the
// authoritative side of the sync contract with per-entity writes, LWW
// conflict answers carrying the server's copy, and client_ref deduplication
// of replayed creates.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"scanbox/internal/backend"
	"scanbox/internal/errs"
	"scanbox/internal/model"
	"scanbox/internal/repository"
)

// Server holds the API's dependencies.
type Server struct {
	docs    repository.DocumentRepository
	folders repository.FolderRepository
	log     *zap.Logger
}

// New constructs the API server.
func New(docs repository.DocumentRepository, folders repository.FolderRepository, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{docs: docs, folders: folders, log: log}
}

// Router builds the chi router with logging and recovery middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log), RequestLogger(s.log))

	r.Get("/v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1/documents", func(r chi.Router) {
		r.Post("/", s.createDocument)
		r.Put("/{id}", s.updateDocument)
		r.Post("/{id}/move", s.moveDocument)
		r.Delete("/{id}", s.deleteDocument)
	})
	r.Route("/v1/folders", func(r chi.Router) {
		r.Post("/", s.createFolder)
		r.Put("/{id}", s.updateFolder)
		r.Delete("/{id}", s.deleteFolder)
	})
	return r
}

type errorBody struct {
	Message string               `json:"message"`
	Remote  *model.RemoteVersion `json:"remote,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeAck(w http.ResponseWriter, st repository.Stamp) {
	writeJSON(w, http.StatusOK, backend.Ack{RemoteID: st.ID.String(), UpdatedAt: st.UpdatedAt})
}

func validationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Message: msg})
}

// writeDocError maps repository errors onto the wire. Conflicts answer with
// the server's current copy so the client can surface both versions.
func (s *Server) writeDocError(w http.ResponseWriter, r *http.Request, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, errs.ErrConflict):
		body := errorBody{Message: "stored copy is newer"}
		if rec, gerr := s.docs.Get(r.Context(), id); gerr == nil {
			body.Remote = &model.RemoteVersion{
				Name:      rec.Name,
				Tags:      rec.Tags,
				UpdatedAt: rec.UpdatedAt,
			}
			if rec.FolderID != nil {
				body.Remote.FolderID = rec.FolderID.String()
			}
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Message: "document not found"})
	default:
		s.log.Error("document write failed", zap.String("id", id.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "internal"})
	}
}

func (s *Server) writeFolderError(w http.ResponseWriter, r *http.Request, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, errs.ErrConflict):
		body := errorBody{Message: "stored copy is newer"}
		if rec, gerr := s.folders.Get(r.Context(), id); gerr == nil {
			body.Remote = &model.RemoteVersion{Name: rec.Name, UpdatedAt: rec.UpdatedAt}
		}
		writeJSON(w, http.StatusConflict, body)
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Message: "folder not found"})
	default:
		s.log.Error("folder write failed", zap.String("id", id.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "internal"})
	}
}

// parseOptionalUUID turns an optional id field into a nullable uuid.
func parseOptionalUUID(v string) (*uuid.UUID, error) {
	if v == "" {
		return nil, nil
	}
	id, err := uuid.FromString(v)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	return id, err == nil
}

func docRecord(st backend.DocumentState) (repository.DocumentRecord, error) {
	folderID, err := parseOptionalUUID(st.FolderID)
	if err != nil {
		return repository.DocumentRecord{}, err
	}
	pages := st.Pages
	if pages == nil {
		pages = []backend.PageState{}
	}
	raw, err := json.Marshal(pages)
	if err != nil {
		return repository.DocumentRecord{}, err
	}
	return repository.DocumentRecord{
		ClientRef: st.ClientRef,
		Name:      st.Name,
		FolderID:  folderID,
		Tags:      st.Tags,
		Pages:     raw,
	}, nil
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var st backend.DocumentState
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		validationError(w, "bad request body")
		return
	}
	if st.ClientRef == "" || st.Name == "" {
		validationError(w, "client_ref and name are required")
		return
	}
	rec, err := docRecord(st)
	if err != nil {
		validationError(w, "bad folder_id")
		return
	}
	stamp, err := s.docs.Create(r.Context(), rec)
	if err != nil {
		s.writeDocError(w, r, uuid.Nil, err)
		return
	}
	s.writeAck(w, stamp)
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "document not found"})
		return
	}
	var st backend.DocumentState
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		validationError(w, "bad request body")
		return
	}
	if st.Name == "" {
		validationError(w, "name is required")
		return
	}
	rec, err := docRecord(st)
	if err != nil {
		validationError(w, "bad folder_id")
		return
	}
	stamp, err := s.docs.Update(r.Context(), id, rec, st.BaseUpdatedAt)
	if err != nil {
		s.writeDocError(w, r, id, err)
		return
	}
	s.writeAck(w, stamp)
}

func (s *Server) moveDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "document not found"})
		return
	}
	var in struct {
		FolderID      string    `json:"folder_id"`
		BaseUpdatedAt time.Time `json:"base_updated_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		validationError(w, "bad request body")
		return
	}
	folderID, err := parseOptionalUUID(in.FolderID)
	if err != nil {
		validationError(w, "bad folder_id")
		return
	}
	stamp, err := s.docs.Move(r.Context(), id, folderID, in.BaseUpdatedAt)
	if err != nil {
		s.writeDocError(w, r, id, err)
		return
	}
	s.writeAck(w, stamp)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "document not found"})
		return
	}
	var base time.Time
	if v := r.URL.Query().Get("base_updated_at"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			validationError(w, "bad base_updated_at")
			return
		}
		base = t
	}
	stamp, err := s.docs.Delete(r.Context(), id, base)
	if err != nil {
		s.writeDocError(w, r, id, err)
		return
	}
	s.writeAck(w, stamp)
}

func (s *Server) createFolder(w http.ResponseWriter, r *http.Request) {
	var st backend.FolderState
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		validationError(w, "bad request body")
		return
	}
	if st.ClientRef == "" || st.Name == "" {
		validationError(w, "client_ref and name are required")
		return
	}
	parentID, err := parseOptionalUUID(st.ParentID)
	if err != nil {
		validationError(w, "bad parent_id")
		return
	}
	stamp, err := s.folders.Create(r.Context(), repository.FolderRecord{
		ClientRef: st.ClientRef,
		Name:      st.Name,
		ParentID:  parentID,
	})
	if err != nil {
		s.writeFolderError(w, r, uuid.Nil, err)
		return
	}
	s.writeAck(w, stamp)
}

func (s *Server) updateFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "folder not found"})
		return
	}
	var st backend.FolderState
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		validationError(w, "bad request body")
		return
	}
	if st.Name == "" {
		validationError(w, "name is required")
		return
	}
	parentID, err := parseOptionalUUID(st.ParentID)
	if err != nil {
		validationError(w, "bad parent_id")
		return
	}
	stamp, err := s.folders.Update(r.Context(), id, repository.FolderRecord{
		Name:     st.Name,
		ParentID: parentID,
	}, st.BaseUpdatedAt)
	if err != nil {
		s.writeFolderError(w, r, id, err)
		return
	}
	s.writeAck(w, stamp)
}

func (s *Server) deleteFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "folder not found"})
		return
	}
	stamp, err := s.folders.Delete(r.Context(), id)
	if err != nil {
		s.writeFolderError(w, r, id, err)
		return
	}
	s.writeAck(w, stamp)
}

// Package backend defines the sync contract with the authoritative remote:
// per-entity create/update/delete/move operations acknowledged with
// {remoteID, updatedAt}, and a structured error taxonomy distinguishing
// retryable from terminal failures and conflicts from validation errors.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scanbox/internal/errs"
	"scanbox/internal/model"
)

// PageState is one page as sent on the wire. Image bytes never travel with
// metadata sync; only the opaque key does.
type PageState struct {
	ID          string          `json:"id"`
	ImageKey    string          `json:"image_key"`
	OCRText     string          `json:"ocr_text,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
	Order       int             `json:"order"`
}

// DocumentState is the full document metadata shipped on create and update.
// ClientRef carries the local id so the server can deduplicate a replayed
// create after a timed-out attempt.
type DocumentState struct {
	ClientRef     string      `json:"client_ref"`
	Name          string      `json:"name"`
	FolderID      string      `json:"folder_id,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	Pages         []PageState `json:"pages"`
	BaseUpdatedAt time.Time   `json:"base_updated_at,omitempty"`
}

// FolderState is the folder metadata shipped on create and update.
type FolderState struct {
	ClientRef     string    `json:"client_ref"`
	Name          string    `json:"name"`
	ParentID      string    `json:"parent_id,omitempty"`
	BaseUpdatedAt time.Time `json:"base_updated_at,omitempty"`
}

// Ack is the server's acknowledgement of a successful operation.
type Ack struct {
	RemoteID  string    `json:"remote_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Kind classifies a remote failure.
type Kind string

const (
	// KindRetryable covers network errors, timeouts and 5xx responses.
	KindRetryable Kind = "retryable"
	// KindConflict means the remote copy changed after our LWW base.
	KindConflict Kind = "conflict"
	// KindValidation means the server rejected the payload deterministically.
	KindValidation Kind = "validation"
	// KindNotFound means the entity is permanently gone on the server.
	KindNotFound Kind = "notFound"
)

// Error is a classified remote failure. Conflicts carry the server's copy so
// the client can keep both versions addressable.
type Error struct {
	Kind   Kind
	Msg    string
	Remote *model.RemoteVersion // set for conflicts
}

func (e *Error) Error() string { return fmt.Sprintf("backend: %s: %s", e.Kind, e.Msg) }

// Is maps error kinds onto the shared sentinels for errors.Is matching.
func (e *Error) Is(target error) bool {
	switch target {
	case errs.ErrRetryable:
		return e.Kind == KindRetryable
	case errs.ErrConflict:
		return e.Kind == KindConflict
	case errs.ErrTerminal:
		return e.Kind == KindValidation || e.Kind == KindNotFound
	case errs.ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Retryable reports whether err should be retried with backoff. Anything not
// explicitly classified (raw transport errors included) counts as retryable,
// never terminal.
func Retryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == KindRetryable
	}
	return err != nil
}

// Backend is the remote API consumed by the sync engine. Implementations must
// bound every attempt with a finite timeout; a timeout is always retryable.
type Backend interface {
	CreateDocument(ctx context.Context, st DocumentState) (Ack, error)
	UpdateDocument(ctx context.Context, remoteID string, st DocumentState) (Ack, error)
	MoveDocument(ctx context.Context, remoteID, folderID string, baseUpdatedAt time.Time) (Ack, error)
	DeleteDocument(ctx context.Context, remoteID string, baseUpdatedAt time.Time) (Ack, error)

	CreateFolder(ctx context.Context, st FolderState) (Ack, error)
	UpdateFolder(ctx context.Context, remoteID string, st FolderState) (Ack, error)
	DeleteFolder(ctx context.Context, remoteID string) (Ack, error)

	// Ping probes reachability; used by the connectivity watcher only.
	Ping(ctx context.Context) error
}

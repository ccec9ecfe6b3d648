// Package repository defines the server-side persistence contracts.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Stamp is the server's acknowledgement of a write: the row's id and its new
// authoritative timestamp, which becomes the client's next LWW base.
type Stamp struct {
	ID        uuid.UUID
	UpdatedAt time.Time
}

// DocumentRecord is one document row. Pages is the client's page list as an
// opaque JSON array; the server never interprets page contents.
type DocumentRecord struct {
	ID        uuid.UUID
	ClientRef string
	Name      string
	FolderID  *uuid.UUID
	Tags      []string
	Pages     []byte
	UpdatedAt time.Time
	Deleted   bool
}

// DocumentRepository persists documents with last-writer-wins checks.
// Update, Move and Delete compare the stored updated_at against the caller's
// base: a newer stored row means errs.ErrConflict. Tombstoned or absent rows
// are errs.ErrNotFound.
type DocumentRepository interface {
	// Create inserts a new document. A replayed create (same ClientRef)
	// returns the existing row's stamp instead of duplicating it.
	Create(ctx context.Context, rec DocumentRecord) (Stamp, error)
	Update(ctx context.Context, id uuid.UUID, rec DocumentRecord, base time.Time) (Stamp, error)
	Move(ctx context.Context, id uuid.UUID, folderID *uuid.UUID, base time.Time) (Stamp, error)
	Delete(ctx context.Context, id uuid.UUID, base time.Time) (Stamp, error)
	Get(ctx context.Context, id uuid.UUID) (*DocumentRecord, error)
}

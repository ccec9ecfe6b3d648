package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// FolderRecord is one folder row.
type FolderRecord struct {
	ID        uuid.UUID
	ClientRef string
	Name      string
	ParentID  *uuid.UUID
	UpdatedAt time.Time
	Deleted   bool
}

// FolderRepository persists folders. Folder deletion carries no LWW base:
// deleting a container is always allowed, documents are re-homed by the
// client before the delete is sent.
type FolderRepository interface {
	Create(ctx context.Context, rec FolderRecord) (Stamp, error)
	Update(ctx context.Context, id uuid.UUID, rec FolderRecord, base time.Time) (Stamp, error)
	Delete(ctx context.Context, id uuid.UUID) (Stamp, error)
	Get(ctx context.Context, id uuid.UUID) (*FolderRecord, error)
}

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"scanbox/internal/errs"
	"scanbox/internal/repository"
)

// FolderRepo implements FolderRepository using PostgreSQL.
type FolderRepo struct{ db *DB }

// NewFolderRepo constructs a folder repository.
func NewFolderRepo(db *DB) *FolderRepo { return &FolderRepo{db: db} }

// Create inserts a folder, deduplicating replayed creates on client_ref.
func (r *FolderRepo) Create(ctx context.Context, rec repository.FolderRecord) (repository.Stamp, error) {
	st, err := r.create(ctx, rec)
	if isUniqueViolation(err) {
		return r.stampByClientRef(ctx, rec.ClientRef)
	}
	return st, err
}

func (r *FolderRepo) create(ctx context.Context, rec repository.FolderRecord) (st repository.Stamp, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return repository.Stamp{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT id, updated_at FROM folders WHERE client_ref=$1`
	var id uuid.UUID
	var ts time.Time
	scanErr := tx.QueryRow(ctx, sel, rec.ClientRef).Scan(&id, &ts)
	switch {
	case scanErr == nil:
		return repository.Stamp{ID: id, UpdatedAt: ts}, nil
	case errors.Is(scanErr, pgx.ErrNoRows):
		id = uuid.Must(uuid.NewV4())
		ts = time.Now().UTC()
		const ins = `INSERT INTO folders (id, client_ref, name, parent_id, updated_at, deleted)
VALUES ($1,$2,$3,$4,$5,false)`
		if _, err = tx.Exec(ctx, ins, id, rec.ClientRef, rec.Name, rec.ParentID, ts); err != nil {
			return repository.Stamp{}, err
		}
		return repository.Stamp{ID: id, UpdatedAt: ts}, nil
	default:
		return repository.Stamp{}, scanErr
	}
}

func (r *FolderRepo) stampByClientRef(ctx context.Context, clientRef string) (repository.Stamp, error) {
	const q = `SELECT id, updated_at FROM folders WHERE client_ref=$1`
	var st repository.Stamp
	if err := r.db.Pool.QueryRow(ctx, q, clientRef).Scan(&st.ID, &st.UpdatedAt); err != nil {
		return repository.Stamp{}, err
	}
	return st, nil
}

// Update renames or reparents the folder under the LWW rule.
func (r *FolderRepo) Update(
	ctx context.Context, id uuid.UUID, rec repository.FolderRecord, base time.Time,
) (st repository.Stamp, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return repository.Stamp{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if err = lockForWrite(ctx, tx, "folders", id, base); err != nil {
		return repository.Stamp{}, err
	}
	ts := time.Now().UTC()
	const upd = `UPDATE folders SET name=$2, parent_id=$3, updated_at=$4 WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, id, rec.Name, rec.ParentID, ts); err != nil {
		return repository.Stamp{}, err
	}
	return repository.Stamp{ID: id, UpdatedAt: ts}, nil
}

// Delete tombstones the folder. No LWW check: the client re-homes documents
// before sending the delete, and deleting a container is always permitted.
func (r *FolderRepo) Delete(ctx context.Context, id uuid.UUID) (st repository.Stamp, err error) {
	ts := time.Now().UTC()
	const upd = `UPDATE folders SET deleted=true, updated_at=$2 WHERE id=$1 AND NOT deleted`
	tag, err := r.db.Pool.Exec(ctx, upd, id, ts)
	if err != nil {
		return repository.Stamp{}, err
	}
	if tag.RowsAffected() == 0 {
		return repository.Stamp{}, errs.ErrNotFound
	}
	return repository.Stamp{ID: id, UpdatedAt: ts}, nil
}

// Get returns a live folder row.
func (r *FolderRepo) Get(ctx context.Context, id uuid.UUID) (*repository.FolderRecord, error) {
	const q = `
SELECT id, client_ref, name, parent_id, updated_at, deleted
FROM folders WHERE id=$1`
	var rec repository.FolderRecord
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.ClientRef, &rec.Name, &rec.ParentID, &rec.UpdatedAt, &rec.Deleted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if rec.Deleted {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

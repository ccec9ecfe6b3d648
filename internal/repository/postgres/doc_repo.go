package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"scanbox/internal/errs"
	"scanbox/internal/repository"
)

// DocRepo implements DocumentRepository using PostgreSQL.
type DocRepo struct{ db *DB }

// NewDocRepo constructs a document repository.
func NewDocRepo(db *DB) *DocRepo { return &DocRepo{db: db} }

// Create inserts a document, deduplicating replayed creates on client_ref so a
// retried request after a lost ack never produces a second row.
func (r *DocRepo) Create(ctx context.Context, rec repository.DocumentRecord) (repository.Stamp, error) {
	st, err := r.create(ctx, rec)
	if isUniqueViolation(err) {
		// a concurrent replay won the insert; adopt its row
		return r.stampByClientRef(ctx, rec.ClientRef)
	}
	return st, err
}

func (r *DocRepo) create(ctx context.Context, rec repository.DocumentRecord) (st repository.Stamp, err error) {
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

	const sel = `SELECT id, updated_at FROM documents WHERE client_ref=$1`
	var id uuid.UUID
	var ts time.Time
	scanErr := tx.QueryRow(ctx, sel, rec.ClientRef).Scan(&id, &ts)
	switch {
	case scanErr == nil:
		return repository.Stamp{ID: id, UpdatedAt: ts}, nil
	case errors.Is(scanErr, pgx.ErrNoRows):
		id = uuid.Must(uuid.NewV4())
		ts = time.Now().UTC()
		const ins = `INSERT INTO documents (id, client_ref, name, folder_id, tags, pages, updated_at, deleted)
VALUES ($1,$2,$3,$4,$5,$6,$7,false)`
		if _, err = tx.Exec(ctx, ins, id, rec.ClientRef, rec.Name, rec.FolderID, rec.Tags, rec.Pages, ts); err != nil {
			return repository.Stamp{}, err
		}
		return repository.Stamp{ID: id, UpdatedAt: ts}, nil
	default:
		return repository.Stamp{}, scanErr
	}
}

func (r *DocRepo) stampByClientRef(ctx context.Context, clientRef string) (repository.Stamp, error) {
	const q = `SELECT id, updated_at FROM documents WHERE client_ref=$1`
	var st repository.Stamp
	if err := r.db.Pool.QueryRow(ctx, q, clientRef).Scan(&st.ID, &st.UpdatedAt); err != nil {
		return repository.Stamp{}, err
	}
	return st, nil
}

// lockForWrite reads the row's timestamp under FOR UPDATE and applies the LWW
// check. Must run inside tx.
func lockForWrite(ctx context.Context, tx pgx.Tx, table string, id uuid.UUID, base time.Time) error {
	sel := `SELECT updated_at, deleted FROM ` + table + ` WHERE id=$1 FOR UPDATE`
	var stored time.Time
	var deleted bool
	if err := tx.QueryRow(ctx, sel, id).Scan(&stored, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if deleted {
		return errs.ErrNotFound
	}
	if stored.After(base) {
		return fmt.Errorf("stored copy is newer: %w", errs.ErrConflict)
	}
	return nil
}

// Update replaces the document's metadata under the LWW rule.
func (r *DocRepo) Update(
	ctx context.Context, id uuid.UUID, rec repository.DocumentRecord, base time.Time,
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

	if err = lockForWrite(ctx, tx, "documents", id, base); err != nil {
		return repository.Stamp{}, err
	}
	ts := time.Now().UTC()
	const upd = `UPDATE documents SET name=$2, folder_id=$3, tags=$4, pages=$5, updated_at=$6 WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, id, rec.Name, rec.FolderID, rec.Tags, rec.Pages, ts); err != nil {
		return repository.Stamp{}, err
	}
	return repository.Stamp{ID: id, UpdatedAt: ts}, nil
}

// Move changes only the document's folder under the LWW rule.
func (r *DocRepo) Move(
	ctx context.Context, id uuid.UUID, folderID *uuid.UUID, base time.Time,
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

	if err = lockForWrite(ctx, tx, "documents", id, base); err != nil {
		return repository.Stamp{}, err
	}
	ts := time.Now().UTC()
	const upd = `UPDATE documents SET folder_id=$2, updated_at=$3 WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, id, folderID, ts); err != nil {
		return repository.Stamp{}, err
	}
	return repository.Stamp{ID: id, UpdatedAt: ts}, nil
}

// Delete tombstones the document under the LWW rule.
func (r *DocRepo) Delete(ctx context.Context, id uuid.UUID, base time.Time) (st repository.Stamp, err error) {
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

	if err = lockForWrite(ctx, tx, "documents", id, base); err != nil {
		return repository.Stamp{}, err
	}
	ts := time.Now().UTC()
	const upd = `UPDATE documents SET deleted=true, updated_at=$2 WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, id, ts); err != nil {
		return repository.Stamp{}, err
	}
	return repository.Stamp{ID: id, UpdatedAt: ts}, nil
}

// Get returns a live document row.
func (r *DocRepo) Get(ctx context.Context, id uuid.UUID) (*repository.DocumentRecord, error) {
	const q = `
SELECT id, client_ref, name, folder_id, tags, pages, updated_at, deleted
FROM documents WHERE id=$1`
	var rec repository.DocumentRecord
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.ClientRef, &rec.Name, &rec.FolderID, &rec.Tags, &rec.Pages, &rec.UpdatedAt, &rec.Deleted,
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

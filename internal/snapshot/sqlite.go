package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	keyspace TEXT NOT NULL,
	key      TEXT NOT NULL,
	value    BLOB NOT NULL,
	PRIMARY KEY (keyspace, key)
);`

// SQLite is the production snapshot store: a single-file database holding one
// row per entity, values JSON-encoded by the caller.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
func OpenSQLite(path string) (*SQLite, error) {
	// WAL keeps batch writes from blocking the startup read path.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("snapshot: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot: init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// LoadAll reads every row into a State.
func (s *SQLite) LoadAll(ctx context.Context) (*State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyspace, key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st := NewState()
	for rows.Next() {
		var ks, key string
		var val []byte
		if err := rows.Scan(&ks, &key, &val); err != nil {
			return nil, fmt.Errorf("snapshot: scan: %w", err)
		}
		st.keyspace(Keyspace(ks))[key] = val
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: rows: %w", err)
	}
	return st, nil
}

// Apply writes the batch in one transaction.
func (s *SQLite) Apply(ctx context.Context, batch []Record) (err error) {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	const up = `INSERT INTO kv (keyspace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(keyspace, key) DO UPDATE SET value=excluded.value`
	const del = `DELETE FROM kv WHERE keyspace=? AND key=?`

	for _, rec := range batch {
		if rec.Value == nil {
			if _, err = tx.ExecContext(ctx, del, string(rec.Keyspace), rec.Key); err != nil {
				return fmt.Errorf("snapshot: delete %s/%s: %w", rec.Keyspace, rec.Key, err)
			}
			continue
		}
		if _, err = tx.ExecContext(ctx, up, string(rec.Keyspace), rec.Key, rec.Value); err != nil {
			return fmt.Errorf("snapshot: upsert %s/%s: %w", rec.Keyspace, rec.Key, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

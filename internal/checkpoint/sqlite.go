package checkpoint

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS batchpilot_checkpoints (
key text primary key,
value blob not null,
updated_at text not null);`

// SQLiteStore represents a persistent SQLite storage implementation.
// It implements the Store interface. The driver is cgo-free, so the daemon
// stays a single static binary.
type SQLiteStore struct {
	dsn string
	db  *sql.DB
}

// SQLiteStoreOption is an options provider for SQLiteStore.
type SQLiteStoreOption func(*SQLiteStore)

// NewSQLiteStore initializes a new SQLite-based storage at the given path.
func NewSQLiteStore(dsn string, options ...SQLiteStoreOption) *SQLiteStore {
	st := &SQLiteStore{dsn: dsn}
	for _, opt := range options {
		opt(st)
	}
	return st
}

func (st *SQLiteStore) Start() error {
	db, err := sql.Open("sqlite", st.dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	// Checkpoint writes are serialized by the scheduler; one connection
	// avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create schema: %w", err)
	}
	st.db = db
	return nil
}

func (st *SQLiteStore) Get(key string) ([]byte, error) {
	query, args, err := sq.Select("value").
		From("batchpilot_checkpoints").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = st.db.QueryRow(query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %q: %w", key, err)
	}
	return value, nil
}

func (st *SQLiteStore) Set(key string, value []byte) error {
	query, args, err := sq.Insert("batchpilot_checkpoints").
		Columns("key", "value", "updated_at").
		Values(key, value, sq.Expr("datetime('now')")).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := st.db.Exec(query, args...); err != nil {
		return fmt.Errorf("set checkpoint %q: %w", key, err)
	}
	return nil
}

func (st *SQLiteStore) Delete(key string) error {
	query, args, err := sq.Delete("batchpilot_checkpoints").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := st.db.Exec(query, args...); err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", key, err)
	}
	return nil
}

func (st *SQLiteStore) Keys(prefix string) ([]string, error) {
	query, args, err := sq.Select("key").
		From("batchpilot_checkpoints").
		Where(sq.Like{"key": prefix + "%"}).
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := st.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (st *SQLiteStore) Close() error {
	if st.db == nil {
		return nil
	}
	return st.db.Close()
}

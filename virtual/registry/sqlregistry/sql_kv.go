package sqlregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/grainkit/grainkit/virtual/registry/kv"
)

const (
	defaultTableName = "grainkit_kv"
	metaTableName    = "grainkit_meta"
	versionStampKey  = "versionstamp"
)

// sqlKV is an implementation of kv.Store on top of a SQLite database. Several processes
// on the same host can share one database file and therefore one registry.
type sqlKV struct {
	db *sql.DB
}

func newSQLKV(ctx context.Context, dsn string) (*sqlKV, error) {
	db, err := sql.Open("sqlite", withDefaultParams(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer at a time anyways, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL)", defaultTableName),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, value INTEGER NOT NULL)", metaTableName),
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run: %s, err: %w", stmt, err)
		}
	}

	return &sqlKV{db: db}, nil
}

func (s *sqlKV) Transact(ctx context.Context, fn func(kv.Transaction) (any, error)) (any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}

	result, err := fn(&sqlTransaction{tx: tx})
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return nil, fmt.Errorf("error rolling back transaction: %v, after: %w", rbErr, err)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}
	return result, nil
}

func (s *sqlKV) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *sqlKV) UnsafeWipeAll() error {
	for _, table := range []string{defaultTableName, metaTableName} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return err
		}
	}
	return nil
}

type sqlTransaction struct {
	tx *sql.Tx
	// Lazily computed, then reused for the rest of the transaction.
	versionStamp int64
}

func (t *sqlTransaction) Put(ctx context.Context, key []byte, value []byte) error {
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v", defaultTableName),
		key, value)
	if err != nil {
		return fmt.Errorf("error putting key: %s, err: %w", string(key), err)
	}
	return nil
}

func (t *sqlTransaction) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var data []byte
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT v FROM %s WHERE k = ?", defaultTableName),
		key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error getting key: %s, err: %w", string(key), err)
	}
	return data, true, nil
}

func (t *sqlTransaction) IterPrefix(ctx context.Context, prefix []byte, fn func(k, v []byte) error) error {
	var (
		query = fmt.Sprintf("SELECT k, v FROM %s WHERE k >= ? ORDER BY k", defaultTableName)
		args  = []any{prefix}
	)
	if end, ok := prefixEnd(prefix); ok {
		query = fmt.Sprintf("SELECT k, v FROM %s WHERE k >= ? AND k < ? ORDER BY k", defaultTableName)
		args = append(args, end)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error iterating prefix: %s, err: %w", string(prefix), err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetVersionStamp returns wall clock microseconds, bumped if necessary so that it never
// goes backwards (or repeats) across transactions even if processes sharing the database
// disagree slightly about the time.
func (t *sqlTransaction) GetVersionStamp() (int64, error) {
	if t.versionStamp > 0 {
		return t.versionStamp, nil
	}

	var last int64
	err := t.tx.QueryRow(
		fmt.Sprintf("SELECT value FROM %s WHERE name = ?", metaTableName),
		versionStampKey).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return -1, fmt.Errorf("error reading versionstamp: %w", err)
	}

	vs := time.Now().UnixMicro()
	if vs <= last {
		vs = last + 1
	}

	_, err = t.tx.Exec(
		fmt.Sprintf("INSERT INTO %s (name, value) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value", metaTableName),
		versionStampKey, vs)
	if err != nil {
		return -1, fmt.Errorf("error writing versionstamp: %w", err)
	}

	t.versionStamp = vs
	return vs, nil
}

// prefixEnd returns the smallest key that is greater than every key with the provided
// prefix. It returns false if no such key exists (the prefix is all 0xff).
func prefixEnd(prefix []byte) ([]byte, bool) {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1], true
		}
	}
	return nil, false
}

// withDefaultParams makes writers wait on each other instead of failing with SQLITE_BUSY
// and takes the write lock when a transaction begins, since every registry transaction
// reads then writes.
func withDefaultParams(dsn string) string {
	if dsn == ":memory:" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_txlock=immediate"
}

/*
Package sqlite provides a SQLite-backed ordered key-value store for the
ledger.

PURPOSE:
  Implements ledger.KV on SQLite. Each ledger keyspace is one table with a
  BLOB primary key; SQLite compares BLOBs with memcmp, so ORDER BY k walks
  keys in exactly the byte order the ledger's codecs are designed for.

KEY TABLES:
  kv_ops_store_date    operations by store, date
  kv_ops_date_store    operations by date, store
  kv_ops_store_goods   operations by store, goods, batch
  kv_cps_store_date    checkpoints by store, date
  kv_cps_date_store    checkpoints by date, store
  kv_meta              latest checkpoint dates

  All tables are WITHOUT ROWID: the primary key is the clustered index.

ATOMIC BATCHES:
  Update() runs in one SQL transaction, so one RecordOps call writes every
  keyspace or none of them.

CONCURRENCY:
  Writers are serialized by a mutex. Readers take no lock: View is one
  SQLite read transaction, and in WAL mode its snapshot stays fixed while
  writers commit alongside it. An in-memory database is pinned to a single
  connection, because every new connection to ":memory:" would open a
  separate, empty database; there an open View does hold off writers until
  it ends.

USAGE:
  kv, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer kv.Close()

  db := ledger.New(kv)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/kv.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/inventory-ledger/ledger"
)

// Store implements ledger.KV using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writers
	tables map[string]string
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, tables: make(map[string]string)}
	for _, ks := range ledger.Keyspaces() {
		store.tables[ks] = "kv_" + ks
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates one table per keyspace.
func (s *Store) migrate() error {
	var schema strings.Builder
	for _, table := range s.tables {
		fmt.Fprintf(&schema, `
	CREATE TABLE IF NOT EXISTS %s (
		k BLOB PRIMARY KEY,
		v BLOB NOT NULL
	) WITHOUT ROWID;
`, table)
	}
	_, err := s.db.Exec(schema.String())
	return err
}

func (s *Store) table(keyspace string) (string, error) {
	t, ok := s.tables[keyspace]
	if !ok {
		return "", &ledger.StorageError{Op: "resolve", Keyspace: keyspace, Err: errors.New("unknown keyspace")}
	}
	return t, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS (ledger.KVReader interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, keyspace string, key []byte) ([]byte, error) {
	return s.get(ctx, s.db, keyspace, key)
}

func (s *Store) Scan(ctx context.Context, keyspace string, r ledger.Range, fn func(key, value []byte) error) error {
	return s.scan(ctx, s.db, keyspace, r, fn)
}

func (s *Store) get(ctx context.Context, q querier, keyspace string, key []byte) ([]byte, error) {
	table, err := s.table(keyspace)
	if err != nil {
		return nil, err
	}
	var v []byte
	err = q.QueryRowContext(ctx, "SELECT v FROM "+table+" WHERE k = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, &ledger.StorageError{Op: "get", Keyspace: keyspace, Err: err}
	}
	return v, nil
}

func (s *Store) scan(ctx context.Context, q querier, keyspace string, r ledger.Range, fn func(key, value []byte) error) error {
	table, err := s.table(keyspace)
	if err != nil {
		return err
	}

	query := "SELECT k, v FROM " + table
	var conds []string
	var args []any
	if r.From != nil {
		conds = append(conds, "k >= ?")
		args = append(args, r.From)
	}
	if r.Till != nil {
		conds = append(conds, "k < ?")
		args = append(args, r.Till)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY k"
	if r.Reverse {
		query += " DESC"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return &ledger.StorageError{Op: "scan", Keyspace: keyspace, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return &ledger.StorageError{Op: "scan", Keyspace: keyspace, Err: err}
		}
		if err := fn(k, v); err != nil {
			if errors.Is(err, ledger.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &ledger.StorageError{Op: "scan", Keyspace: keyspace, Err: err}
	}
	return nil
}

// View runs fn inside a read transaction, so every read sees one snapshot.
// The snapshot is taken at the first read.
func (s *Store) View(ctx context.Context, fn func(ledger.KVReader) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&txStore{tx: sqlTx, parent: s})
}

// =============================================================================
// TRANSACTIONAL WRITES (ledger.KV interface)
// =============================================================================

// Update executes fn within a database transaction.
func (s *Store) Update(ctx context.Context, fn func(ledger.KVWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &ledger.StorageError{Op: "commit", Err: err}
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) Get(ctx context.Context, keyspace string, key []byte) ([]byte, error) {
	return ts.parent.get(ctx, ts.tx, keyspace, key)
}

func (ts *txStore) Scan(ctx context.Context, keyspace string, r ledger.Range, fn func(key, value []byte) error) error {
	return ts.parent.scan(ctx, ts.tx, keyspace, r, fn)
}

func (ts *txStore) Put(ctx context.Context, keyspace string, key, value []byte) error {
	table, err := ts.parent.table(keyspace)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx,
		"INSERT INTO "+table+" (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		key, value)
	if err != nil {
		return &ledger.StorageError{Op: "put", Keyspace: keyspace, Err: err}
	}
	return nil
}

func (ts *txStore) Delete(ctx context.Context, keyspace string, key []byte) error {
	table, err := ts.parent.table(keyspace)
	if err != nil {
		return err
	}
	if _, err := ts.tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE k = ?", key); err != nil {
		return &ledger.StorageError{Op: "delete", Keyspace: keyspace, Err: err}
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range s.tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

var _ ledger.KV = (*Store)(nil)

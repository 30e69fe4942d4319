// Package store is the write API exposed to user handlers: find, insert,
// update, delete, and a read-only sql escape hatch. Per the spec's design
// note, this is deliberately a flat set of methods rather than a
// query-builder type returning chained thenables — Go callers want a
// method call, not a fluent object graph.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ponder-sh/ponder/internal/checkpoint"
	"github.com/ponder-sh/ponder/internal/journal"
)

// Kind distinguishes onchain tables (writable by handlers) from offchain
// tables (read-only to the indexing engine).
type Kind int

const (
	Onchain Kind = iota
	Offchain
)

// TableSchema describes one user table: its physical name, primary key
// columns, and whether handlers may write to it.
type TableSchema struct {
	Name       string
	PrimaryKey []string
	Kind       Kind
}

// UndefinedTableError is returned when a handler references a table name
// not present in the schema.
type UndefinedTableError struct{ Table string }

func (e *UndefinedTableError) Error() string { return fmt.Sprintf("store: undefined table %q", e.Table) }

// InvalidStoreMethodError is returned when a handler attempts to write to
// an offchain table.
type InvalidStoreMethodError struct {
	Table  string
	Method string
}

func (e *InvalidStoreMethodError) Error() string {
	return fmt.Sprintf("store: table %q is offchain, cannot call %s", e.Table, e.Method)
}

// RecordNotFoundError is returned by Update when no row matches the given
// key.
type RecordNotFoundError struct {
	Table string
	Key   map[string]any
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("store: no row in %q matching key %v", e.Table, e.Key)
}

// NotReadOnlyError is returned by SQL when the query isn't a read-only
// statement.
type NotReadOnlyError struct{ Query string }

func (e *NotReadOnlyError) Error() string {
	return fmt.Sprintf("store: sql escape hatch is read-only, rejected: %q", e.Query)
}

// readOnlyQuery is SQL's statement check: query must start with SELECT or
// WITH, ignoring leading whitespace and SQL line/block comments, and must
// not contain a trailing statement smuggled in after a semicolon. A WITH
// can still hold a data-modifying statement, so SQL also runs the query in
// a read-only transaction.
func readOnlyQuery(query string) bool {
	stripped := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(stripped, "--"):
			if i := strings.IndexByte(stripped, '\n'); i >= 0 {
				stripped = strings.TrimSpace(stripped[i+1:])
				continue
			}
			return false
		case strings.HasPrefix(stripped, "/*"):
			if i := strings.Index(stripped, "*/"); i >= 0 {
				stripped = strings.TrimSpace(stripped[i+2:])
				continue
			}
			return false
		}
		break
	}

	if body := strings.TrimSuffix(strings.TrimSpace(stripped), ";"); strings.Contains(body, ";") {
		return false
	}

	upper := strings.ToUpper(stripped)
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}

// Store is the per-instance indexing store. One Store is constructed per
// running instance, bound to that instance's {instance_id}__T tables; it
// is never a process-wide singleton, so multiple instances (e.g. during a
// crash-resume handoff) can exist side by side without sharing state.
type Store struct {
	pool       *pgxpool.Pool
	instanceID string
	schemas    map[string]TableSchema
	journal    *journal.Journal

	// mu enforces the spec's single-in-flight-handler contract: all store
	// operations issued while processing one event are strictly serialized.
	mu sync.Mutex
}

// New constructs a Store for instanceID. schemas is resolved once here and
// cached for the lifetime of the Store, per spec.md §4.E ("primary keys are
// resolved from the schema at store construction and cached").
func New(pool *pgxpool.Pool, instanceID string, schemas []TableSchema, j *journal.Journal) *Store {
	m := make(map[string]TableSchema, len(schemas))
	for _, s := range schemas {
		m[s.Name] = s
	}
	return &Store{pool: pool, instanceID: instanceID, schemas: m, journal: j}
}

func (s *Store) physicalTable(name string) string {
	return fmt.Sprintf("%s__%s", s.instanceID, name)
}

func (s *Store) resolve(name string) (TableSchema, error) {
	schema, ok := s.schemas[name]
	if !ok {
		return TableSchema{}, &UndefinedTableError{Table: name}
	}
	return schema, nil
}

// Find looks up a single row by primary key. It returns (nil, nil) if no
// row matches.
func (s *Store) Find(ctx context.Context, table string, key map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, err := s.resolve(table)
	if err != nil {
		return nil, err
	}

	row, err := s.findLocked(ctx, schema, key)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) findLocked(ctx context.Context, schema TableSchema, key map[string]any) (map[string]any, error) {
	where, args := whereClause(schema.PrimaryKey, key, 1)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", pgx.Identifier{s.physicalTable(schema.Name)}.Sanitize(), where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", schema.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := rowToMap(rows)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", schema.Name, err)
	}
	return row, nil
}

// Insert writes one new row. onConflict controls how a primary-key
// collision is handled: "" fails, "nothing" is a no-op, "update" overwrites
// with the given values through ON CONFLICT DO UPDATE. The journal records
// an insert when no row existed, the prior row image when "update"
// overwrote one, and nothing when "nothing" skipped. There is no batch form.
func (s *Store) Insert(ctx context.Context, cp checkpoint.Checkpoint, table string, values map[string]any, onConflict string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, err := s.resolve(table)
	if err != nil {
		return err
	}
	if schema.Kind != Onchain {
		return &InvalidStoreMethodError{Table: table, Method: "insert"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: insert %s: begin: %w", table, err)
	}
	defer tx.Rollback(ctx)

	cols, args, placeholders := insertClause(values)
	physical := pgx.Identifier{s.physicalTable(schema.Name)}.Sanitize()
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", physical, cols, placeholders)

	switch onConflict {
	case "nothing":
		query += " ON CONFLICT DO NOTHING"
	case "update":
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", pkColumns(schema.PrimaryKey), updateSet(values, schema.PrimaryKey))
	}

	key := pkFromValues(schema.PrimaryKey, values)
	var before map[string]any
	if onConflict != "" {
		if before, err = s.findInTx(ctx, tx, schema, key); err != nil {
			return fmt.Errorf("store: insert %s: %w", table, err)
		}
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: insert %s: %w", table, err)
	}

	switch {
	case before == nil:
		err = s.journal.RecordInsert(ctx, tx, s.instanceID, schema.Name, cp, key)
	case onConflict == "update":
		err = s.journal.RecordUpdate(ctx, tx, s.instanceID, schema.Name, cp, key, before)
	}
	if err != nil {
		return fmt.Errorf("store: insert %s: journal: %w", table, err)
	}

	return tx.Commit(ctx)
}

// Update applies set to the row matching key, journaling the before image
// in the same transaction. Returns RecordNotFoundError if no row matches.
func (s *Store) Update(ctx context.Context, cp checkpoint.Checkpoint, table string, key map[string]any, set map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, err := s.resolve(table)
	if err != nil {
		return err
	}
	if schema.Kind != Onchain {
		return &InvalidStoreMethodError{Table: table, Method: "update"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: update %s: begin: %w", table, err)
	}
	defer tx.Rollback(ctx)

	before, err := s.findInTx(ctx, tx, schema, key)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", table, err)
	}
	if before == nil {
		return &RecordNotFoundError{Table: table, Key: key}
	}

	where, whereArgs := whereClause(schema.PrimaryKey, key, len(set)+1)
	setClause, setArgs := assignClause(set)
	physical := pgx.Identifier{s.physicalTable(schema.Name)}.Sanitize()
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", physical, setClause, where)

	args := append(setArgs, whereArgs...)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: update %s: %w", table, err)
	}

	if err := s.journal.RecordUpdate(ctx, tx, s.instanceID, schema.Name, cp, key, before); err != nil {
		return fmt.Errorf("store: update %s: journal: %w", table, err)
	}

	return tx.Commit(ctx)
}

// Delete removes the row matching key, journaling its before image. It
// returns whether a row was deleted.
func (s *Store) Delete(ctx context.Context, cp checkpoint.Checkpoint, table string, key map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema, err := s.resolve(table)
	if err != nil {
		return false, err
	}
	if schema.Kind != Onchain {
		return false, &InvalidStoreMethodError{Table: table, Method: "delete"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: delete %s: begin: %w", table, err)
	}
	defer tx.Rollback(ctx)

	before, err := s.findInTx(ctx, tx, schema, key)
	if err != nil {
		return false, fmt.Errorf("store: delete %s: %w", table, err)
	}
	if before == nil {
		return false, nil
	}

	where, whereArgs := whereClause(schema.PrimaryKey, key, 1)
	physical := pgx.Identifier{s.physicalTable(schema.Name)}.Sanitize()
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", physical, where)

	if _, err := tx.Exec(ctx, query, whereArgs...); err != nil {
		return false, fmt.Errorf("store: delete %s: %w", table, err)
	}

	if err := s.journal.RecordDelete(ctx, tx, s.instanceID, schema.Name, cp, key, before); err != nil {
		return false, fmt.Errorf("store: delete %s: journal: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SQL is the read-only escape hatch: it rejects queries that fail
// readOnlyQuery and runs the rest in a read-only transaction, so it never
// writes. It does not restrict which tables or views a query reads. Every
// write, including to onchain tables, must go through
// Insert/Update/Delete so it is journaled (spec.md §9's design note,
// invariant 3).
func (s *Store) SQL(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if !readOnlyQuery(query) {
		return nil, &NotReadOnlyError{Query: query}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("store: sql: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: sql: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row, err := rowToMap(rows)
		if err != nil {
			return nil, fmt.Errorf("store: sql: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) findInTx(ctx context.Context, tx pgx.Tx, schema TableSchema, key map[string]any) (map[string]any, error) {
	where, args := whereClause(schema.PrimaryKey, key, 1)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", pgx.Identifier{s.physicalTable(schema.Name)}.Sanitize(), where)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return rowToMap(rows)
}

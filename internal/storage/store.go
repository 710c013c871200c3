package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/reverb-engine/reverb/internal/schema"
)

//go:embed schema.sql
var engineSchemaSQL string

// ErrNotFound is returned by FindOne-style reads when no record matches.
var ErrNotFound = errors.New("record not found")

// IDFunc produces record and event ids. The default is UUIDv7 (time-sortable);
// tests substitute a fixed sequence for determinism.
type IDFunc func() string

// Listener observes the mutation-event batch of a committing transaction.
// Listeners run inside the transaction, before commit, and may write through
// the supplied Tx; such writes are delivered to listeners again in the next
// round. A listener error aborts the commit.
type Listener func(ctx context.Context, tx *Tx, events []schema.MutationEvent) error

// Store provides durable storage for one application schema.
// Uses SQLite with WAL mode; a single write connection avoids SQLITE_BUSY.
type Store struct {
	db    *sql.DB
	reg   *schema.Registry
	newID IDFunc

	// listeners is populated at setup time only and read-only during
	// request handling.
	listeners []Listener

	mu     sync.Mutex
	active map[string]bool // open transaction names
}

// Option configures a Store.
type Option func(*Store)

// WithIDFunc overrides record/event id generation.
func WithIDFunc(fn IDFunc) Option {
	return func(s *Store) { s.newID = fn }
}

// Open creates or opens the SQLite database at path and applies the engine
// schema. Application tables are created separately by CreateTables, after
// computed-data schema setup has added its tracking properties.
func Open(path string, reg *schema.Registry, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite supports one writer; a single connection sidesteps lock errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(engineSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply engine schema: %w", err)
	}

	s := &Store{
		db:     db,
		reg:    reg,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
		active: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Registry returns the schema registry the store was opened with.
func (s *Store) Registry() *schema.Registry { return s.reg }

// Listen registers a mutation-event listener. Must only be called during
// setup; the listener slice is read without locking at request time.
func (s *Store) Listen(l Listener) {
	s.listeners = append(s.listeners, l)
}

// CreateTables generates and applies DDL for every entity and relation in
// the registry. Idempotent. Call after computed-data schema setup and
// Registry.Link.
func (s *Store) CreateTables(ctx context.Context) error {
	for _, e := range s.reg.Entities() {
		ddl := entityDDL(e)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table for entity %q: %w", e.Name, err)
		}
	}
	for _, rel := range s.reg.Relations() {
		for _, ddl := range relationDDL(rel) {
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("create table for relation %q: %w", rel.Name, err)
			}
		}
	}
	return nil
}

// entityTable and relationTable prefix application tables so they can never
// collide with engine-owned tables.
func entityTable(name string) string   { return "ent_" + name }
func relationTable(name string) string { return "rel_" + name }

func columnType(t schema.PropType) string {
	switch t {
	case schema.PropInt, schema.PropBool:
		return "INTEGER"
	case schema.PropFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func entityDDL(e *schema.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", entityTable(e.Name))
	b.WriteString("    id TEXT PRIMARY KEY")
	for _, p := range e.Properties {
		fmt.Fprintf(&b, ",\n    %s %s", p.Name, columnType(p.Type))
	}
	b.WriteString("\n)")
	return b.String()
}

func relationDDL(rel *schema.Relation) []string {
	var b strings.Builder
	table := relationTable(rel.Name)
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	b.WriteString("    id TEXT PRIMARY KEY,\n")
	b.WriteString("    source TEXT NOT NULL,\n")
	b.WriteString("    target TEXT NOT NULL")
	for _, p := range rel.Properties {
		fmt.Fprintf(&b, ",\n    %s %s", p.Name, columnType(p.Type))
	}
	// One relation instance per endpoint pair.
	b.WriteString(",\n    UNIQUE (source, target)\n)")
	return []string{
		b.String(),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_source ON %s(source)", rel.Name, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_target ON %s(target)", rel.Name, table),
	}
}

// Begin opens a named transaction. The name identifies the transaction in
// errors and guards against double-begin under the same name.
func (s *Store) Begin(ctx context.Context, name string) (*Tx, error) {
	s.mu.Lock()
	if s.active[name] {
		s.mu.Unlock()
		return nil, fmt.Errorf("begin transaction %q: already open", name)
	}
	s.active[name] = true
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.release(name)
		return nil, fmt.Errorf("begin transaction %q: %w", name, err)
	}
	return &Tx{name: name, store: s, tx: tx}, nil
}

func (s *Store) release(name string) {
	s.mu.Lock()
	delete(s.active, name)
	s.mu.Unlock()
}

// querier abstracts *sql.DB and *sql.Tx so reads can be shared between
// transactional and direct access.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

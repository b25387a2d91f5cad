// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the agent-local embedded store: conversation histories plus
// the workspace object/ref tables. Pure Go driver, no CGO.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at the given path and applies
// the schema.
func Open(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one concurrent writer. A single connection serializes
	// access through Go's pool, preventing "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory database. Tests only.
func OpenInMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS full_conversations (
			id TEXT PRIMARY KEY,
			messages TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS compact_conversations (
			id TEXT PRIMARY KEY,
			messages TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_objects (
			oid TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_refs (
			name TEXT PRIMARY KEY,
			target TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// -- workspace.ObjectStore implementation --

// PutObject stores one encoded git object. Objects are immutable; conflicts
// are ignored.
func (s *SQLiteStore) PutObject(ctx context.Context, oid string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_objects (oid, data) VALUES (?, ?) ON CONFLICT(oid) DO NOTHING`, oid, data)
	return err
}

// HasObject reports whether the object is already persisted.
func (s *SQLiteStore) HasObject(ctx context.Context, oid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspace_objects WHERE oid = ?`, oid).Scan(&n)
	return n > 0, err
}

// ListObjects loads every persisted object keyed by oid.
func (s *SQLiteStore) ListObjects(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT oid, data FROM workspace_objects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var oid string
		var data []byte
		if err := rows.Scan(&oid, &data); err != nil {
			return nil, err
		}
		out[oid] = data
	}
	return out, rows.Err()
}

// SetRef upserts one ref.
func (s *SQLiteStore) SetRef(ctx context.Context, name, target string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_refs (name, target) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET target = excluded.target`, name, target)
	return err
}

// ListRefs loads every ref.
func (s *SQLiteStore) ListRefs(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, target FROM workspace_refs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, target string
		if err := rows.Scan(&name, &target); err != nil {
			return nil, err
		}
		out[name] = target
	}
	return out, rows.Err()
}

// -- conversation tables --

// GetConversation reads the serialized messages of one session from the given
// table ("full_conversations" or "compact_conversations").
func (s *SQLiteStore) GetConversation(ctx context.Context, table, sessionID string) (string, error) {
	if err := validateConversationTable(table); err != nil {
		return "", err
	}
	var messages string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT messages FROM %s WHERE id = ?`, table), sessionID).Scan(&messages)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return messages, err
}

// SetConversation upserts the serialized messages of one session.
func (s *SQLiteStore) SetConversation(ctx context.Context, table, sessionID, messages string) error {
	if err := validateConversationTable(table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, messages) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET messages = excluded.messages`, table), sessionID, messages)
	return err
}

func validateConversationTable(table string) error {
	switch table {
	case "full_conversations", "compact_conversations":
		return nil
	default:
		return fmt.Errorf("unknown conversation table %q", table)
	}
}

// -- agent state --

// SaveAgentState persists the serialized durable agent state.
func (s *SQLiteStore) SaveAgentState(ctx context.Context, agentID, state string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		agentID, state, time.Now().UTC())
	return err
}

// LoadAgentState reads the serialized agent state, "" when absent.
func (s *SQLiteStore) LoadAgentState(ctx context.Context, agentID string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM agent_state WHERE id = ?`, agentID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return state, err
}

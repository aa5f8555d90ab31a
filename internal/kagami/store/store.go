// Package store provides database access for the Kagami proxy: onboarding
// instructions keyed by caller identity and an audit trail of routed calls.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs all pending
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -32000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// runMigrations applies any SQL files not yet recorded in schema_migrations.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// GetInstructions returns the stored onboarding instructions for identity.
// The bool reports whether the identity has any.
func (s *Store) GetInstructions(identity string) (string, bool, error) {
	var text string
	err := s.db.QueryRow(
		"SELECT instructions FROM onboarding_instructions WHERE identity = ?", identity,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get instructions: %w", err)
	}
	return text, true, nil
}

// SetInstructions replaces the instructions for identity.
func (s *Store) SetInstructions(identity, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO onboarding_instructions (identity, instructions, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identity) DO UPDATE SET
			instructions = excluded.instructions,
			updated_at   = CURRENT_TIMESTAMP
	`, identity, text)
	if err != nil {
		return fmt.Errorf("set instructions: %w", err)
	}
	return nil
}

// AppendInstructions adds text after any existing instructions for identity
// and returns the combined result.
func (s *Store) AppendInstructions(identity, text string) (string, error) {
	existing, ok, err := s.GetInstructions(identity)
	if err != nil {
		return "", err
	}
	combined := text
	if ok && existing != "" {
		combined = existing + "\n" + text
	}
	if err := s.SetInstructions(identity, combined); err != nil {
		return "", err
	}
	return combined, nil
}

// Identity summarizes one stored onboarding identity.
type Identity struct {
	Identity  string
	UpdatedAt time.Time
}

// ListIdentities returns every identity with stored instructions.
func (s *Store) ListIdentities() ([]Identity, error) {
	rows, err := s.db.Query(
		"SELECT identity, updated_at FROM onboarding_instructions ORDER BY identity",
	)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.Identity, &id.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteInstructions removes an identity's instructions. The bool reports
// whether anything was deleted.
func (s *Store) DeleteInstructions(identity string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM onboarding_instructions WHERE identity = ?", identity)
	if err != nil {
		return false, fmt.Errorf("delete instructions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CallRecord is one audited proxy call.
type CallRecord struct {
	ID        string
	TraceID   string
	Backend   string
	Method    string
	Tool      string
	Status    string
	Duration  time.Duration
	CreatedAt time.Time
}

// RecordCall appends one entry to the audit trail, assigning an id when the
// record has none.
func (s *Store) RecordCall(rec CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO call_audit (id, trace_id, backend, method, tool, status, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TraceID, rec.Backend, rec.Method, rec.Tool, rec.Status, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// RecentCalls returns the newest audit entries, most recent first.
func (s *Store) RecentCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, trace_id, backend, method, tool, status, duration_ms, created_at
		FROM call_audit ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var ms int64
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Backend, &rec.Method, &rec.Tool, &rec.Status, &ms, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

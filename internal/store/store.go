// Package store persists the controllers seen by the daemon so they can be
// restored and reconnected after a restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no controller has the requested identity.
var ErrNotFound = errors.New("store: controller not found")

// Controller is one remembered controller.
type Controller struct {
	ID            uuid.UUID `json:"id"`
	Address       string    `json:"address,omitempty"`
	Name          string    `json:"name"`
	LastSeen      time.Time `json:"last_seen"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	AutoConnect   bool      `json:"auto_connect"`
}

// Store is a sqlite-backed controller registry.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS controllers (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			last_seen TEXT NOT NULL,
			last_connected TEXT,
			auto_connect INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_controllers_last_seen ON controllers(last_seen);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// MarkSeen records that a controller advertised at. New controllers are
// created with auto-connect enabled; known ones keep their setting. Empty
// address or name values do not overwrite stored ones.
func (s *Store) MarkSeen(ctx context.Context, id uuid.UUID, address, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO controllers (id, address, name, last_seen, auto_connect)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			address = CASE WHEN excluded.address != '' THEN excluded.address ELSE controllers.address END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE controllers.name END,
			last_seen = excluded.last_seen`,
		id.String(), address, name, formatTime(at))
	if err != nil {
		return fmt.Errorf("store: mark seen %s: %w", id, err)
	}
	return nil
}

// MarkConnected records a successful connection.
func (s *Store) MarkConnected(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.update(ctx, id, "mark connected",
		`UPDATE controllers SET last_connected = ?, last_seen = ? WHERE id = ?`,
		formatTime(at), formatTime(at), id.String())
}

// SetAutoConnect enables or disables reconnecting a controller on startup.
func (s *Store) SetAutoConnect(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.update(ctx, id, "set auto connect",
		`UPDATE controllers SET auto_connect = ? WHERE id = ?`,
		boolInt(enabled), id.String())
}

// Delete forgets a controller.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, "delete", `DELETE FROM controllers WHERE id = ?`, id.String())
}

func (s *Store) update(ctx context.Context, id uuid.UUID, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: %s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

const selectColumns = `SELECT id, address, name, last_seen, last_connected, auto_connect FROM controllers`

// Get returns the controller with id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Controller, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id.String())
	c, err := scanController(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Controller{}, fmt.Errorf("store: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Controller{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return c, nil
}

// List returns every controller, most recently seen first.
func (s *Store) List(ctx context.Context) ([]Controller, error) {
	return s.query(ctx, selectColumns+` ORDER BY last_seen DESC, id`)
}

func (s *Store) query(ctx context.Context, query string) ([]Controller, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Controller
	for rows.Next() {
		c, err := scanController(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable controller row", "error", err)
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanController(row scanner) (Controller, error) {
	var (
		c             Controller
		id, lastSeen  string
		lastConnected sql.NullString
		autoConnect   int
	)
	if err := row.Scan(&id, &c.Address, &c.Name, &lastSeen, &lastConnected, &autoConnect); err != nil {
		return Controller{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Controller{}, fmt.Errorf("bad id %q: %w", id, err)
	}
	c.ID = parsed
	c.LastSeen = parseTime(lastSeen)
	if lastConnected.Valid {
		c.LastConnected = parseTime(lastConnected.String)
	}
	c.AutoConnect = autoConnect != 0
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

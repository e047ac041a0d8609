// Package vmstore persists VM instance records in SQLite so allocations
// and their persistent-disk references survive control-plane restarts.
package vmstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/vmstore/migrations"
)

// ErrNotFound is returned when no record exists for the given key.
var ErrNotFound = errors.New("vmstore: not found")

// Record is one persisted VM instance row.
type Record struct {
	ID           string
	UserID       string
	OrgID        string
	Mode         string
	Status       string
	BackendID    string
	DiskRef      string
	CreatedAt    time.Time
	LastActivity time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. All access is serialized through a single connection;
// SQLite does not handle concurrent writers well.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		return nil, err
	}

	logging.Infof("vm store initialized at %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save inserts or replaces an instance record.
func (s *Store) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vm_instances (id, user_id, org_id, mode, status, backend_id, disk_ref, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			backend_id = excluded.backend_id,
			disk_ref = excluded.disk_ref,
			last_activity = excluded.last_activity`,
		r.ID, r.UserID, r.OrgID, r.Mode, r.Status, r.BackendID, r.DiskRef, r.CreatedAt, r.LastActivity)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the record with the given instance ID.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, mode, status, backend_id, disk_ref, created_at, last_activity
		FROM vm_instances WHERE id = ?`, id)
	return scanRecord(row)
}

// ActiveForUser returns the user's non-terminated instance, if any.
func (s *Store) ActiveForUser(ctx context.Context, userID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, mode, status, backend_id, disk_ref, created_at, last_activity
		FROM vm_instances
		WHERE user_id = ? AND status != 'terminated'
		ORDER BY created_at DESC LIMIT 1`, userID)
	return scanRecord(row)
}

// ListActive returns every non-terminated instance. Used at startup to
// resume supervision of instances allocated before a restart.
func (s *Store) ListActive(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, org_id, mode, status, backend_id, disk_ref, created_at, last_activity
		FROM vm_instances WHERE status != 'terminated'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.OrgID, &r.Mode, &r.Status, &r.BackendID, &r.DiskRef, &r.CreatedAt, &r.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.UserID, &r.OrgID, &r.Mode, &r.Status, &r.BackendID, &r.DiskRef, &r.CreatedAt, &r.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

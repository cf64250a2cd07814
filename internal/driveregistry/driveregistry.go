// Package driveregistry persists the remote dispatcher's view of drive
// lifecycle (DRIVE_ADD, DRIVE_DEL, BLOCK_RESIZE) to a WAL-mode SQLite
// database, so a restarted remote can report which drives it believes
// exist without re-deriving it from the device model.
//
// It follows internal/queue/sqlite_queue.go's pattern: a single-writer
// connection pool, WAL journal mode, and NORMAL synchronous durability.
package driveregistry

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Registry is a WAL-mode SQLite-backed store of drive records. It is safe
// for concurrent use.
type Registry struct {
	db *sql.DB
}

const ddl = `
CREATE TABLE IF NOT EXISTS drives (
    id           TEXT PRIMARY KEY,
    backing_file TEXT NOT NULL DEFAULT '',
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    removed      INTEGER NOT NULL DEFAULT 0,
    created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// New opens (or creates) the SQLite database at path and applies the
// schema. path may be ":memory:" for tests.
func New(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("driveregistry: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("driveregistry: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("driveregistry: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("driveregistry: apply schema: %w", err)
	}

	return &Registry{db: db}, nil
}

// Record is one drive's current state.
type Record struct {
	ID          string
	BackingFile string
	SizeBytes   int64
	Removed     bool
}

// DriveAdd upserts a drive record from a DRIVE_ADD options map ("id",
// "file", "size"). It implements remotedispatch.DeviceController.
func (r *Registry) DriveAdd(opts map[string]string) error {
	id := opts["id"]
	if id == "" {
		return fmt.Errorf("driveregistry: drive_add: missing id")
	}
	var size int64
	if s, ok := opts["size"]; ok {
		size, _ = strconv.ParseInt(s, 10, 64)
	}
	_, err := r.db.Exec(
		`INSERT INTO drives (id, backing_file, size_bytes, removed) VALUES (?, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET backing_file = excluded.backing_file, size_bytes = excluded.size_bytes, removed = 0`,
		id, opts["file"], size,
	)
	if err != nil {
		return fmt.Errorf("driveregistry: drive_add %q: %w", id, err)
	}
	return nil
}

// DriveDel marks a drive removed from a DRIVE_DEL options map ("id"). It
// implements remotedispatch.DeviceController.
func (r *Registry) DriveDel(opts map[string]string) error {
	id := opts["id"]
	if id == "" {
		return fmt.Errorf("driveregistry: drive_del: missing id")
	}
	if _, err := r.db.Exec(`UPDATE drives SET removed = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("driveregistry: drive_del %q: %w", id, err)
	}
	return nil
}

// BlockResize updates a drive's recorded size from a BLOCK_RESIZE options
// map ("id", "size"). It implements remotedispatch.DeviceController.
func (r *Registry) BlockResize(opts map[string]string) error {
	id := opts["id"]
	if id == "" {
		return fmt.Errorf("driveregistry: block_resize: missing id")
	}
	size, err := strconv.ParseInt(opts["size"], 10, 64)
	if err != nil {
		return fmt.Errorf("driveregistry: block_resize %q: invalid size %q: %w", id, opts["size"], err)
	}
	if _, err := r.db.Exec(`UPDATE drives SET size_bytes = ? WHERE id = ?`, size, id); err != nil {
		return fmt.Errorf("driveregistry: block_resize %q: %w", id, err)
	}
	return nil
}

// List returns every non-removed drive record, ordered by id, for a
// restarted remote to report what it believes exists.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, backing_file, size_bytes, removed FROM drives WHERE removed = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("driveregistry: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var removed int
		if err := rows.Scan(&rec.ID, &rec.BackingFile, &rec.SizeBytes, &removed); err != nil {
			return nil, fmt.Errorf("driveregistry: list scan: %w", err)
		}
		rec.Removed = removed != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("driveregistry: list rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

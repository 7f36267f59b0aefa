package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Index is a queryable sqlite projection of plan metadata, refreshed from the
// JSON snapshots as the facade loads them on startup and on every save. It
// exists purely to make list(filter) (spec.md §6.1) fast without scanning
// plans/ on every call; the JSON snapshots remain the sole source of truth,
// and Index degrades to "caller falls back to a directory scan" if it is
// missing, fails to open, or a query fails, matching
// the teacher's learning.Store sqlite-wiring idiom.
type Index struct {
	db *sql.DB
}

// Row is one plan's indexed metadata.
type Row struct {
	ID        string
	Name      string
	Status    string
	UpdatedAt time.Time
}

// OpenIndex opens (creating if needed) the sqlite index at
// <repo>/.orchestrator/index.db.
func OpenIndex(repoPath string) (*Index, error) {
	dir := filepath.Join(repoPath, ".orchestrator")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create orchestrator dir: %w", err)
	}
	dbPath := filepath.Join(dir, "index.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

// Upsert records or refreshes one plan's metadata row.
func (idx *Index) Upsert(row Row) error {
	_, err := idx.db.Exec(`
		INSERT INTO plans (id, name, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, updated_at=excluded.updated_at
	`, row.ID, row.Name, row.Status, row.UpdatedAt.Unix())
	return err
}

// Delete removes a plan's row (e.g. on explicit plan deletion).
func (idx *Index) Delete(planID string) error {
	_, err := idx.db.Exec(`DELETE FROM plans WHERE id = ?`, planID)
	return err
}

// List returns plans optionally filtered by status ("" means all), newest
// first. Callers treat a returned error as "index unavailable" and fall back
// to scanning the plans/ directory directly (spec.md §7 Infrastructure
// errors never crash the core).
func (idx *Index) List(status string) ([]Row, error) {
	query := `SELECT id, name, status, updated_at FROM plans`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		var updatedAt int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		r.UpdatedAt = time.Unix(updatedAt, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

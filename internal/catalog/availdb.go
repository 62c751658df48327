package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// AvailDB is the availability index: one row per storage key known to be on
// local media. NextMissing consults it instead of statting the vault for
// every record, and the vault keeps it in sync on store/delete/evict.
//
// The DB file lives under the vault root so it travels with the media. Losing
// it is safe: the scheduler still skips real files via the vault's own
// Exists check; a key is marked again only when it is stored again.
type AvailDB struct {
	db *sql.DB
}

// OpenAvailDB opens (creating if needed) the availability index at path.
func OpenAvailDB(path string) (*AvailDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("availdb: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("availdb: open: %w", err)
	}
	// Single connection: the index sees tiny transactions from two goroutines
	// (scheduler and eviction) and sqlite handles that poorly with a pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS assets (
		key      TEXT PRIMARY KEY,
		added_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("availdb: schema: %w", err)
	}
	return &AvailDB{db: db}, nil
}

// Has reports whether key is recorded as locally available. Errors read as
// "not available" so a corrupt index only costs re-checks, never skips.
func (a *AvailDB) Has(key string) bool {
	if a == nil {
		return false
	}
	var one int
	err := a.db.QueryRow(`SELECT 1 FROM assets WHERE key = ?`, key).Scan(&one)
	return err == nil
}

// MarkAvailable records key as present on local media.
func (a *AvailDB) MarkAvailable(key string) error {
	if a == nil {
		return nil
	}
	_, err := a.db.Exec(`INSERT OR REPLACE INTO assets (key, added_at) VALUES (?, ?)`,
		key, time.Now().Unix())
	return err
}

// MarkMissing removes key from the index (deletion or eviction).
func (a *AvailDB) MarkMissing(key string) error {
	if a == nil {
		return nil
	}
	_, err := a.db.Exec(`DELETE FROM assets WHERE key = ?`, key)
	return err
}

// Count returns the number of indexed keys. Diagnostic.
func (a *AvailDB) Count() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM assets`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (a *AvailDB) Close() error {
	if a == nil {
		return nil
	}
	return a.db.Close()
}

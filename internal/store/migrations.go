package store

import (
	"database/sql"
	"fmt"

	"reteul/internal/logging"
)

// Schema versions:
// v1: facts and import_queue (insert-only queue)
// v2: import_queue.is_delete for queued retractions
const CurrentSchemaVersion = 2

// Migration adds one column to an existing table.
type Migration struct {
	Version int
	Table   string
	Column  string
	Def     string
}

// pendingMigrations upgrade databases created by older versions. Fresh
// databases already have every column.
var pendingMigrations = []Migration{
	{2, "import_queue", "is_delete", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations brings db up to CurrentSchemaVersion and records it.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_versions: %w", err)
	}

	from := GetSchemaVersion(db)
	applied := 0
	for _, m := range pendingMigrations {
		if m.Version <= from || !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration v%d %s.%s: %w", m.Version, m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if _, err := db.Exec("INSERT OR REPLACE INTO schema_versions (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if from < CurrentSchemaVersion {
		logging.Store("Schema migrated v%d -> v%d (%d applied)", from, CurrentSchemaVersion, applied)
	}
	return nil
}

// GetSchemaVersion returns the recorded schema version, inferring it from
// the table layout for databases that predate version tracking.
func GetSchemaVersion(db *sql.DB) int {
	if tableExists(db, "schema_versions") {
		var version sql.NullInt64
		if err := db.QueryRow("SELECT MAX(version) FROM schema_versions").Scan(&version); err == nil && version.Valid {
			return int(version.Int64)
		}
	}
	switch {
	case !tableExists(db, "facts"):
		return 0
	case columnExists(db, "import_queue", "is_delete"):
		return 2
	}
	return 1
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	return err == nil && count > 0
}

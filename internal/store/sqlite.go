package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // driver "sqlite3"
	_ "modernc.org/sqlite"          // driver "sqlite"

	"reteul/internal/logging"
	"reteul/internal/types"
)

// SQLiteStore keeps facts and the import queue in one SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes queue pops
	dbPath string
	driver string
}

// NewSQLiteStore opens (creating if needed) the database at path. driver is
// "sqlite3" for mattn/go-sqlite3 or "sqlite" for the pure Go modernc driver.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	if driver == "" {
		driver = "sqlite3"
	}
	logging.Store("Initializing SQLite fact store at %s (driver %s)", path, driver)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path, driver: driver}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.StoreDebug("SQLite schema initialized")
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts(subject);
	CREATE INDEX IF NOT EXISTS idx_facts_predicate ON facts(predicate);
	CREATE INDEX IF NOT EXISTS idx_facts_object ON facts(object);

	CREATE TABLE IF NOT EXISTS import_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		network TEXT NOT NULL,
		fact_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object TEXT NOT NULL,
		is_delete INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_import_queue_network ON import_queue(network, seq);
	`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return RunMigrations(s.db)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id types.FactID) (types.Fact, error) {
	f := types.Fact{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT subject, predicate, object FROM facts WHERE id = ?", string(id),
	).Scan(&f.Subject, &f.Predicate, &f.Object)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Fact{}, types.ErrFactNotFound
	}
	if err != nil {
		return types.Fact{}, fmt.Errorf("get fact %s: %w", id, err)
	}
	return f, nil
}

func (s *SQLiteStore) Put(ctx context.Context, f types.Fact) (types.Fact, error) {
	if f.ID == "" {
		f.ID = types.NewFactID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, subject, predicate, object) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET subject = excluded.subject, predicate = excluded.predicate, object = excluded.object`,
		string(f.ID), f.Subject, f.Predicate, f.Object)
	if err != nil {
		return types.Fact{}, fmt.Errorf("put fact %s: %w", f.ID, err)
	}
	logging.StoreDebug("Stored fact %s", f)
	return f, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id types.FactID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM facts WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("delete fact %s: %w", id, err)
	}
	logging.StoreDebug("Deleted fact %s", id)
	return nil
}

var factColumns = map[types.Field]string{
	types.FieldID:        "id",
	types.FieldSubject:   "subject",
	types.FieldPredicate: "predicate",
	types.FieldObject:    "object",
}

func errUnknownField(f types.Field) error {
	return fmt.Errorf("unknown field %s", f)
}

// FindByField returns the ids of facts whose field equals value, sorted.
func (s *SQLiteStore) FindByField(ctx context.Context, field types.Field, value string) ([]types.FactID, error) {
	col, ok := factColumns[field]
	if !ok {
		return nil, errUnknownField(field)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM facts WHERE "+col+" = ? ORDER BY id", value)
	if err != nil {
		return nil, fmt.Errorf("find facts by %s: %w", field, err)
	}
	defer rows.Close()

	var out []types.FactID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.FactID(id))
	}
	return out, rows.Err()
}

// All returns every stored fact ordered by id.
func (s *SQLiteStore) All(ctx context.Context) ([]types.Fact, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, subject, predicate, object FROM facts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []types.Fact
	for rows.Next() {
		var f types.Fact
		var id string
		if err := rows.Scan(&id, &f.Subject, &f.Predicate, &f.Object); err != nil {
			return nil, err
		}
		f.ID = types.FactID(id)
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// IMPORT QUEUE
// =============================================================================

func (s *SQLiteStore) Push(ctx context.Context, network string, f types.Fact, del bool) error {
	flag := 0
	if del {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO import_queue (network, fact_id, subject, predicate, object, is_delete) VALUES (?, ?, ?, ?, ?, ?)",
		network, string(f.ID), f.Subject, f.Predicate, f.Object, flag)
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", f.ID, network, err)
	}
	return nil
}

func (s *SQLiteStore) Pop(ctx context.Context, network string) (types.QueuedFact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.QueuedFact{}, false, err
	}
	defer tx.Rollback()

	var (
		seq  int64
		id   string
		flag int
		q    types.QueuedFact
	)
	err = tx.QueryRowContext(ctx,
		"SELECT seq, fact_id, subject, predicate, object, is_delete FROM import_queue WHERE network = ? ORDER BY seq LIMIT 1",
		network,
	).Scan(&seq, &id, &q.Fact.Subject, &q.Fact.Predicate, &q.Fact.Object, &flag)
	if errors.Is(err, sql.ErrNoRows) {
		return types.QueuedFact{}, false, nil
	}
	if err != nil {
		return types.QueuedFact{}, false, fmt.Errorf("pop %s: %w", network, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM import_queue WHERE seq = ?", seq); err != nil {
		return types.QueuedFact{}, false, fmt.Errorf("pop %s: %w", network, err)
	}
	if err := tx.Commit(); err != nil {
		return types.QueuedFact{}, false, err
	}
	q.Fact.ID = types.FactID(id)
	q.Delete = flag != 0
	return q, true, nil
}

func (s *SQLiteStore) Len(ctx context.Context, network string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM import_queue WHERE network = ?", network).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", network, err)
	}
	return n, nil
}

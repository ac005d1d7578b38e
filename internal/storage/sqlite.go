package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding extracted PDF page text.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docchat.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Page text ---

// LoadPageTexts returns the stored page text of fileID. The second result is
// false when nothing is stored or the stored copy was extracted from a blob
// with a different checksum.
func (s *Store) LoadPageTexts(ctx context.Context, fileID, checksum string) ([]string, bool, error) {
	var stored string
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT checksum, page_count FROM documents WHERE file_id = ?", fileID,
	).Scan(&stored, &count)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading document %s: %w", fileID, err)
	}
	if stored != checksum {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT page_index, text FROM page_text WHERE file_id = ? ORDER BY page_index ASC", fileID)
	if err != nil {
		return nil, false, fmt.Errorf("loading page text %s: %w", fileID, err)
	}
	defer rows.Close()

	pages := make([]string, count)
	seen := 0
	for rows.Next() {
		var idx int
		var text string
		if err := rows.Scan(&idx, &text); err != nil {
			return nil, false, err
		}
		if idx < 0 || idx >= count {
			continue
		}
		pages[idx] = text
		seen++
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if seen != count {
		return nil, false, nil
	}
	return pages, true, nil
}

// SavePageTexts replaces whatever is stored for fileID with pages.
func (s *Store) SavePageTexts(ctx context.Context, fileID, checksum string, pages []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("clearing document %s: %w", fileID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (file_id, checksum, page_count, stored_at) VALUES (?, ?, ?, ?)`,
		fileID, checksum, len(pages), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("saving document %s: %w", fileID, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO page_text (file_id, page_index, text) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, text := range pages {
		if _, err := stmt.ExecContext(ctx, fileID, i, text); err != nil {
			return fmt.Errorf("saving page %d of %s: %w", i+1, fileID, err)
		}
	}
	return tx.Commit()
}

// DeletePageTexts drops the stored text of fileID. Missing entries are not an error.
func (s *Store) DeletePageTexts(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE file_id = ?", fileID)
	return err
}

// ListDocuments returns the documents with stored text, most recent first.
func (s *Store) ListDocuments(ctx context.Context) ([]CachedDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT file_id, checksum, page_count, stored_at FROM documents ORDER BY stored_at DESC, file_id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []CachedDocument
	for rows.Next() {
		var d CachedDocument
		var storedAt string
		if err := rows.Scan(&d.FileID, &d.Checksum, &d.PageCount, &storedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, storedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing stored_at: %w", err)
		}
		d.StoredAt = t
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

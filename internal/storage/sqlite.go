package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStorage struct {
	*sqlStore
}

// NewSQLiteStorage opens (or creates) the database file at path and applies
// the schema. The parent directory is created when missing.
func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating database directory: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// single writer keeps transactions from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("error executing migrations: %w", err)
	}
	logger.Info("SQLite storage ready", zap.String("path", path))

	return &SQLiteStorage{sqlStore: &sqlStore{db: db, rebind: questionMarks, logger: logger}}, nil
}

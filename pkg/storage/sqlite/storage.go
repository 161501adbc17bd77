// Package sqlite implements the message store on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/vxchat/vxnode/pkg/storage/repository"
)

// SQLiteStorage implements the storage.Storage interface for SQLite.
type SQLiteStorage struct {
	db       *sql.DB
	messages repository.MessageRepository
}

// NewSQLiteStorage opens (or creates) the database file at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required for SQLite storage")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	return &SQLiteStorage{
		db:       db,
		messages: NewMessageRepository(db),
	}, nil
}

// Connect verifies the database and creates the schema.
func (s *SQLiteStorage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chat (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			contents   TEXT NOT NULL,
			timestamp  INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create chat table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_chat_channel ON chat (channel_id, id)`)
	if err != nil {
		return fmt.Errorf("create chat index: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Messages returns the message repository.
func (s *SQLiteStorage) Messages() repository.MessageRepository {
	return s.messages
}

// Ping checks if the database connection is alive.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

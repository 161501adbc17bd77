// Package postgres implements the message store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vxchat/vxnode/pkg/storage/repository"
)

// PostgresStorage implements the storage.Storage interface for PostgreSQL.
type PostgresStorage struct {
	db       *sql.DB
	messages repository.MessageRepository
}

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(databaseURL string, maxIdleConns, maxOpenConns int, maxLifetime time.Duration) (*PostgresStorage, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required for PostgreSQL storage")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open PostgreSQL connection: %w", err)
	}

	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}

	return &PostgresStorage{
		db:       db,
		messages: NewMessageRepository(db),
	}, nil
}

// Connect verifies the connection and creates the schema.
func (s *PostgresStorage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chat (
			id         BIGSERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			contents   TEXT NOT NULL,
			timestamp  BIGINT NOT NULL
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
func (s *PostgresStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Messages returns the message repository.
func (s *PostgresStorage) Messages() repository.MessageRepository {
	return s.messages
}

// Ping checks if the database connection is alive.
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Package storage selects and wires the message store backend.
package storage

import (
	"context"
	"time"

	"github.com/vxchat/vxnode/pkg/storage/repository"
)

// Storage is the message store abstraction handed to the server.
type Storage interface {
	Messages() repository.MessageRepository

	// Lifecycle management
	Connect(ctx context.Context) error
	Close() error

	// Health check
	Ping(ctx context.Context) error
}

// Config holds storage configuration for the supported backends.
type Config struct {
	Driver       string        // "sqlite" or "postgres"
	Path         string        // sqlite database file
	DatabaseURL  string        // postgres connection string
	MaxIdleConns int           // connection pool - max idle connections
	MaxOpenConns int           // connection pool - max open connections
	MaxLifetime  time.Duration // connection pool - max connection lifetime
}

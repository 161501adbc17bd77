package repository

import (
	"context"
	"errors"

	"github.com/vxchat/vxnode/pkg/protocol"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

// ChunkSize is the number of messages in one history page.
const ChunkSize = 50

// MessageRepository persists chat messages. Ids are assigned by the store
// and increase monotonically in insertion order.
type MessageRepository interface {
	// Insert stores a new message and returns it with its assigned id.
	Insert(ctx context.Context, channelID, from, contents string, timestamp int64) (protocol.ChatMessage, error)

	// Edit replaces the contents of an existing message.
	Edit(ctx context.Context, messageID int64, newContents string) error

	// Delete removes a message. Deleting an absent id returns ErrNotFound.
	Delete(ctx context.Context, messageID int64) error

	// GetByID returns the message, or nil when the id does not exist.
	GetByID(ctx context.Context, messageID int64) (*protocol.ChatMessage, error)

	// GetAfterID returns every message with an id greater than messageID,
	// ascending by id.
	GetAfterID(ctx context.Context, messageID int64) ([]protocol.ChatMessage, error)

	// GetChunk returns page chunkID of a channel's history, newest first.
	// Page 0 holds the most recent messages.
	GetChunk(ctx context.Context, channelID string, chunkID int) ([]protocol.ChatMessage, error)
}

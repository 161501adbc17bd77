package postgres

import (
	"context"
	"database/sql"

	"github.com/vxchat/vxnode/pkg/protocol"
	"github.com/vxchat/vxnode/pkg/storage/repository"
)

type messageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a PostgreSQL-backed message repository.
func NewMessageRepository(db *sql.DB) repository.MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Insert(ctx context.Context, channelID, from, contents string, timestamp int64) (protocol.ChatMessage, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO chat (channel_id, user_id, contents, timestamp)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		channelID, from, contents, timestamp).Scan(&id)
	if err != nil {
		return protocol.ChatMessage{}, err
	}

	return protocol.ChatMessage{
		ID:        id,
		ChannelID: channelID,
		From:      from,
		Contents:  contents,
		Timestamp: timestamp,
	}, nil
}

func (r *messageRepository) Edit(ctx context.Context, messageID int64, newContents string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chat SET contents = $2 WHERE id = $1`, messageID, newContents)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *messageRepository) Delete(ctx context.Context, messageID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat WHERE id = $1`, messageID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *messageRepository) GetByID(ctx context.Context, messageID int64) (*protocol.ChatMessage, error) {
	var msg protocol.ChatMessage
	err := r.db.QueryRowContext(ctx,
		`SELECT id, channel_id, user_id, contents, timestamp FROM chat WHERE id = $1`,
		messageID).Scan(&msg.ID, &msg.ChannelID, &msg.From, &msg.Contents, &msg.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) GetAfterID(ctx context.Context, messageID int64) ([]protocol.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, channel_id, user_id, contents, timestamp FROM chat
		 WHERE id > $1 ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *messageRepository) GetChunk(ctx context.Context, channelID string, chunkID int) ([]protocol.ChatMessage, error) {
	if chunkID < 0 {
		chunkID = 0
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, channel_id, user_id, contents, timestamp FROM chat
		 WHERE channel_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		channelID, repository.ChunkSize, chunkID*repository.ChunkSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]protocol.ChatMessage, error) {
	messages := make([]protocol.ChatMessage, 0)
	for rows.Next() {
		var msg protocol.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.From, &msg.Contents, &msg.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/vxchat/vxnode/pkg/protocol"
)

func (d *NodeDispatcher) handleSend(ctx context.Context, sess *Session, params protocol.SendMessageParams) error {
	if strings.TrimSpace(params.Contents) == "" {
		return protocol.NewResponseError(protocol.ErrInvalidRequest, "empty message contents")
	}
	if params.ChannelID == "" {
		return protocol.NewResponseError(protocol.ErrInvalidRequest, "missing channel_id")
	}

	msg, err := d.messages.Insert(ctx, params.ChannelID, sess.UserID(), params.Contents, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	d.registry.Broadcast(protocol.MessageCreate(msg))
	if d.mirror != nil {
		d.mirror.MirrorMessageSent(sess.UserID(), msg)
	}
	return nil
}

func (d *NodeDispatcher) handleEdit(ctx context.Context, sess *Session, params protocol.EditMessageParams) error {
	existing, err := d.messages.GetByID(ctx, params.MessageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", params.MessageID, err)
	}
	if existing == nil {
		return protocol.NewResponseError(protocol.ErrNotFound, "no message with id %d", params.MessageID)
	}
	if existing.From != sess.UserID() {
		return protocol.NewResponseError(protocol.ErrUnauthorized, "message %d belongs to another user", params.MessageID)
	}

	if err := d.messages.Edit(ctx, params.MessageID, params.NewContents); err != nil {
		return fmt.Errorf("edit message %d: %w", params.MessageID, err)
	}

	updated := *existing
	updated.Contents = params.NewContents
	d.registry.Broadcast(protocol.MessageUpdate(updated))
	return nil
}

func (d *NodeDispatcher) handleDelete(ctx context.Context, sess *Session, params protocol.DeleteMessageParams) error {
	existing, err := d.messages.GetByID(ctx, params.MessageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", params.MessageID, err)
	}
	if existing == nil {
		return protocol.NewResponseError(protocol.ErrNotFound, "no message with id %d", params.MessageID)
	}
	if existing.From != sess.UserID() {
		return protocol.NewResponseError(protocol.ErrUnauthorized, "message %d belongs to another user", params.MessageID)
	}

	if err := d.messages.Delete(ctx, params.MessageID); err != nil {
		return fmt.Errorf("delete message %d: %w", params.MessageID, err)
	}

	d.registry.Broadcast(protocol.MessageDelete(existing.ChannelID, existing.ID))
	return nil
}

func (d *NodeDispatcher) handleLoadChunk(ctx context.Context, sess *Session, params protocol.LoadChunkParams) error {
	if params.ChunkID < 0 {
		return protocol.NewResponseError(protocol.ErrInvalidRequest, "negative chunk_id")
	}

	page, err := d.messages.GetChunk(ctx, params.ChannelID, params.ChunkID)
	if err != nil {
		return fmt.Errorf("load chunk %d of %s: %w", params.ChunkID, params.ChannelID, err)
	}

	// Pages come back newest first; clients consume them oldest first.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return sess.Send(protocol.Chunk(page))
}

func (d *NodeDispatcher) handleTyping(sess *Session, params protocol.TypingParams) error {
	if params.ChannelID == "" {
		return protocol.NewResponseError(protocol.ErrInvalidRequest, "missing channel_id")
	}

	ctx := protocol.IndicatorContext{
		Indicator: protocol.TypingIndicator(sess.UserID(), params.ChannelID),
		Expires:   typingExpiry,
	}
	d.indicators.Add(ctx)
	d.registry.Broadcast(protocol.IndicatorEvent(ctx))
	return nil
}

func (d *NodeDispatcher) handleJoinVoice(sess *Session, params protocol.VoiceParams) error {
	if params.ChannelID == "" {
		return protocol.NewResponseError(protocol.ErrInvalidRequest, "missing channel_id")
	}

	voiceID, prev := d.voice.Join(params.ChannelID, sess.UserID())
	if prev != nil {
		d.registry.Broadcast(protocol.VoiceLeave(sess.UserID(), prev.ChannelID, prev.VoiceID))
	}
	d.registry.Broadcast(protocol.VoiceJoin(sess.UserID(), params.ChannelID, voiceID))
	return nil
}

func (d *NodeDispatcher) handleLeaveVoice(sess *Session, params protocol.VoiceParams) error {
	if params.ChannelID == "" {
		return protocol.NewResponseError(protocol.ErrInvalidRequest, "missing channel_id")
	}

	voiceID, ok := d.voice.Leave(params.ChannelID, sess.UserID())
	if !ok {
		return nil
	}
	d.registry.Broadcast(protocol.VoiceLeave(sess.UserID(), params.ChannelID, voiceID))
	return nil
}

// relayVoice forwards an audio frame to everyone else in the sender's voice
// channel, prefixed with the sender's relay id. Frames from users outside any
// voice channel are dropped.
func (d *NodeDispatcher) relayVoice(sess *Session, frame []byte) error {
	channelID, voiceID, ok := d.voice.Find(sess.UserID())
	if !ok {
		return nil
	}

	out := make([]byte, 2+len(frame))
	binary.LittleEndian.PutUint16(out, voiceID)
	copy(out[2:], frame)

	targets := d.voice.Participants(channelID)
	recipients := targets[:0]
	for _, userID := range targets {
		if userID != sess.UserID() {
			recipients = append(recipients, userID)
		}
	}
	d.registry.BroadcastBinaryTo(recipients, out)
	return nil
}

package server

import (
	"context"

	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/protocol"
	"github.com/vxchat/vxnode/pkg/storage/repository"
	"github.com/vxchat/vxnode/pkg/voice"
)

// Dispatcher routes one inbound envelope from an authenticated session.
// The implementation is chosen at server construction.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess *Session, env protocol.Envelope) error
}

// messageMirror is the slice of the plugin manager the dispatcher needs.
type messageMirror interface {
	MirrorMessageSent(userID string, msg protocol.ChatMessage)
}

// NodeDispatcher is the standard client-facing dispatcher: it owns message
// persistence, history paging, indicators and the voice relay.
type NodeDispatcher struct {
	messages   repository.MessageRepository
	registry   *Registry
	voice      *voice.Registry
	indicators *IndicatorTracker
	mirror     messageMirror
}

// NewNodeDispatcher wires the standard dispatcher. mirror may be nil when no
// plugin manager is running.
func NewNodeDispatcher(
	messages repository.MessageRepository,
	registry *Registry,
	voiceReg *voice.Registry,
	indicators *IndicatorTracker,
	mirror messageMirror,
) *NodeDispatcher {
	return &NodeDispatcher{
		messages:   messages,
		registry:   registry,
		voice:      voiceReg,
		indicators: indicators,
		mirror:     mirror,
	}
}

func (d *NodeDispatcher) Dispatch(ctx context.Context, sess *Session, env protocol.Envelope) error {
	switch env.Type {
	case protocol.EnvelopeBinary:
		return d.relayVoice(sess, env.Binary)

	case protocol.EnvelopeString:
		logger.InfoCF("dispatch", "String message", map[string]interface{}{
			"user_id": sess.UserID(),
			"text":    env.Text,
		})
		return nil

	case protocol.EnvelopeMessage:
		return d.dispatchMessage(ctx, sess, env.Message)
	}

	return protocol.NewResponseError(protocol.ErrInvalidRequest, "unknown envelope type %q", env.Type)
}

func (d *NodeDispatcher) dispatchMessage(ctx context.Context, sess *Session, msg *protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.ClientSendMessage:
		var params protocol.SendMessageParams
		if err := msg.DecodeParams(&params); err != nil {
			return protocol.NewResponseError(protocol.ErrInvalidRequest, "%v", err)
		}
		return d.handleSend(ctx, sess, params)

	case protocol.ClientEditMessage:
		var params protocol.EditMessageParams
		if err := msg.DecodeParams(&params); err != nil {
			return protocol.NewResponseError(protocol.ErrInvalidRequest, "%v", err)
		}
		return d.handleEdit(ctx, sess, params)

	case protocol.ClientDeleteMessage:
		var params protocol.DeleteMessageParams
		if err := msg.DecodeParams(&params); err != nil {
			return protocol.NewResponseError(protocol.ErrInvalidRequest, "%v", err)
		}
		return d.handleDelete(ctx, sess, params)

	case protocol.ClientLoadChunk:
		var params protocol.LoadChunkParams
		if err := msg.DecodeParams(&params); err != nil {
			return protocol.NewResponseError(protocol.ErrInvalidRequest, "%v", err)
		}
		return d.handleLoadChunk(ctx, sess, params)

	case protocol.ClientTyping:
		var params protocol.TypingParams
		if err := msg.DecodeParams(&params); err != nil {
			return protocol.NewResponseError(protocol.ErrInvalidRequest, "%v", err)
		}
		return d.handleTyping(sess, params)

	case protocol.ClientJoinVoice:
		var params protocol.VoiceParams
		if err := msg.DecodeParams(&params); err != nil {
			return protocol.NewResponseError(protocol.ErrInvalidRequest, "%v", err)
		}
		return d.handleJoinVoice(sess, params)

	case protocol.ClientLeaveVoice:
		var params protocol.VoiceParams
		if err := msg.DecodeParams(&params); err != nil {
			return protocol.NewResponseError(protocol.ErrInvalidRequest, "%v", err)
		}
		return d.handleLeaveVoice(sess, params)
	}

	return protocol.NewResponseError(protocol.ErrInvalidRequest, "unknown request type %q", msg.Type)
}

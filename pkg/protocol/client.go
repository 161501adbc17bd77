package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType enumerates the inbound request kinds.
type ClientMessageType string

const (
	ClientSendMessage   ClientMessageType = "send_message"
	ClientEditMessage   ClientMessageType = "edit_message"
	ClientDeleteMessage ClientMessageType = "delete_message"
	ClientLoadChunk     ClientMessageType = "load_chunk"
	ClientTyping        ClientMessageType = "typing"
	ClientJoinVoice     ClientMessageType = "join_voice"
	ClientLeaveVoice    ClientMessageType = "leave_voice"
)

// ClientMessage is one inbound request. Params stays raw until the
// dispatcher decodes it against the type tag.
type ClientMessage struct {
	Type   ClientMessageType `json:"type"`
	Params json.RawMessage   `json:"params,omitempty"`
}

// SendMessageParams posts a new message to a channel.
type SendMessageParams struct {
	ChannelID string `json:"channel_id"`
	Contents  string `json:"contents"`
}

// EditMessageParams rewrites the contents of an existing message.
type EditMessageParams struct {
	MessageID   int64  `json:"message_id"`
	NewContents string `json:"new_contents"`
}

// DeleteMessageParams removes an existing message.
type DeleteMessageParams struct {
	MessageID int64 `json:"message_id"`
}

// LoadChunkParams requests one page of channel history.
type LoadChunkParams struct {
	ChannelID string `json:"channel_id"`
	ChunkID   int    `json:"chunk_id"`
}

// TypingParams announces the sender is typing in a channel.
type TypingParams struct {
	ChannelID string `json:"channel_id"`
}

// VoiceParams is shared by join_voice and leave_voice.
type VoiceParams struct {
	ChannelID string `json:"channel_id"`
}

// DecodeParams unmarshals the raw params into dst, failing on an absent
// payload.
func (m *ClientMessage) DecodeParams(dst interface{}) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("%s: missing params", m.Type)
	}
	if err := json.Unmarshal(m.Params, dst); err != nil {
		return fmt.Errorf("%s: decode params: %w", m.Type, err)
	}
	return nil
}

// NewClientMessage builds a tagged request with marshalled params. Used by
// tests and by the plugin mirror path.
func NewClientMessage(t ClientMessageType, params interface{}) (ClientMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return ClientMessage{}, err
	}
	return ClientMessage{Type: t, Params: raw}, nil
}

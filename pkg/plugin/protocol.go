package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/vxchat/vxnode/pkg/protocol"
)

// Handshake is the single line each plugin sends after dialing the control
// listener.
type Handshake struct {
	ID string `json:"id"`
}

// Loader message types (server -> plugin).
const (
	LoaderRequest     = "request"
	LoaderMessageSent = "message_sent"
	LoaderShutdown    = "shutdown"
)

// LoaderMessage is one server -> plugin control record.
type LoaderMessage struct {
	Type   string      `json:"type"`
	Params interface{} `json:"params,omitempty"`
}

// RequestParams mirrors a client request to the plugin before the server
// acts on it.
type RequestParams struct {
	UserID string            `json:"user_id"`
	Msg    protocol.Envelope `json:"msg"`
}

// MessageSentParams notifies the plugin of a persisted chat message.
type MessageSentParams struct {
	UserID string               `json:"user_id"`
	Msg    protocol.ChatMessage `json:"msg"`
}

// Plugin message types (plugin -> server).
const (
	PluginSendMessage = "send_message"
)

// PluginMessage is one plugin -> server control record.
type PluginMessage struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SendMessageParams is the payload of a plugin-originated send_message.
type SendMessageParams struct {
	ChannelID string `json:"channel_id"`
	Contents  string `json:"contents"`
}

// DecodeParams unmarshals the raw params into dst.
func (m *PluginMessage) DecodeParams(dst interface{}) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("%s: missing params", m.Type)
	}
	if err := json.Unmarshal(m.Params, dst); err != nil {
		return fmt.Errorf("%s: decode params: %w", m.Type, err)
	}
	return nil
}

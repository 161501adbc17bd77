// Package protocol defines the wire types exchanged with clients over the
// persistent socket: the envelope wrapper, the client and server message
// unions, handshake payloads and error responses. All structured frames are
// JSON objects of the form {"type": <kind>, "params": <payload>} with
// snake_case kinds.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ChatMessage is a persisted chat message. Owned by the message store; the
// server only passes it around by value.
type ChatMessage struct {
	ID        int64  `json:"id"`
	ChannelID string `json:"channel_id"`
	From      string `json:"from"`
	Contents  string `json:"contents"`
	Timestamp int64  `json:"timestamp"`
}

// ChannelKind discriminates the static channel types.
type ChannelKind struct {
	Kind string // "text", "voice" or "iframe"
	URL  string // set for iframe channels only
}

var (
	TextChannel  = ChannelKind{Kind: "text"}
	VoiceChannel = ChannelKind{Kind: "voice"}
)

// IFrameChannel returns the kind for an embedded-page channel.
func IFrameChannel(url string) ChannelKind {
	return ChannelKind{Kind: "iframe", URL: url}
}

// MarshalJSON encodes text/voice as bare strings and iframe as
// {"iframe": url}.
func (k ChannelKind) MarshalJSON() ([]byte, error) {
	if k.Kind == "iframe" {
		return json.Marshal(map[string]string{"iframe": k.URL})
	}
	return json.Marshal(k.Kind)
}

func (k *ChannelKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "text", "voice":
			*k = ChannelKind{Kind: s}
			return nil
		}
		return fmt.Errorf("unknown channel kind %q", s)
	}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid channel kind: %w", err)
	}
	url, ok := obj["iframe"]
	if !ok {
		return fmt.Errorf("invalid channel kind object")
	}
	*k = IFrameChannel(url)
	return nil
}

// Channel is a statically configured channel. Read-only at runtime.
type Channel struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Kind ChannelKind `json:"kind"`
}

// ServerDetails is the first frame the server sends on a new connection.
type ServerDetails struct {
	Version  string    `json:"version"`
	Name     string    `json:"name"`
	ID       string    `json:"id"`
	Channels []Channel `json:"channels"`
}

// ClientDetails is the client's half of the handshake.
type ClientDetails struct {
	Version     string `json:"version"`
	AuthToken   string `json:"auth_token"`
	LastMessage *int64 `json:"last_message,omitempty"`
}

// Indicator is a transient per-user event, currently only typing.
type Indicator struct {
	Type   string          `json:"type"`
	Params IndicatorTyping `json:"params"`
}

// IndicatorTyping identifies who is typing where.
type IndicatorTyping struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// TypingIndicator builds a typing indicator for a user in a channel.
func TypingIndicator(userID, channelID string) Indicator {
	return Indicator{Type: "typing", Params: IndicatorTyping{UserID: userID, ChannelID: channelID}}
}

// IndicatorContext wraps an indicator with its expiry in seconds.
type IndicatorContext struct {
	Indicator Indicator `json:"indicator"`
	Expires   uint16    `json:"expires"`
}

// ErrorKind enumerates the response error taxonomy.
type ErrorKind string

const (
	ErrInvalidRequest   ErrorKind = "invalid_request"
	ErrInvalidHandshake ErrorKind = "invalid_handshake"
	ErrUnauthorized     ErrorKind = "unauthorized"
	ErrNotFound         ErrorKind = "not_found"
	ErrInternal         ErrorKind = "internal_error"
)

// ResponseError is the error frame sent to a client. It doubles as a Go
// error so handlers can return it directly.
type ResponseError struct {
	Kind   ErrorKind `json:"error"`
	Detail string    `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewResponseError builds a ResponseError of the given kind.
func NewResponseError(kind ErrorKind, format string, args ...interface{}) *ResponseError {
	return &ResponseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

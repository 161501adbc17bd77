package protocol

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates the transport-level wrapper arms.
type EnvelopeType string

const (
	EnvelopeMessage EnvelopeType = "message"
	EnvelopeBinary  EnvelopeType = "binary"
	EnvelopeString  EnvelopeType = "string"
)

// Envelope is the transport wrapper letting one stream carry structured
// requests, raw binary payloads (voice audio) and plain text. Binary
// websocket frames map to the Binary arm without JSON wrapping; text frames
// are decoded through UnmarshalJSON.
type Envelope struct {
	Type    EnvelopeType
	Message *ClientMessage
	Binary  []byte
	Text    string
}

// BinaryEnvelope wraps a raw payload.
func BinaryEnvelope(data []byte) Envelope {
	return Envelope{Type: EnvelopeBinary, Binary: data}
}

// MessageEnvelope wraps a structured client request.
func MessageEnvelope(msg ClientMessage) Envelope {
	return Envelope{Type: EnvelopeMessage, Message: &msg}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EnvelopeMessage:
		return json.Marshal(struct {
			Type   EnvelopeType   `json:"type"`
			Params *ClientMessage `json:"params"`
		}{e.Type, e.Message})
	case EnvelopeBinary:
		return json.Marshal(struct {
			Type   EnvelopeType `json:"type"`
			Params []byte       `json:"params"`
		}{e.Type, e.Binary})
	case EnvelopeString:
		return json.Marshal(struct {
			Type   EnvelopeType `json:"type"`
			Params string       `json:"params"`
		}{e.Type, e.Text})
	}
	return nil, fmt.Errorf("unknown envelope type %q", e.Type)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   EnvelopeType    `json:"type"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Type {
	case EnvelopeMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw.Params, &msg); err != nil {
			return fmt.Errorf("decode message envelope: %w", err)
		}
		*e = Envelope{Type: EnvelopeMessage, Message: &msg}
	case EnvelopeBinary:
		var b []byte
		if err := json.Unmarshal(raw.Params, &b); err != nil {
			return fmt.Errorf("decode binary envelope: %w", err)
		}
		*e = BinaryEnvelope(b)
	case EnvelopeString:
		var s string
		if err := json.Unmarshal(raw.Params, &s); err != nil {
			return fmt.Errorf("decode string envelope: %w", err)
		}
		*e = Envelope{Type: EnvelopeString, Text: s}
	default:
		return fmt.Errorf("unknown envelope type %q", raw.Type)
	}
	return nil
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeHandshake parses the client's handshake frame. The frame uses the
// standard envelope shape but its params carry ClientDetails instead of a
// tagged request, so it gets its own decoder.
func DecodeHandshake(data []byte) (*ClientDetails, error) {
	var raw struct {
		Type   EnvelopeType    `json:"type"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if raw.Type != EnvelopeMessage {
		return nil, fmt.Errorf("handshake must be a message envelope, got %q", raw.Type)
	}

	var details ClientDetails
	if err := json.Unmarshal(raw.Params, &details); err != nil {
		return nil, fmt.Errorf("decode handshake params: %w", err)
	}
	if details.AuthToken == "" {
		return nil, fmt.Errorf("handshake missing auth_token")
	}
	return &details, nil
}

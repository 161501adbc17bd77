package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxchat/vxnode/pkg/protocol"
)

func typingCtx(userID, channelID string) protocol.IndicatorContext {
	return protocol.IndicatorContext{
		Indicator: protocol.TypingIndicator(userID, channelID),
		Expires:   typingExpiry,
	}
}

func TestIndicatorTrackerAdd(t *testing.T) {
	tr := NewIndicatorTracker()

	tr.Add(typingCtx("u1", "general"))
	tr.Add(typingCtx("u2", "general"))

	active := tr.Active()
	require.Len(t, active, 2)
}

func TestIndicatorTrackerReplacesSameSource(t *testing.T) {
	tr := NewIndicatorTracker()

	tr.Add(typingCtx("u1", "general"))
	tr.Add(typingCtx("u1", "general"))

	assert.Len(t, tr.Active(), 1)

	// Same user in a different channel is a distinct indicator.
	tr.Add(typingCtx("u1", "random"))
	assert.Len(t, tr.Active(), 2)
}

func TestIndicatorTrackerExpiry(t *testing.T) {
	tr := NewIndicatorTracker()

	expired := typingCtx("u1", "general")
	expired.Expires = 0
	tr.Add(expired)

	assert.Empty(t, tr.Active())
}

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxchat/vxnode/pkg/protocol"
)

func newTestSession(userID string) (*Session, *fakeConn) {
	fc := newFakeConn()
	s := newSession(fc)
	s.setUserID(userID)
	return s, fc
}

func TestRegistryRegisterRemove(t *testing.T) {
	r := NewRegistry()
	s, _ := newTestSession("u1")
	defer s.Close()

	r.Register(s)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove(s))
	assert.False(t, r.Remove(s))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	s1, fc1 := newTestSession("u1")
	s2, fc2 := newTestSession("u2")
	r.Register(s1)
	r.Register(s2)

	r.Broadcast(protocol.MessageCreate(protocol.ChatMessage{ID: 1, ChannelID: "general", From: "u1", Contents: "hi"}))

	s1.Close()
	s2.Close()
	fc1.waitClosed(t)
	fc2.waitClosed(t)

	assert.Len(t, fc1.textPayloads(), 1)
	assert.Len(t, fc2.textPayloads(), 1)
}

func TestRegistryBroadcastBinaryTo(t *testing.T) {
	r := NewRegistry()
	s1, fc1 := newTestSession("u1")
	s2, fc2 := newTestSession("u2")
	s3, fc3 := newTestSession("u3")
	r.Register(s1)
	r.Register(s2)
	r.Register(s3)

	r.BroadcastBinaryTo([]string{"u1", "u3"}, []byte{9, 9})

	for _, s := range []*Session{s1, s2, s3} {
		s.Close()
	}
	for _, fc := range []*fakeConn{fc1, fc2, fc3} {
		fc.waitClosed(t)
	}

	assert.Len(t, fc1.binaryPayloads(), 1)
	assert.Empty(t, fc2.binaryPayloads())
	assert.Len(t, fc3.binaryPayloads(), 1)
}

func TestRegistryDropsSlowConsumer(t *testing.T) {
	r := NewRegistry()

	healthy, hc := newTestSession("u1")
	r.Register(healthy)

	stalled, sc := newTestSession("u2")
	sc.stall = make(chan struct{})
	sc.stallEntered = make(chan struct{}, 1)

	// Park the writer inside a stalled write, then saturate the queue.
	require.NoError(t, stalled.SendBinary([]byte{0}))
	<-sc.stallEntered
	for i := 0; i < sendQueueDepth; i++ {
		require.NoError(t, stalled.SendBinary([]byte{0}))
	}
	r.Register(stalled)
	require.Equal(t, 2, r.Len())

	r.Broadcast(protocol.PresenceUpdate("u3", "online"))
	assert.Equal(t, 1, r.Len(), "saturated session should be dropped")

	close(sc.stall)
	healthy.Close()
	stalled.Close()
	hc.waitClosed(t)
	sc.waitClosed(t)
}

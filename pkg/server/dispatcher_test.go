package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxchat/vxnode/pkg/protocol"
	"github.com/vxchat/vxnode/pkg/storage/repository"
	"github.com/vxchat/vxnode/pkg/voice"
)

// memRepo is an in-memory MessageRepository for dispatcher tests.
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	msgs   []protocol.ChatMessage
}

func newMemRepo() *memRepo {
	return &memRepo{nextID: 1}
}

func (r *memRepo) Insert(_ context.Context, channelID, from, contents string, timestamp int64) (protocol.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := protocol.ChatMessage{
		ID:        r.nextID,
		ChannelID: channelID,
		From:      from,
		Contents:  contents,
		Timestamp: timestamp,
	}
	r.nextID++
	r.msgs = append(r.msgs, msg)
	return msg, nil
}

func (r *memRepo) Edit(_ context.Context, messageID int64, newContents string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.msgs {
		if r.msgs[i].ID == messageID {
			r.msgs[i].Contents = newContents
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memRepo) Delete(_ context.Context, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.msgs {
		if r.msgs[i].ID == messageID {
			r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *memRepo) GetByID(_ context.Context, messageID int64) (*protocol.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.msgs {
		if m.ID == messageID {
			copied := m
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memRepo) GetAfterID(_ context.Context, messageID int64) ([]protocol.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []protocol.ChatMessage
	for _, m := range r.msgs {
		if m.ID > messageID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) GetChunk(_ context.Context, channelID string, chunkID int) ([]protocol.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var scoped []protocol.ChatMessage
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].ChannelID == channelID {
			scoped = append(scoped, r.msgs[i])
		}
	}
	start := chunkID * repository.ChunkSize
	if start >= len(scoped) {
		return nil, nil
	}
	end := start + repository.ChunkSize
	if end > len(scoped) {
		end = len(scoped)
	}
	return scoped[start:end], nil
}

type recordingMirror struct {
	mu   sync.Mutex
	sent []protocol.ChatMessage
}

func (m *recordingMirror) MirrorMessageSent(_ string, msg protocol.ChatMessage) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
}

func (m *recordingMirror) mirrored() []protocol.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.ChatMessage(nil), m.sent...)
}

// wireFrame decodes one level of {"type", "params"}.
type wireFrame struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type dispatcherHarness struct {
	repo     *memRepo
	registry *Registry
	voice    *voice.Registry
	tracker  *IndicatorTracker
	mirror   *recordingMirror
	d        *NodeDispatcher

	sessions map[string]*Session
	conns    map[string]*fakeConn
}

func newDispatcherHarness(users ...string) *dispatcherHarness {
	h := &dispatcherHarness{
		repo:     newMemRepo(),
		registry: NewRegistry(),
		voice:    voice.NewRegistry(),
		tracker:  NewIndicatorTracker(),
		mirror:   &recordingMirror{},
		sessions: make(map[string]*Session),
		conns:    make(map[string]*fakeConn),
	}
	h.d = NewNodeDispatcher(h.repo, h.registry, h.voice, h.tracker, h.mirror)

	for _, u := range users {
		s, fc := newTestSession(u)
		h.registry.Register(s)
		h.sessions[u] = s
		h.conns[u] = fc
	}
	return h
}

func (h *dispatcherHarness) dispatch(t *testing.T, user string, msgType protocol.ClientMessageType, params interface{}) error {
	t.Helper()
	msg, err := protocol.NewClientMessage(msgType, params)
	require.NoError(t, err)
	return h.d.Dispatch(context.Background(), h.sessions[user], protocol.MessageEnvelope(msg))
}

// serverFrames closes every session and returns the decoded server messages
// each user received. Call once, at the end of a test.
func (h *dispatcherHarness) serverFrames(t *testing.T) map[string][]wireFrame {
	t.Helper()

	for _, s := range h.sessions {
		s.Close()
	}
	out := make(map[string][]wireFrame)
	for u, fc := range h.conns {
		fc.waitClosed(t)
		for _, payload := range fc.textPayloads() {
			var outer wireFrame
			require.NoError(t, json.Unmarshal(payload, &outer))
			require.Equal(t, "message", outer.Type)
			var inner wireFrame
			require.NoError(t, json.Unmarshal(outer.Params, &inner))
			out[u] = append(out[u], inner)
		}
	}
	return out
}

func requireResponseError(t *testing.T, err error, kind protocol.ErrorKind) {
	t.Helper()
	var respErr *protocol.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, kind, respErr.Kind)
}

func TestDispatchSendMessage(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientSendMessage, protocol.SendMessageParams{
		ChannelID: "general", Contents: "hello",
	}))

	frames := h.serverFrames(t)
	for _, u := range []string{"u1", "u2"} {
		require.Len(t, frames[u], 1, "user %s", u)
		assert.Equal(t, "message_create", frames[u][0].Type)
	}

	mirrored := h.mirror.mirrored()
	require.Len(t, mirrored, 1)
	assert.Equal(t, "hello", mirrored[0].Contents)
	assert.Equal(t, "u1", mirrored[0].From)
}

func TestDispatchSendMessageEmptyContents(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")

	err := h.dispatch(t, "u1", protocol.ClientSendMessage, protocol.SendMessageParams{
		ChannelID: "general", Contents: "   ",
	})
	requireResponseError(t, err, protocol.ErrInvalidRequest)

	frames := h.serverFrames(t)
	assert.Empty(t, frames["u1"])
	assert.Empty(t, frames["u2"])
	assert.Empty(t, h.mirror.mirrored())
}

func TestDispatchEditMessage(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")
	msg, err := h.repo.Insert(context.Background(), "general", "u1", "first", 1)
	require.NoError(t, err)

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientEditMessage, protocol.EditMessageParams{
		MessageID: msg.ID, NewContents: "edited",
	}))

	stored, err := h.repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Contents)

	frames := h.serverFrames(t)
	for _, u := range []string{"u1", "u2"} {
		require.Len(t, frames[u], 1, "user %s", u)
		assert.Equal(t, "message_update", frames[u][0].Type)
	}
}

func TestDispatchEditMessageWrongAuthor(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")
	msg, err := h.repo.Insert(context.Background(), "general", "u1", "first", 1)
	require.NoError(t, err)

	err = h.dispatch(t, "u2", protocol.ClientEditMessage, protocol.EditMessageParams{
		MessageID: msg.ID, NewContents: "hijacked",
	})
	requireResponseError(t, err, protocol.ErrUnauthorized)

	stored, err := h.repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Contents)
}

func TestDispatchDeleteMessage(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")
	msg, err := h.repo.Insert(context.Background(), "general", "u1", "doomed", 1)
	require.NoError(t, err)

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientDeleteMessage, protocol.DeleteMessageParams{
		MessageID: msg.ID,
	}))

	stored, err := h.repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	frames := h.serverFrames(t)
	for _, u := range []string{"u1", "u2"} {
		require.Len(t, frames[u], 1, "user %s", u)
		assert.Equal(t, "message_delete", frames[u][0].Type)
	}
}

func TestDispatchDeleteMissingMessage(t *testing.T) {
	h := newDispatcherHarness("u1")

	err := h.dispatch(t, "u1", protocol.ClientDeleteMessage, protocol.DeleteMessageParams{MessageID: 42})
	requireResponseError(t, err, protocol.ErrNotFound)
}

func TestDispatchLoadChunkOldestFirst(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")
	ctx := context.Background()
	for _, contents := range []string{"one", "two", "three"} {
		_, err := h.repo.Insert(ctx, "general", "u1", contents, 1)
		require.NoError(t, err)
	}

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientLoadChunk, protocol.LoadChunkParams{
		ChannelID: "general", ChunkID: 0,
	}))

	frames := h.serverFrames(t)
	require.Len(t, frames["u1"], 1)
	assert.Empty(t, frames["u2"], "chunks go to the requester only")
	require.Equal(t, "chunk", frames["u1"][0].Type)

	var page []protocol.ChatMessage
	require.NoError(t, json.Unmarshal(frames["u1"][0].Params, &page))
	require.Len(t, page, 3)
	assert.Equal(t, "one", page[0].Contents)
	assert.Equal(t, "three", page[2].Contents)
}

func TestDispatchTyping(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientTyping, protocol.TypingParams{ChannelID: "general"}))

	active := h.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "u1", active[0].Indicator.Params.UserID)

	frames := h.serverFrames(t)
	for _, u := range []string{"u1", "u2"} {
		require.Len(t, frames[u], 1, "user %s", u)
		assert.Equal(t, "indicator", frames[u][0].Type)
	}
}

func TestDispatchJoinVoice(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientJoinVoice, protocol.VoiceParams{ChannelID: "lounge"}))

	channelID, _, ok := h.voice.Find("u1")
	require.True(t, ok)
	assert.Equal(t, "lounge", channelID)

	frames := h.serverFrames(t)
	for _, u := range []string{"u1", "u2"} {
		require.Len(t, frames[u], 1, "user %s", u)
		assert.Equal(t, "voice_join", frames[u][0].Type)
	}
}

func TestDispatchJoinVoiceMovesChannels(t *testing.T) {
	h := newDispatcherHarness("u1")

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientJoinVoice, protocol.VoiceParams{ChannelID: "lounge"}))
	require.NoError(t, h.dispatch(t, "u1", protocol.ClientJoinVoice, protocol.VoiceParams{ChannelID: "studio"}))

	channelID, _, ok := h.voice.Find("u1")
	require.True(t, ok)
	assert.Equal(t, "studio", channelID)

	frames := h.serverFrames(t)
	types := make([]string, 0, len(frames["u1"]))
	for _, f := range frames["u1"] {
		types = append(types, f.Type)
	}
	assert.Equal(t, []string{"voice_join", "voice_leave", "voice_join"}, types)
}

func TestDispatchLeaveVoiceNotJoined(t *testing.T) {
	h := newDispatcherHarness("u1")

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientLeaveVoice, protocol.VoiceParams{ChannelID: "lounge"}))

	frames := h.serverFrames(t)
	assert.Empty(t, frames["u1"])
}

func TestVoiceRelayFramesPeers(t *testing.T) {
	h := newDispatcherHarness("u1", "u2", "u3")

	require.NoError(t, h.dispatch(t, "u1", protocol.ClientJoinVoice, protocol.VoiceParams{ChannelID: "lounge"}))
	require.NoError(t, h.dispatch(t, "u2", protocol.ClientJoinVoice, protocol.VoiceParams{ChannelID: "lounge"}))

	_, senderID, ok := h.voice.Find("u1")
	require.True(t, ok)

	audio := []byte{10, 20, 30, 40}
	require.NoError(t, h.d.Dispatch(context.Background(), h.sessions["u1"], protocol.BinaryEnvelope(audio)))

	for _, s := range h.sessions {
		s.Close()
	}
	for _, fc := range h.conns {
		fc.waitClosed(t)
	}

	assert.Empty(t, h.conns["u1"].binaryPayloads(), "sender must not hear itself")
	assert.Empty(t, h.conns["u3"].binaryPayloads(), "u3 is not in the channel")

	got := h.conns["u2"].binaryPayloads()
	require.Len(t, got, 1)
	require.Len(t, got[0], 2+len(audio))
	assert.Equal(t, senderID, binary.LittleEndian.Uint16(got[0][:2]))
	assert.Equal(t, audio, got[0][2:])
}

func TestVoiceRelayDropsNonMember(t *testing.T) {
	h := newDispatcherHarness("u1", "u2")

	require.NoError(t, h.d.Dispatch(context.Background(), h.sessions["u1"], protocol.BinaryEnvelope([]byte{1})))

	for _, s := range h.sessions {
		s.Close()
	}
	for _, fc := range h.conns {
		fc.waitClosed(t)
	}
	assert.Empty(t, h.conns["u2"].binaryPayloads())
}

func TestDispatchUnknownRequest(t *testing.T) {
	h := newDispatcherHarness("u1")

	err := h.d.Dispatch(context.Background(), h.sessions["u1"], protocol.MessageEnvelope(protocol.ClientMessage{
		Type: "dance", Params: json.RawMessage(`{}`),
	}))
	requireResponseError(t, err, protocol.ErrInvalidRequest)
}

func TestDispatchStringEnvelope(t *testing.T) {
	h := newDispatcherHarness("u1")

	require.NoError(t, h.d.Dispatch(context.Background(), h.sessions["u1"], protocol.Envelope{
		Type: protocol.EnvelopeString, Text: "ping",
	}))
}

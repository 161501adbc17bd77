package server

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxchat/vxnode/pkg/config"
	"github.com/vxchat/vxnode/pkg/protocol"
	"github.com/vxchat/vxnode/pkg/storage/sqlite"
)

type staticAuth struct {
	userID string
	err    error
}

func (a staticAuth) Authenticate(context.Context, string) (string, error) {
	return a.userID, a.err
}

func newTestServer(t *testing.T, provider staticAuth) *Server {
	t.Helper()

	root := t.TempDir()
	store, err := sqlite.NewSQLiteStorage(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))

	cfg := config.DefaultConfig()
	cfg.ServerName = "testnode"
	cfg.ServerID = "node-1"
	cfg.PluginPort = 0
	cfg.Channels = []protocol.Channel{
		{ID: "general", Name: "General", Kind: protocol.TextChannel},
	}

	s, err := NewServer(root, cfg, store, provider)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.plugins.Close()
		_ = store.Close()
	})
	return s
}

func pushHandshake(t *testing.T, fc *fakeConn, details protocol.ClientDetails) {
	t.Helper()
	fc.pushText(t, map[string]interface{}{
		"type":   "message",
		"params": details,
	})
}

func TestServerHandshake(t *testing.T) {
	s := newTestServer(t, staticAuth{userID: "u1"})

	fc := newFakeConn()
	sess := newSession(fc)
	pushHandshake(t, fc, protocol.ClientDetails{Version: ProtocolVersion, AuthToken: "tok"})

	require.True(t, s.handshake(context.Background(), sess))
	assert.Equal(t, "u1", sess.UserID())

	sess.Close()
	fc.waitClosed(t)

	payloads := fc.textPayloads()
	require.Len(t, payloads, 2)

	var first struct {
		Type   string                 `json:"type"`
		Params protocol.ServerDetails `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[0], &first))
	assert.Equal(t, "message", first.Type)
	assert.Equal(t, "testnode", first.Params.Name)
	assert.Equal(t, ProtocolVersion, first.Params.Version)
	require.Len(t, first.Params.Channels, 1)

	var second struct {
		Params struct {
			Type   string                       `json:"type"`
			Params protocol.AuthenticatedParams `json:"params"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[1], &second))
	assert.Equal(t, "authenticated", second.Params.Type)
	assert.Equal(t, "u1", second.Params.Params.UUID, "clients match their own messages against this id")
}

func TestServerHandshakeCatchUp(t *testing.T) {
	s := newTestServer(t, staticAuth{userID: "u1"})
	ctx := context.Background()

	_, err := s.store.Messages().Insert(ctx, "general", "u2", "old", 1)
	require.NoError(t, err)
	second, err := s.store.Messages().Insert(ctx, "general", "u2", "newer", 2)
	require.NoError(t, err)

	last := second.ID - 1
	fc := newFakeConn()
	sess := newSession(fc)
	pushHandshake(t, fc, protocol.ClientDetails{
		Version: ProtocolVersion, AuthToken: "tok", LastMessage: &last,
	})

	require.True(t, s.handshake(ctx, sess))
	sess.Close()
	fc.waitClosed(t)

	payloads := fc.textPayloads()
	require.Len(t, payloads, 3, "details, authenticated, catch-up chunk")

	var chunk struct {
		Params struct {
			Type   string                 `json:"type"`
			Params []protocol.ChatMessage `json:"params"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[2], &chunk))
	require.Equal(t, "chunk", chunk.Params.Type)
	require.Len(t, chunk.Params.Params, 1)
	assert.Equal(t, "newer", chunk.Params.Params[0].Contents)
}

func TestServerHandshakeRejectsBadFrame(t *testing.T) {
	s := newTestServer(t, staticAuth{userID: "u1"})

	fc := newFakeConn()
	sess := newSession(fc)
	fc.pushText(t, map[string]interface{}{"type": "string", "params": "hello"})

	require.False(t, s.handshake(context.Background(), sess))

	sess.Close()
	fc.waitClosed(t)

	payloads := fc.textPayloads()
	require.Len(t, payloads, 2)

	var errFrame struct {
		Params protocol.ResponseError `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[1], &errFrame))
	assert.Equal(t, protocol.ErrInvalidHandshake, errFrame.Params.Kind)
}

func TestServerHandshakeRejectsBadToken(t *testing.T) {
	s := newTestServer(t, staticAuth{err: assert.AnError})

	fc := newFakeConn()
	sess := newSession(fc)
	pushHandshake(t, fc, protocol.ClientDetails{Version: ProtocolVersion, AuthToken: "bad"})

	require.False(t, s.handshake(context.Background(), sess))
	assert.Empty(t, sess.UserID())

	sess.Close()
	fc.waitClosed(t)

	payloads := fc.textPayloads()
	require.Len(t, payloads, 2)

	var errFrame struct {
		Params protocol.ResponseError `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[1], &errFrame))
	assert.Equal(t, protocol.ErrUnauthorized, errFrame.Params.Kind)
}

func TestPluginSendMessage(t *testing.T) {
	s := newTestServer(t, staticAuth{userID: "u1"})

	sess, fc := newTestSession("u1")
	s.registry.Register(sess)

	require.NoError(t, s.PluginSendMessage("echo-bot", "general", "beep"))

	stored, err := s.store.Messages().GetAfterID(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "echo-bot", stored[0].From)

	sess.Close()
	fc.waitClosed(t)

	payloads := fc.textPayloads()
	require.Len(t, payloads, 1)

	var frame struct {
		Params struct {
			Type   string               `json:"type"`
			Params protocol.ChatMessage `json:"params"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[0], &frame))
	assert.Equal(t, "message_create", frame.Params.Type)
	assert.Equal(t, "beep", frame.Params.Params.Contents)
}

// failingRepo fails every insert with a plain storage error.
type failingRepo struct {
	*memRepo
}

func (r *failingRepo) Insert(context.Context, string, string, string, int64) (protocol.ChatMessage, error) {
	return protocol.ChatMessage{}, errors.New("storage down")
}

func TestRequestLoopFatalHandlerError(t *testing.T) {
	s := newTestServer(t, staticAuth{userID: "u1"})
	s.dispatcher = NewNodeDispatcher(&failingRepo{newMemRepo()}, s.registry, s.voice, s.indicators, nil)

	sess, fc := newTestSession("u1")
	s.registry.Register(sess)
	require.Equal(t, 1, s.registry.Len())

	msg, err := protocol.NewClientMessage(protocol.ClientSendMessage, protocol.SendMessageParams{
		ChannelID: "general", Contents: "hi",
	})
	require.NoError(t, err)
	fc.pushText(t, protocol.MessageEnvelope(msg))

	// The storage failure is connection-fatal: the loop must deregister the
	// session, notify it and return.
	s.requestLoop(context.Background(), sess)
	assert.Equal(t, 0, s.registry.Len())

	sess.Close()
	fc.waitClosed(t)

	payloads := fc.textPayloads()
	require.Len(t, payloads, 1)

	var frame struct {
		Params protocol.ResponseError `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[0], &frame))
	assert.Equal(t, protocol.ErrInternal, frame.Params.Kind)
}

func TestServerShutdownIdempotent(t *testing.T) {
	s := newTestServer(t, staticAuth{userID: "u1"})

	sess, fc := newTestSession("u1")
	s.registry.Register(sess)

	s.Shutdown("going down")
	s.Shutdown("again")

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel should be closed after shutdown")
	}
	assert.Equal(t, 0, s.registry.Len())

	fc.waitClosed(t)
	payloads := fc.textPayloads()
	require.Len(t, payloads, 1)

	var frame struct {
		Params struct {
			Type   string                  `json:"type"`
			Params protocol.ShutdownParams `json:"params"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(payloads[0], &frame))
	assert.Equal(t, "shutdown", frame.Params.Type)
	assert.Equal(t, "going down", frame.Params.Params.Message)
}

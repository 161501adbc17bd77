package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vxchat/vxnode/pkg/auth"
	"github.com/vxchat/vxnode/pkg/config"
	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/plugin"
	"github.com/vxchat/vxnode/pkg/protocol"
	"github.com/vxchat/vxnode/pkg/storage"
	"github.com/vxchat/vxnode/pkg/voice"
)

// ProtocolVersion is announced in ServerDetails during the handshake.
const ProtocolVersion = "0.0.1"

const pluginsDirName = "plugins"

// handshakeWait bounds how long a fresh connection may take to present its
// ClientDetails frame.
const handshakeWait = 10 * time.Second

// Server ties the socket listener, the session registry, the dispatcher and
// the plugin manager together.
type Server struct {
	cfg        *config.Config
	store      storage.Storage
	auth       auth.Provider
	registry   *Registry
	voice      *voice.Registry
	indicators *IndicatorTracker
	plugins    *plugin.Manager
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	httpServer *http.Server

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewServer assembles a server rooted at root (config, database and plugin
// directories live under it). The plugin control listener is opened here so
// construction fails early when the port is taken.
func NewServer(root string, cfg *config.Config, store storage.Storage, authProvider auth.Provider) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		store:      store,
		auth:       authProvider,
		registry:   NewRegistry(),
		voice:      voice.NewRegistry(),
		indicators: NewIndicatorTracker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}

	manager, err := plugin.NewManager(filepath.Join(root, pluginsDirName), cfg.PluginPort, s)
	if err != nil {
		return nil, err
	}
	s.plugins = manager
	s.dispatcher = NewNodeDispatcher(store.Messages(), s.registry, s.voice, s.indicators, manager)

	return s, nil
}

// Plugins exposes the plugin manager for administrative commands.
func (s *Server) Plugins() *plugin.Manager {
	return s.plugins
}

// Store exposes the backing store for administrative commands.
func (s *Server) Store() storage.Storage {
	return s.store
}

// Run connects the store, starts every installed plugin and serves client
// connections until Shutdown is called or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}

	if err := s.plugins.LoadAll(); err != nil {
		logger.WarnCF("server", "Some plugins failed to start", map[string]interface{}{
			"error": err.Error(),
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSocket)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.InfoCF("server", "Listening", map[string]interface{}{
		"port":        s.cfg.Port,
		"plugin_port": s.cfg.PluginPort,
		"server_name": s.cfg.ServerName,
	})

	select {
	case err := <-errCh:
		s.Shutdown("server error")
		return err
	case <-ctx.Done():
		s.Shutdown("server stopping")
		return nil
	case <-s.done:
		return nil
	}
}

// Done closes once shutdown has completed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("server", "Upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	go s.serveSession(newSession(conn))
}

// serveSession owns one connection from accept to teardown.
func (s *Server) serveSession(sess *Session) {
	defer s.teardown(sess)

	ctx := context.Background()
	if !s.handshake(ctx, sess) {
		return
	}

	s.registry.Register(sess)
	logger.InfoCF("server", "Session authenticated", map[string]interface{}{
		"session": sess.ID(),
		"user_id": sess.UserID(),
	})

	s.requestLoop(ctx, sess)
}

// handshake walks a fresh connection to the authenticated state. Errors are
// reported to the peer best-effort and leave the session unregistered.
func (s *Server) handshake(ctx context.Context, sess *Session) bool {
	details := protocol.ServerDetails{
		Version:  ProtocolVersion,
		Name:     s.cfg.ServerName,
		ID:       s.cfg.ServerID,
		Channels: s.cfg.Channels,
	}
	if err := sess.Send(details); err != nil {
		return false
	}

	sess.setReadDeadline(time.Now().Add(handshakeWait))
	raw, err := sess.readRaw()
	if err != nil {
		return false
	}
	sess.setReadDeadline(time.Now().Add(pongWait))

	client, err := protocol.DecodeHandshake(raw)
	if err != nil {
		_ = sess.Send(protocol.NewResponseError(protocol.ErrInvalidHandshake, "%v", err))
		return false
	}

	authCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	userID, err := s.auth.Authenticate(authCtx, client.AuthToken)
	cancel()
	if err != nil {
		logger.WarnCF("server", "Authentication rejected", map[string]interface{}{
			"session": sess.ID(),
			"error":   err.Error(),
		})
		_ = sess.Send(protocol.NewResponseError(protocol.ErrUnauthorized, "authentication failed"))
		return false
	}
	sess.setUserID(userID)

	authed := protocol.Authenticated(userID, s.indicators.Active(), s.voice.Snapshot())
	if err := sess.Send(authed); err != nil {
		return false
	}

	// Catch the client up on anything it missed since its last session.
	if client.LastMessage != nil {
		missed, err := s.store.Messages().GetAfterID(ctx, *client.LastMessage)
		if err != nil {
			logger.ErrorCF("server", "Catch-up query failed", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		} else if len(missed) > 0 {
			if err := sess.Send(protocol.Chunk(missed)); err != nil {
				return false
			}
		}
	}

	return true
}

// requestLoop reads and dispatches envelopes until the peer disconnects, a
// handler fails fatally or shutdown begins.
func (s *Server) requestLoop(ctx context.Context, sess *Session) {
	for {
		if s.shuttingDown.Load() {
			return
		}

		env, err := sess.ReadEnvelope()
		if err != nil {
			return
		}

		// Voice frames are high-frequency and skip the plugin mirror.
		if env.Type != protocol.EnvelopeBinary {
			s.plugins.MirrorRequest(sess.UserID(), env)
		}

		if err := s.dispatcher.Dispatch(ctx, sess, env); err != nil {
			var respErr *protocol.ResponseError
			if errors.As(err, &respErr) {
				if sendErr := sess.Send(respErr); sendErr != nil {
					return
				}
				continue
			}

			// A non-domain failure is connection-fatal. Remove before
			// notifying so a broken socket cannot re-enter broadcast.
			s.registry.Remove(sess)
			logger.ErrorCF("server", "Handler failed", map[string]interface{}{
				"session": sess.ID(),
				"user_id": sess.UserID(),
				"error":   err.Error(),
			})
			_ = sess.Send(protocol.NewResponseError(protocol.ErrInternal, "internal error"))
			return
		}
	}
}

// teardown runs exactly once per session, no matter how the loop exited.
func (s *Server) teardown(sess *Session) {
	s.registry.Remove(sess)
	s.cleanupVoice(sess)
	sess.Close()
}

// cleanupVoice drops a departing user's voice seat so no ghost participant
// lingers in the registry.
func (s *Server) cleanupVoice(sess *Session) {
	userID := sess.UserID()
	if userID == "" {
		return
	}
	channelID, voiceID, ok := s.voice.Find(userID)
	if !ok {
		return
	}
	if _, left := s.voice.Leave(channelID, userID); left {
		s.registry.Broadcast(protocol.VoiceLeave(userID, channelID, voiceID))
	}
}

// PluginSendMessage persists a plugin-originated message under the plugin's
// id and broadcasts it exactly like a user send.
func (s *Server) PluginSendMessage(pluginID, channelID, contents string) error {
	if contents == "" {
		return fmt.Errorf("plugin %s: empty message contents", pluginID)
	}

	msg, err := s.store.Messages().Insert(context.Background(), channelID, pluginID, contents, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert plugin message: %w", err)
	}
	s.registry.Broadcast(protocol.MessageCreate(msg))
	return nil
}

// Shutdown drains every session and plugin, then releases Run. Safe to call
// more than once; only the first call does the work.
func (s *Server) Shutdown(message string) {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		logger.InfoCF("server", "Shutting down", map[string]interface{}{
			"message": message,
		})

		notice := protocol.Shutdown(message)
		for _, sess := range s.registry.Snapshot() {
			_ = sess.Send(notice)
			s.registry.Remove(sess)
			sess.Close()
		}

		s.plugins.Close()

		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.httpServer.Shutdown(shutdownCtx)
			cancel()
		}

		if err := s.store.Close(); err != nil {
			logger.WarnCF("server", "Storage close failed", map[string]interface{}{
				"error": err.Error(),
			})
		}

		close(s.done)
	})
}

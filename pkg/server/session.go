package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vxchat/vxnode/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 20
	sendQueueDepth = 256
)

var (
	errSessionClosed = errors.New("session closed")
	errSlowConsumer  = errors.New("session outbound queue full")
)

// wsConn is the subset of *websocket.Conn the session uses, extracted so
// tests can drive sessions over fakes.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type outFrame struct {
	messageType int
	data        []byte
}

// Session is one client connection, authenticated or still in handshake.
// All outbound traffic goes through a bounded queue drained by a single
// writer goroutine, so writes to one peer are ordered and a slow peer never
// blocks a broadcast.
type Session struct {
	id   string
	conn wsConn
	send chan outFrame

	quit      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	userID string
}

func newSession(conn wsConn) *Session {
	s := &Session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan outFrame, sendQueueDepth),
		quit: make(chan struct{}),
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writePump()
	return s
}

// ID is the session's identity in the registry, unrelated to the user id.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the authenticated user, or "" before the handshake
// completes.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// Send queues v wrapped in a message envelope.
func (s *Session) Send(v interface{}) error {
	data, err := json.Marshal(struct {
		Type   protocol.EnvelopeType `json:"type"`
		Params interface{}           `json:"params"`
	}{protocol.EnvelopeMessage, v})
	if err != nil {
		return err
	}
	return s.enqueue(websocket.TextMessage, data)
}

// SendBinary queues a raw binary frame.
func (s *Session) SendBinary(data []byte) error {
	return s.enqueue(websocket.BinaryMessage, data)
}

func (s *Session) enqueue(messageType int, data []byte) error {
	select {
	case <-s.quit:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- outFrame{messageType: messageType, data: data}:
		return nil
	case <-s.quit:
		return errSessionClosed
	default:
		return errSlowConsumer
	}
}

// ReadEnvelope blocks for the next inbound envelope. Binary websocket
// frames map straight to the binary arm; text frames are decoded.
func (s *Session) ReadEnvelope() (protocol.Envelope, error) {
	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}

	if messageType == websocket.BinaryMessage {
		return protocol.BinaryEnvelope(data), nil
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

// readRaw returns the next frame undecoded, for the handshake.
func (s *Session) readRaw() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *Session) setReadDeadline(t time.Time) {
	s.conn.SetReadDeadline(t)
}

// Close shuts the session down. Queued frames already accepted are flushed
// best-effort by the writer before the socket closes. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				s.Close()
				return
			}

		case <-s.quit:
			// Flush what was queued before the close, then say goodbye.
			for {
				select {
				case frame := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(frame.messageType, frame.data); err != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

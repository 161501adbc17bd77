package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/vxchat/vxnode/pkg/logger"
)

const handshakeReadTimeout = 10 * time.Second

// ControlConn is an accepted plugin control connection. Reader carries any
// bytes the plugin sent right behind its handshake line, so they are not
// lost to the handshake's buffered read.
type ControlConn struct {
	net.Conn
	Reader *bufio.Reader
}

// Listener accepts control connections from plugin processes and correlates
// each one, by the id in its handshake line, with the Load call waiting for
// it. Correlation is signalled through a per-id channel registered before the
// plugin is spawned, so loaders block on a receive instead of polling.
type Listener struct {
	ln net.Listener

	mu      sync.Mutex
	waiters map[string]chan *ControlConn
	closed  bool
}

// NewListener binds the control port and starts accepting.
func NewListener(port int) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind plugin control port %d: %w", port, err)
	}

	l := &Listener{
		ln:      ln,
		waiters: make(map[string]chan *ControlConn),
	}
	go l.acceptLoop()

	logger.InfoCF("plugin", "Control listener started", map[string]interface{}{
		"address": ln.Addr().String(),
	})
	return l, nil
}

// Addr returns the bound control address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Expect registers interest in a handshake for the given plugin id. The
// returned channel yields the control connection once that plugin dials in.
func (l *Listener) Expect(id string) (<-chan *ControlConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("control listener is closed")
	}
	if _, ok := l.waiters[id]; ok {
		return nil, fmt.Errorf("plugin %q is already being loaded", id)
	}

	ch := make(chan *ControlConn, 1)
	l.waiters[id] = ch
	return ch, nil
}

// Cancel withdraws an Expect registration. ch is the channel Expect
// returned; a connection already delivered into it is closed, so a loader
// that gives up never strands an accepted socket. Delivery happens under
// the listener lock, so once Cancel returns no connection can still be in
// flight toward ch.
func (l *Listener) Cancel(id string, ch <-chan *ControlConn) {
	l.mu.Lock()
	delete(l.waiters, id)
	l.mu.Unlock()

	select {
	case conn := <-ch:
		conn.Close()
	default:
	}
}

// Close stops accepting control connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	for id, ch := range l.waiters {
		delete(l.waiters, id)
		select {
		case conn := <-ch:
			conn.Close()
		default:
		}
	}
	l.mu.Unlock()
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				logger.ErrorCF("plugin", "Control accept failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
		go l.handleConn(conn)
	}
}

// handleConn reads the single handshake line and hands the connection to the
// waiting loader. Connections nobody is waiting for are dropped.
func (l *Listener) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout))
	line, err := reader.ReadString('\n')
	if err != nil {
		logger.WarnCF("plugin", "Control handshake read failed", map[string]interface{}{
			"remote": conn.RemoteAddr().String(),
			"error":  err.Error(),
		})
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var hs Handshake
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &hs); err != nil || hs.ID == "" {
		logger.WarnCF("plugin", "Invalid control handshake", map[string]interface{}{
			"remote": conn.RemoteAddr().String(),
		})
		conn.Close()
		return
	}

	// Deregister and deliver atomically. The channel is buffered, so the
	// send cannot block under the lock, and a concurrent Cancel either
	// still finds the waiter registered or finds the connection buffered.
	l.mu.Lock()
	ch, ok := l.waiters[hs.ID]
	if ok {
		delete(l.waiters, hs.ID)
		ch <- &ControlConn{Conn: conn, Reader: reader}
	}
	l.mu.Unlock()

	if !ok {
		logger.WarnCF("plugin", "Unexpected control connection", map[string]interface{}{
			"plugin_id": hs.ID,
		})
		conn.Close()
	}
}

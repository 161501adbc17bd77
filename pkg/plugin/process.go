package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/protocol"
)

// Sink receives events a plugin originates. The server implements it by
// treating plugin sends exactly like user sends.
type Sink interface {
	PluginSendMessage(pluginID, channelID, contents string) error
}

// Process is one running plugin: its OS process plus the control connection
// it handshook over.
type Process struct {
	id   string
	dir  string
	cmd  *exec.Cmd
	conn *ControlConn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeMu   sync.RWMutex
	closeErr  error
}

// spawn starts the manifest's executable inside dir. The control connection
// is attached later, once the listener correlates it.
func spawn(dir string, m *Manifest) (*Process, error) {
	cmd := exec.Command(m.File, m.Args...)
	cmd.Dir = dir

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", m.File, err)
	}

	p := &Process{
		id:     m.ID,
		dir:    dir,
		cmd:    cmd,
		closed: make(chan struct{}),
	}
	go p.readStderrLoop(stderrPipe)
	go p.waitLoop()
	return p, nil
}

// ID returns the manifest-declared plugin id.
func (p *Process) ID() string {
	return p.id
}

// Closed returns a channel closed when the plugin terminates.
func (p *Process) Closed() <-chan struct{} {
	return p.closed
}

// State reports whether the plugin has terminated and with what error.
func (p *Process) State() (bool, string) {
	select {
	case <-p.closed:
		p.closeMu.RLock()
		defer p.closeMu.RUnlock()
		if p.closeErr != nil {
			return true, p.closeErr.Error()
		}
		return true, ""
	default:
		return false, ""
	}
}

// Request mirrors a client envelope to the plugin.
func (p *Process) Request(userID string, env protocol.Envelope) error {
	return p.send(LoaderMessage{Type: LoaderRequest, Params: RequestParams{UserID: userID, Msg: env}})
}

// MessageSent notifies the plugin of a persisted chat message.
func (p *Process) MessageSent(userID string, msg protocol.ChatMessage) error {
	return p.send(LoaderMessage{Type: LoaderMessageSent, Params: MessageSentParams{UserID: userID, Msg: msg}})
}

// send writes one newline-terminated control record.
func (p *Process) send(msg LoaderMessage) error {
	p.closeMu.RLock()
	conn := p.conn
	p.closeMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("plugin %q has no control connection", p.id)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to plugin %q: %w", p.id, err)
	}
	return nil
}

// attach binds the correlated control connection.
func (p *Process) attach(conn *ControlConn) {
	p.closeMu.Lock()
	p.conn = conn
	p.closeMu.Unlock()
}

// run is the relay loop: it reads plugin records until the stream fails and
// feeds plugin-originated events into the sink. onExit runs once afterwards,
// letting the manager drop the plugin from its active set.
func (p *Process) run(sink Sink, onExit func()) {
	defer onExit()

	for {
		var msg PluginMessage
		line, err := p.conn.Reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				p.closeWithError(fmt.Errorf("read from plugin %q: %w", p.id, err))
			} else {
				p.closeWithError(fmt.Errorf("plugin %q closed its control stream", p.id))
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.WarnCF("plugin", "Invalid control record", map[string]interface{}{
				"plugin_id": p.id,
				"error":     err.Error(),
			})
			continue
		}

		switch msg.Type {
		case PluginSendMessage:
			var params SendMessageParams
			if err := msg.DecodeParams(&params); err != nil {
				logger.WarnCF("plugin", "Invalid send_message params", map[string]interface{}{
					"plugin_id": p.id,
					"error":     err.Error(),
				})
				continue
			}
			if err := sink.PluginSendMessage(p.id, params.ChannelID, params.Contents); err != nil {
				logger.ErrorCF("plugin", "Plugin message rejected", map[string]interface{}{
					"plugin_id": p.id,
					"error":     err.Error(),
				})
			}
		default:
			logger.WarnCF("plugin", "Unknown control record type", map[string]interface{}{
				"plugin_id": p.id,
				"type":      msg.Type,
			})
		}
	}
}

// Stop sends the shutdown record, half-closes the control stream and kills
// the process. Safe to call more than once and on an already-dead plugin.
func (p *Process) Stop() {
	if err := p.send(LoaderMessage{Type: LoaderShutdown}); err != nil {
		logger.DebugCF("plugin", "Shutdown notify failed", map[string]interface{}{
			"plugin_id": p.id,
			"error":     err.Error(),
		})
	}

	p.closeMu.RLock()
	conn := p.conn
	p.closeMu.RUnlock()
	if conn != nil {
		if tcp, ok := conn.Conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}

	p.closeWithError(nil)
}

func (p *Process) waitLoop() {
	if err := p.cmd.Wait(); err != nil {
		p.closeWithError(fmt.Errorf("plugin %q exited: %w", p.id, err))
		return
	}
	p.closeWithError(fmt.Errorf("plugin %q exited", p.id))
}

func (p *Process) readStderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.DebugCF("plugin", "Plugin stderr", map[string]interface{}{
			"plugin_id": p.id,
			"line":      line,
		})
	}
}

func (p *Process) closeWithError(err error) {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closeErr = err
		conn := p.conn
		p.closeMu.Unlock()
		close(p.closed)

		if conn != nil {
			conn.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

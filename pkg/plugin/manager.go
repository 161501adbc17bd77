package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/protocol"
)

const defaultHandshakeTimeout = 10 * time.Second

// Manager owns the set of running plugins. Lifecycle operations (load, stop,
// reload) are serialized by opMu so a plugin id is never loading and
// stopping at the same time; the active map itself is guarded separately so
// event mirroring never waits behind a spawn.
type Manager struct {
	root     string
	listener *Listener
	sink     Sink

	handshakeTimeout time.Duration

	opMu sync.Mutex

	mu      sync.Mutex
	plugins map[string]*Process
}

// NewManager binds the control listener and prepares the plugins root
// directory.
func NewManager(root string, port int, sink Sink) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins directory: %w", err)
	}

	listener, err := NewListener(port)
	if err != nil {
		return nil, err
	}

	return &Manager{
		root:             root,
		listener:         listener,
		sink:             sink,
		handshakeTimeout: defaultHandshakeTimeout,
		plugins:          make(map[string]*Process),
	}, nil
}

// Root returns the plugins install directory.
func (m *Manager) Root() string {
	return m.root
}

// Load reads the manifest in root/id, spawns the executable and waits for
// its control connection.
func (m *Manager) Load(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.loadLocked(id)
}

// LoadAll loads every plugin directory under the root. A plugin that fails
// to load does not stop the others.
func (m *Manager) LoadAll() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read plugins directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := m.loadLocked(entry.Name()); err != nil {
			logger.WarnCF("plugin", "Failed to load plugin", map[string]interface{}{
				"plugin_id": entry.Name(),
				"error":     err.Error(),
			})
		}
	}
	return nil
}

// Stop shuts one plugin down and removes it from the active set. Stopping
// an unknown id is a no-op.
func (m *Manager) Stop(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(id)
}

// Reload stops then loads a plugin as one operation.
func (m *Manager) Reload(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.stopLocked(id); err != nil {
		return err
	}
	return m.loadLocked(id)
}

// ReloadAll stops every running plugin and loads everything installed.
func (m *Manager) ReloadAll() error {
	m.opMu.Lock()
	m.stopAllLocked()
	m.opMu.Unlock()
	return m.LoadAll()
}

// Active lists the ids of running plugins, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MirrorRequest fans a client envelope out to every running plugin.
// Fire-and-forget: a failed write is logged, never propagated.
func (m *Manager) MirrorRequest(userID string, env protocol.Envelope) {
	for _, p := range m.snapshot() {
		if err := p.Request(userID, env); err != nil {
			logger.WarnCF("plugin", "Request mirror failed", map[string]interface{}{
				"plugin_id": p.ID(),
				"error":     err.Error(),
			})
		}
	}
}

// MirrorMessageSent fans a persisted message out to every running plugin.
func (m *Manager) MirrorMessageSent(userID string, msg protocol.ChatMessage) {
	for _, p := range m.snapshot() {
		if err := p.MessageSent(userID, msg); err != nil {
			logger.WarnCF("plugin", "MessageSent mirror failed", map[string]interface{}{
				"plugin_id": p.ID(),
				"error":     err.Error(),
			})
		}
	}
}

// Close stops all plugins and the control listener.
func (m *Manager) Close() {
	m.opMu.Lock()
	m.stopAllLocked()
	m.opMu.Unlock()
	m.listener.Close()
}

func (m *Manager) loadLocked(id string) error {
	m.mu.Lock()
	_, running := m.plugins[id]
	m.mu.Unlock()
	if running {
		return fmt.Errorf("plugin %q is already loaded", id)
	}

	dir := filepath.Join(m.root, id)
	manifest, err := LoadManifest(dir)
	if err != nil {
		return err
	}
	if manifest.ID != id {
		return fmt.Errorf("manifest id %q does not match directory %q", manifest.ID, id)
	}

	logger.InfoCF("plugin", "Loading plugin", map[string]interface{}{
		"plugin_id": manifest.ID,
		"version":   manifest.Version,
	})

	ch, err := m.listener.Expect(manifest.ID)
	if err != nil {
		return err
	}

	proc, err := spawn(dir, manifest)
	if err != nil {
		m.listener.Cancel(manifest.ID, ch)
		return err
	}

	select {
	case conn := <-ch:
		proc.attach(conn)
	case <-proc.Closed():
		m.listener.Cancel(manifest.ID, ch)
		_, reason := proc.State()
		return fmt.Errorf("plugin %q died before handshake: %s", manifest.ID, reason)
	case <-time.After(m.handshakeTimeout):
		m.listener.Cancel(manifest.ID, ch)
		proc.Stop()
		return fmt.Errorf("plugin %q did not handshake within %s", manifest.ID, m.handshakeTimeout)
	}

	m.mu.Lock()
	m.plugins[manifest.ID] = proc
	m.mu.Unlock()

	go proc.run(m.sink, func() {
		m.remove(manifest.ID, proc)
	})

	logger.InfoCF("plugin", "Plugin loaded", map[string]interface{}{
		"plugin_id": manifest.ID,
	})
	return nil
}

func (m *Manager) stopLocked(id string) error {
	m.mu.Lock()
	proc, ok := m.plugins[id]
	if ok {
		delete(m.plugins, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	logger.InfoCF("plugin", "Stopping plugin", map[string]interface{}{
		"plugin_id": id,
	})
	proc.Stop()
	return nil
}

func (m *Manager) stopAllLocked() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.plugins))
	for id, p := range m.plugins {
		procs = append(procs, p)
		delete(m.plugins, id)
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.Stop()
	}
}

// remove drops a plugin whose relay loop ended. Idempotent against a
// concurrent Stop that already removed it.
func (m *Manager) remove(id string, proc *Process) {
	m.mu.Lock()
	current, ok := m.plugins[id]
	if ok && current == proc {
		delete(m.plugins, id)
	}
	m.mu.Unlock()

	if ok && current == proc {
		_, reason := proc.State()
		logger.WarnCF("plugin", "Plugin stopped unexpectedly", map[string]interface{}{
			"plugin_id": id,
			"reason":    reason,
		})
		proc.Stop()
	}
}

func (m *Manager) snapshot() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Process, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	return out
}

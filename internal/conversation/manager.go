package conversation

import (
	"fmt"
	"sync"

	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/promptloop"
)

// Manager owns the set of live conversations, keyed by conversation id.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	loop          *promptloop.Loop
}

// NewManager constructs a Manager driving every conversation through loop.
func NewManager(loop *promptloop.Loop) *Manager {
	return &Manager{conversations: make(map[string]*Conversation), loop: loop}
}

// Create starts a new Conversation for agentID with the given tools and
// config, registers it, and returns it.
func (m *Manager) Create(agentID ids.ID, tools []promptloop.Tool, cfg Config) *Conversation {
	c := New(m.loop, agentID, tools, cfg)
	m.mu.Lock()
	m.conversations[c.ID().String()] = c
	m.mu.Unlock()
	return c
}

// Get returns the conversation registered under id, if any.
func (m *Manager) Get(id ids.ID) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id.String()]
	return c, ok
}

// Stop terminates and deregisters the conversation identified by id.
func (m *Manager) Stop(id ids.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id.String()]
	if !ok {
		return fmt.Errorf("conversation: unknown id %q", id.String())
	}
	c.Stop()
	delete(m.conversations, id.String())
	return nil
}

// StopAll terminates every registered conversation, used on kernel
// shutdown's drain window (§5).
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conversations {
		c.Stop()
		delete(m.conversations, id)
	}
}

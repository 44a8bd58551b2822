package session

import (
	"fmt"
	"sync"

	"github.com/voxgate/voxgate/internal/kv"
)

// Entry bundles everything the gateway tracks for one live session.
type Entry struct {
	State  *State
	Memory *Memory

	// ConnID is the websocket connection currently serving this session.
	// Empty while a browser client is disconnected.
	ConnID string
}

// Manager is the in-process registry of live sessions. It is safe for
// concurrent use.
type Manager struct {
	store      kv.Store
	maxHistory int

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewManager returns an empty session registry persisting through store.
func NewManager(store kv.Store, maxHistory int) *Manager {
	return &Manager{
		store:      store,
		maxHistory: maxHistory,
		entries:    make(map[string]*Entry),
	}
}

// Create registers a new session. It fails when the id is already live;
// browser reconnects go through [Manager.Resume] instead.
func (m *Manager) Create(id string, kind Kind) (*Entry, error) {
	if id == "" {
		return nil, fmt.Errorf("session: empty session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return nil, fmt.Errorf("session: %q already exists", id)
	}
	e := &Entry{
		State:  NewState(id, kind),
		Memory: NewMemory(m.store, id, WithMaxHistory(m.maxHistory)),
	}
	m.entries[id] = e
	return e, nil
}

// Resume returns the live entry for id, or registers a fresh one and loads
// its persisted memory from the store. The bool reports whether the session
// was already live in this process.
func (m *Manager) Resume(id string, kind Kind) (*Entry, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("session: empty session id")
	}
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return e, true, nil
	}
	e := &Entry{
		State:  NewState(id, kind),
		Memory: NewMemory(m.store, id, WithMaxHistory(m.maxHistory)),
	}
	m.entries[id] = e
	m.mu.Unlock()
	return e, false, nil
}

// Get returns the live entry for id, if any.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// SetConn binds the session to a websocket connection id. An empty connID
// marks the session as disconnected.
func (m *Manager) SetConn(id, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.ConnID = connID
	}
}

// Remove drops the session from the registry. Persisted state in the store
// is left alone so the session can still be resumed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// IDs returns the ids of all live sessions.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

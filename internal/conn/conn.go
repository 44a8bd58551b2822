// Package conn is the authoritative registry of live websocket endpoints.
// It routes envelopes by connection id or session id and owns per-connection
// metadata.
//
// A single mutex guards the index maps; sends happen after taking a snapshot
// of the target set, so no I/O runs while the lock is held.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Kind classifies a connection by the surface it arrived on.
type Kind string

const (
	KindDashboard    Kind = "dashboard"
	KindConversation Kind = "conversation"
	KindMedia        Kind = "media"
)

// Socket is the transport a Connection writes to. Production code wraps a
// websocket via [WrapWebsocket]; tests install fakes.
type Socket interface {
	// SendText writes one text message.
	SendText(ctx context.Context, data []byte) error

	// Close closes the transport with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// wsSocket adapts *websocket.Conn to [Socket].
type wsSocket struct {
	c *websocket.Conn
}

func (w wsSocket) SendText(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsSocket) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// WrapWebsocket adapts a websocket connection for registration.
func WrapWebsocket(c *websocket.Conn) Socket {
	return wsSocket{c: c}
}

// Connection is the registry's record of one live endpoint.
type Connection struct {
	ID           string
	Kind         Kind
	Topics       map[string]struct{}
	SessionID    string
	RegisteredAt time.Time

	socket Socket
}

// Manager indexes live connections by id, session, and topic. It is safe
// for concurrent use.
type Manager struct {
	sendTimeout time.Duration

	mu        sync.Mutex
	conns     map[string]*Connection
	bySession map[string]map[string]*Connection
	byTopic   map[string]map[string]*Connection
}

// Option customises a [Manager].
type Option func(*Manager)

// WithSendTimeout bounds each individual send. Default 5 s.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// NewManager returns an empty connection registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sendTimeout: 5 * time.Second,
		conns:       make(map[string]*Connection),
		bySession:   make(map[string]map[string]*Connection),
		byTopic:     make(map[string]map[string]*Connection),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register records a connection and returns its assigned id.
func (m *Manager) Register(socket Socket, kind Kind, topics []string, sessionID string) string {
	c := &Connection{
		ID:           uuid.NewString(),
		Kind:         kind,
		Topics:       make(map[string]struct{}, len(topics)),
		SessionID:    sessionID,
		RegisteredAt: time.Now(),
		socket:       socket,
	}
	for _, t := range topics {
		c.Topics[t] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
	if sessionID != "" {
		if m.bySession[sessionID] == nil {
			m.bySession[sessionID] = make(map[string]*Connection)
		}
		m.bySession[sessionID][c.ID] = c
	}
	for t := range c.Topics {
		if m.byTopic[t] == nil {
			m.byTopic[t] = make(map[string]*Connection)
		}
		m.byTopic[t][c.ID] = c
	}
	return c.ID
}

// BindSession attaches a session id to an already-registered connection.
// Used when the session id only becomes known after the first client message.
func (m *Manager) BindSession(connID, sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return
	}
	if c.SessionID != "" {
		delete(m.bySession[c.SessionID], connID)
	}
	c.SessionID = sessionID
	if m.bySession[sessionID] == nil {
		m.bySession[sessionID] = make(map[string]*Connection)
	}
	m.bySession[sessionID][connID] = c
}

// Unregister removes the connection from all indexes and closes its socket.
// Unknown ids are ignored.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
		if c.SessionID != "" {
			delete(m.bySession[c.SessionID], connID)
			if len(m.bySession[c.SessionID]) == 0 {
				delete(m.bySession, c.SessionID)
			}
		}
		for t := range c.Topics {
			delete(m.byTopic[t], connID)
			if len(m.byTopic[t]) == 0 {
				delete(m.byTopic, t)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		// Close outside the lock; the socket may block.
		_ = c.socket.Close(websocket.StatusNormalClosure, "unregistered")
	}
}

// Get returns the connection record for id.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	return c, ok
}

// SendToConnection JSON-encodes envelope and sends it to one connection.
// Send failures are logged and swallowed; a dropped client must not fail
// the pipeline that produced the envelope.
func (m *Manager) SendToConnection(ctx context.Context, connID string, envelope any) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.send(ctx, c, envelope)
}

// ErrNoSession is returned by BroadcastSession for an empty session id.
// Broadcasting outside a session would leak envelopes across calls.
var ErrNoSession = errors.New("conn: broadcast requires a session id")

// BroadcastSession sends envelope to every connection bound to sessionID
// and returns the number of attempted sends.
func (m *Manager) BroadcastSession(ctx context.Context, sessionID string, envelope any) (int, error) {
	if sessionID == "" {
		return 0, ErrNoSession
	}

	m.mu.Lock()
	targets := make([]*Connection, 0, len(m.bySession[sessionID]))
	for _, c := range m.bySession[sessionID] {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		m.send(ctx, c, envelope)
	}
	return len(targets), nil
}

// send marshals and writes with the configured timeout.
func (m *Manager) send(ctx context.Context, c *Connection, envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("conn: marshal envelope", "conn_id", c.ID, "err", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	if err := c.socket.SendText(sendCtx, data); err != nil {
		slog.Warn("conn: send failed", "conn_id", c.ID, "session_id", c.SessionID, "err", err)
	}
}

// Stats summarises the registry for the dashboard surface.
type Stats struct {
	Connections int            `json:"connections"`
	ByTopic     map[string]int `json:"by_topic"`
	ByKind      map[string]int `json:"by_kind"`
}

// Stats returns a snapshot of connection counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Connections: len(m.conns),
		ByTopic:     make(map[string]int, len(m.byTopic)),
		ByKind:      make(map[string]int),
	}
	for t, set := range m.byTopic {
		s.ByTopic[t] = len(set)
	}
	for _, c := range m.conns {
		s.ByKind[string(c.Kind)]++
	}
	return s
}

// CloseAll closes every connection, used during shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	targets := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.conns = make(map[string]*Connection)
	m.bySession = make(map[string]map[string]*Connection)
	m.byTopic = make(map[string]map[string]*Connection)
	m.mu.Unlock()

	for _, c := range targets {
		if err := c.socket.Close(websocket.StatusGoingAway, reason); err != nil {
			slog.Debug("conn: close failed", "conn_id", c.ID, "err", err)
		}
	}
}

// String implements fmt.Stringer for log readability.
func (c *Connection) String() string {
	return fmt.Sprintf("%s(%s session=%s)", c.ID, c.Kind, c.SessionID)
}

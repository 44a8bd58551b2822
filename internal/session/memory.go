package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxgate/voxgate/internal/kv"
	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Hash fields used for persisted session state.
const (
	fieldHistory = "history"
	fieldContext = "context"
	fieldLatency = "latency"
)

// Memory is one session's conversation history and context dictionary,
// persisted to the store at turn boundaries so a dropped browser client can
// resume mid-conversation.
//
// All methods are safe for concurrent use.
type Memory struct {
	sessionID  string
	store      kv.Store
	maxHistory int

	mu      sync.Mutex
	history []llm.Message
	context map[string]any
}

// MemoryOption customises a [Memory].
type MemoryOption func(*Memory)

// WithMaxHistory caps the number of non-system messages kept. Older messages
// are dropped oldest-first; the leading system prompt is always retained.
// Zero means unbounded.
func WithMaxHistory(n int) MemoryOption {
	return func(m *Memory) {
		m.maxHistory = n
	}
}

// NewMemory returns an empty memory bound to sessionID.
func NewMemory(store kv.Store, sessionID string, opts ...MemoryOption) *Memory {
	m := &Memory{
		sessionID: sessionID,
		store:     store,
		context:   make(map[string]any),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Append adds messages to the history, trimming to the configured cap.
func (m *Memory) Append(msgs ...llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, msgs...)
	m.trimLocked()
}

// History returns a copy of the conversation history.
func (m *Memory) History() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.history...)
}

// Len returns the number of messages in the history.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// SetContext stores a context value (authentication result, caller identity,
// expected validation code).
func (m *Memory) SetContext(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context[key] = value
}

// GetContext looks up a context value.
func (m *Memory) GetContext(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.context[key]
	return v, ok
}

// ContextString looks up a context value and returns it as a string.
// Missing or non-string values yield "".
func (m *Memory) ContextString(key string) string {
	v, ok := m.GetContext(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ContextBool looks up a context value and returns it as a bool.
func (m *Memory) ContextBool(key string) bool {
	v, ok := m.GetContext(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ContextSnapshot returns a shallow copy of the context dictionary.
func (m *Memory) ContextSnapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.context))
	for k, v := range m.context {
		out[k] = v
	}
	return out
}

// trimLocked drops the oldest non-system messages above the cap.
// Must be called with m.mu held.
func (m *Memory) trimLocked() {
	if m.maxHistory <= 0 || len(m.history) <= m.maxHistory {
		return
	}
	keep := m.history[:0:0]
	rest := m.history
	if len(rest) > 0 && rest[0].Role == llm.RoleSystem {
		keep = append(keep, rest[0])
		rest = rest[1:]
	}
	excess := len(keep) + len(rest) - m.maxHistory
	if excess > 0 && excess <= len(rest) {
		rest = rest[excess:]
	}
	m.history = append(keep, rest...)
}

// Load restores history and context from the store. A missing hash leaves
// the memory empty and returns nil, so new sessions and resumed sessions
// take the same path.
func (m *Memory) Load(ctx context.Context) error {
	fields, err := m.store.GetHash(ctx, m.sessionID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: load %q: %w", m.sessionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if raw := fields[fieldHistory]; raw != "" {
		var history []llm.Message
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return fmt.Errorf("session: decode history for %q: %w", m.sessionID, err)
		}
		m.history = history
	}
	if raw := fields[fieldContext]; raw != "" {
		var contextMap map[string]any
		if err := json.Unmarshal([]byte(raw), &contextMap); err != nil {
			return fmt.Errorf("session: decode context for %q: %w", m.sessionID, err)
		}
		m.context = contextMap
	}
	return nil
}

// Persist writes history, context, and latency measurements to the store.
func (m *Memory) Persist(ctx context.Context, latency json.Marshaler) error {
	m.mu.Lock()
	historyJSON, err := json.Marshal(m.history)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("session: encode history for %q: %w", m.sessionID, err)
	}
	contextJSON, err := json.Marshal(m.context)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("session: encode context for %q: %w", m.sessionID, err)
	}
	m.mu.Unlock()

	fields := map[string]string{
		fieldHistory: string(historyJSON),
		fieldContext: string(contextJSON),
	}
	if latency != nil {
		latencyJSON, err := latency.MarshalJSON()
		if err == nil {
			fields[fieldLatency] = string(latencyJSON)
		}
	}
	if err := m.store.SetHash(ctx, m.sessionID, fields); err != nil {
		return fmt.Errorf("session: persist %q: %w", m.sessionID, err)
	}
	return nil
}

// PersistAsync persists on a background goroutine, logging failures instead
// of surfacing them. Used at turn boundaries where a store hiccup must not
// stall the audio path.
func (m *Memory) PersistAsync(latency json.Marshaler) {
	go func() {
		if err := m.Persist(context.Background(), latency); err != nil {
			slog.Error("session: async persist failed", "session_id", m.sessionID, "err", err)
		}
	}()
}

// Clear removes the persisted hash and resets in-memory state.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.history = nil
	m.context = make(map[string]any)
	m.mu.Unlock()
	return m.store.Delete(ctx, m.sessionID)
}

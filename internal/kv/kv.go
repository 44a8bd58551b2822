// Package kv defines the key-value store contract the gateway persists
// through: JSON values, per-session hashes, and append-only streams used for
// DTMF completion and call-lifecycle broadcast.
//
// The production implementation is Redis ([NewRedis]); tests run against
// miniredis. Sessions are pinned to one node, so the store only needs to be
// consistent at turn boundaries.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or hash does not exist.
var ErrNotFound = errors.New("kv: key not found")

// StreamEvent is one entry read from an append-only stream.
type StreamEvent struct {
	// ID is the store-assigned, monotonically increasing entry id.
	ID string

	// Fields holds the event payload.
	Fields map[string]string
}

// Store is the persistence interface the gateway core depends on.
//
// Implementations must be safe for concurrent use. All methods respect
// context cancellation.
type Store interface {
	// Set stores value under key, JSON-encoded.
	Set(ctx context.Context, key string, value any) error

	// Get loads the JSON value at key into dest. Returns ErrNotFound when
	// the key does not exist.
	Get(ctx context.Context, key string, dest any) error

	// SetHash writes all fields of the session hash.
	SetHash(ctx context.Context, sessionID string, fields map[string]string) error

	// GetHash reads the whole session hash. Returns ErrNotFound when the
	// hash does not exist.
	GetHash(ctx context.Context, sessionID string) (map[string]string, error)

	// UpdateField writes a single field of the session hash.
	UpdateField(ctx context.Context, sessionID, field, value string) error

	// Delete removes the session hash. Deleting a missing key is not an error.
	Delete(ctx context.Context, sessionID string) error

	// AppendEvent appends an event to the stream and returns its id.
	AppendEvent(ctx context.Context, stream string, fields map[string]string) (string, error)

	// ReadEvents reads up to count events after lastID, blocking up to block
	// when the stream is empty. A zero block returns immediately. Returns an
	// empty slice (not an error) on timeout.
	ReadEvents(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEvent, error)

	// Ping probes store health.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

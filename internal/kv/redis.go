package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// credentialLeeway is how long before expiry a refresh is scheduled.
const credentialLeeway = 60 * time.Second

// Credentials is one set of store credentials with an expiry. A zero
// ExpiresAt means the credentials never expire.
type Credentials struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// CredentialProvider issues store credentials. Implementations back onto a
// static access key or a managed-identity token source.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialProvider returning a fixed access key.
type StaticCredentials struct {
	Username string
	Password string
}

// Credentials implements CredentialProvider.
func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials{Username: s.Username, Password: s.Password}, nil
}

// RedisConfig holds connection parameters for [NewRedis].
type RedisConfig struct {
	// Addr is the host:port of the store.
	Addr string

	// Cluster enables cluster-mode routing (MOVED redirects handled by the
	// client).
	Cluster bool

	// TLS enables a TLS transport, required by managed caches.
	TLS bool
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix namespaces every key under prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL applies a time-to-live to session hashes and JSON values.
// Zero means no expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithCredentialProvider installs a credential source. Expiring credentials
// are refreshed in the background at expiry minus 60 s.
func WithCredentialProvider(p CredentialProvider) RedisOption {
	return func(s *RedisStore) {
		s.creds = p
	}
}

// RedisStore implements Store on top of go-redis. It reconnects with fresh
// credentials before expiry, and retries a failed call exactly once after an
// authentication error.
type RedisStore struct {
	cfg    RedisConfig
	prefix string
	ttl    time.Duration
	creds  CredentialProvider

	mu     sync.RWMutex
	client redis.UniversalClient

	stopRefresh context.CancelFunc
	refreshDone chan struct{}
}

// NewRedis connects to the store and starts the credential refresh loop when
// the supplied provider issues expiring credentials.
func NewRedis(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{
		cfg:   cfg,
		creds: StaticCredentials{},
	}
	for _, o := range opts {
		o(s)
	}

	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv: issue credentials: %w", err)
	}
	s.client = s.newClient(creds)

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("kv: ping %s: %w", cfg.Addr, err)
	}

	if !creds.ExpiresAt.IsZero() {
		refreshCtx, cancel := context.WithCancel(context.Background())
		s.stopRefresh = cancel
		s.refreshDone = make(chan struct{})
		go s.refreshLoop(refreshCtx, creds.ExpiresAt)
	}

	return s, nil
}

// newClient builds a universal client for the current credentials.
func (s *RedisStore) newClient(creds Credentials) redis.UniversalClient {
	opts := &redis.UniversalOptions{
		Addrs:    []string{s.cfg.Addr},
		Username: creds.Username,
		Password: creds.Password,
	}
	if s.cfg.Cluster {
		// Non-zero forces the cluster client.
		opts.MaxRedirects = 3
	}
	return redis.NewUniversalClient(opts)
}

// refreshLoop re-issues credentials before each expiry and swaps the client.
func (s *RedisStore) refreshLoop(ctx context.Context, expiresAt time.Time) {
	defer close(s.refreshDone)
	for {
		wait := time.Until(expiresAt.Add(-credentialLeeway))
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		creds, err := s.creds.Credentials(ctx)
		if err != nil {
			slog.Error("kv: credential refresh failed, retrying in 30s", "err", err)
			expiresAt = time.Now().Add(30*time.Second + credentialLeeway)
			continue
		}
		s.swapClient(creds)
		slog.Info("kv: credentials refreshed", "expires_at", creds.ExpiresAt)
		if creds.ExpiresAt.IsZero() {
			return
		}
		expiresAt = creds.ExpiresAt
	}
}

// swapClient replaces the live client and closes the previous one.
func (s *RedisStore) swapClient(creds Credentials) {
	next := s.newClient(creds)
	s.mu.Lock()
	prev := s.client
	s.client = next
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// c returns the current client under the read lock.
func (s *RedisStore) c() redis.UniversalClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// withAuthRetry runs fn and, if it fails with an authentication error,
// rebuilds the client with fresh credentials and retries exactly once.
func (s *RedisStore) withAuthRetry(ctx context.Context, fn func(redis.UniversalClient) error) error {
	err := fn(s.c())
	if err == nil || !isAuthError(err) {
		return err
	}

	slog.Warn("kv: auth error, rebuilding client and retrying once", "err", err)
	creds, credErr := s.creds.Credentials(ctx)
	if credErr != nil {
		return fmt.Errorf("kv: reissue credentials after auth error: %w", credErr)
	}
	s.swapClient(creds)
	return fn(s.c())
}

// isAuthError reports whether err looks like a credential failure.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "INVALID PASSWORD") ||
		strings.Contains(msg, "AUTHENTICATION")
}

// key applies the configured prefix.
func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: marshal %q: %w", key, err)
	}
	return s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		return c.Set(ctx, s.key(key), data, s.ttl).Err()
	})
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string, dest any) error {
	var data []byte
	err := s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		b, err := c.Get(ctx, s.key(key)).Bytes()
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("kv: get %q: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("kv: unmarshal %q: %w", key, err)
	}
	return nil
}

// SetHash implements Store.
func (s *RedisStore) SetHash(ctx context.Context, sessionID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		k := s.key(sessionID)
		if err := c.HSet(ctx, k, flat...).Err(); err != nil {
			return err
		}
		if s.ttl > 0 {
			return c.Expire(ctx, k, s.ttl).Err()
		}
		return nil
	})
}

// GetHash implements Store.
func (s *RedisStore) GetHash(ctx context.Context, sessionID string) (map[string]string, error) {
	var fields map[string]string
	err := s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		m, err := c.HGetAll(ctx, s.key(sessionID)).Result()
		if err != nil {
			return err
		}
		fields = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv: gethash %q: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// UpdateField implements Store.
func (s *RedisStore) UpdateField(ctx context.Context, sessionID, field, value string) error {
	return s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		return c.HSet(ctx, s.key(sessionID), field, value).Err()
	})
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		return c.Del(ctx, s.key(sessionID)).Err()
	})
}

// AppendEvent implements Store.
func (s *RedisStore) AppendEvent(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	var id string
	err := s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		res, err := c.XAdd(ctx, &redis.XAddArgs{
			Stream: s.key(stream),
			Values: values,
		}).Result()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("kv: xadd %q: %w", stream, err)
	}
	return id, nil
}

// ReadEvents implements Store.
func (s *RedisStore) ReadEvents(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEvent, error) {
	if lastID == "" {
		lastID = "0"
	}
	if count <= 0 {
		count = 10
	}
	// go-redis treats Block == 0 as "block forever"; a negative value omits
	// the BLOCK argument so the read returns immediately.
	if block <= 0 {
		block = -1
	}

	var streams []redis.XStream
	err := s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		res, err := c.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key(stream), lastID},
			Count:   count,
			Block:   block,
		}).Result()
		if err != nil {
			return err
		}
		streams = res
		return nil
	})
	if err == redis.Nil {
		// Block timed out with no events.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv: xread %q: %w", stream, err)
	}

	var events []StreamEvent
	for _, st := range streams {
		for _, msg := range st.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			events = append(events, StreamEvent{ID: msg.ID, Fields: fields})
		}
	}
	return events, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.withAuthRetry(ctx, func(c redis.UniversalClient) error {
		return c.Ping(ctx).Err()
	})
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.stopRefresh != nil {
		s.stopRefresh()
		<-s.refreshDone
	}
	return s.c().Close()
}

var _ Store = (*RedisStore)(nil)

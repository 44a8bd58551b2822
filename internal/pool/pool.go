// Package pool manages the recogniser and synthesiser engine pools.
//
// Engines are expensive to construct (each carries a provider connection),
// so sessions borrow them from a three-tier pool: a dedicated tier of warm
// preallocated engines, a shared tier constructed lazily up to a cap, and an
// overflow tier constructed on demand above that and retired on release.
// Waiters queue FIFO and released slots are handed to them directly instead
// of being re-enqueued.
//
// Construction goes through a circuit breaker: a degraded provider fails
// acquisitions fast instead of stalling every new session on a connect
// timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
)

// DefaultAcquireTimeout bounds how long an acquire waits for a free slot.
const DefaultAcquireTimeout = 2 * time.Second

// constructRetries is how many construction attempts one acquire makes
// before giving up.
const constructRetries = 3

// Tier identifies which capacity tier a slot belongs to.
type Tier string

const (
	TierDedicated Tier = "dedicated"
	TierShared    Tier = "shared"
	TierOverflow  Tier = "overflow"
)

// Snapshot is the pool state embedded in a [CapacityError] and exposed for
// the dashboard.
type Snapshot struct {
	Dedicated     int `json:"dedicated"`
	DedicatedFree int `json:"dedicated_free"`
	Shared        int `json:"shared"`
	SharedFree    int `json:"shared_free"`
	Overflow      int `json:"overflow"`
	OverflowInUse int `json:"overflow_in_use"`
	InUse         int `json:"in_use"`
	Waiters       int `json:"waiters"`
}

// CapacityError is returned when no slot became free within the acquire
// timeout. It carries a state snapshot for the "capacity unavailable" close
// frame and the logs.
type CapacityError struct {
	Pool     string
	Snapshot Snapshot
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("pool %s: no engine available (in_use=%d waiters=%d)",
		e.Pool, e.Snapshot.InUse, e.Snapshot.Waiters)
}

// Slot is one lent engine. The prepared-voice set lives on the slot so a
// warm-up survives across the turns of whatever session holds the engine.
type Slot[E any] struct {
	Engine E
	Tier   Tier

	sessionID string

	mu       sync.Mutex
	prepared map[string]struct{}
}

// Prepared reports whether key was warmed up on this engine.
func (s *Slot[E]) Prepared(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.prepared[key]
	return ok
}

// MarkPrepared records a successful warm-up for key.
func (s *Slot[E]) MarkPrepared(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared == nil {
		s.prepared = make(map[string]struct{})
	}
	s.prepared[key] = struct{}{}
}

// Config sizes and wires a [Pool].
type Config[E any] struct {
	// Name labels the pool in logs, metrics, and capacity errors.
	Name string

	// Dedicated, Shared, and Overflow size the three tiers.
	Dedicated int
	Shared    int
	Overflow  int

	// AcquireTimeout bounds waits for a free slot. Zero means
	// [DefaultAcquireTimeout].
	AcquireTimeout time.Duration

	// New constructs one engine.
	New func(ctx context.Context) (E, error)

	// Healthy reports whether a returned engine can be reused. Nil means
	// always healthy.
	Healthy func(E) bool

	// Close releases an engine's resources. Nil means no-op.
	Close func(E) error

	// Metrics records acquire outcomes. Nil disables recording.
	Metrics *observe.Metrics
}

// waiter is one queued acquire.
type waiter[E any] struct {
	sessionID string
	ch        chan *Slot[E]
}

// Pool is a three-tier engine pool. Safe for concurrent use.
type Pool[E any] struct {
	cfg     Config[E]
	timeout time.Duration
	breaker *resilience.CircuitBreaker

	mu            sync.Mutex
	bySession     map[string]*Slot[E]
	freeDedicated []*Slot[E]
	freeShared    []*Slot[E]
	sharedCount   int
	overflowCount int
	// dedicatedDeficit counts dedicated slots discarded after failing a
	// health check; the next acquire reconstructs one lazily.
	dedicatedDeficit int
	waiters          []*waiter[E]
}

// New builds a pool. Call [Pool.Start] to preallocate the dedicated tier.
func New[E any](cfg Config[E]) (*Pool[E], error) {
	if cfg.New == nil {
		return nil, errors.New("pool: Config.New is required")
	}
	if cfg.Dedicated < 0 || cfg.Shared < 0 || cfg.Overflow < 0 {
		return nil, errors.New("pool: tier sizes must be non-negative")
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &Pool[E]{
		cfg:     cfg,
		timeout: timeout,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: cfg.Name + "-construct",
		}),
		bySession: make(map[string]*Slot[E]),
	}, nil
}

// Start constructs the dedicated tier eagerly so first acquisitions are warm.
func (p *Pool[E]) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.Dedicated; i++ {
		engine, err := p.construct(ctx)
		if err != nil {
			return fmt.Errorf("pool %s: preallocate dedicated engine %d: %w", p.cfg.Name, i, err)
		}
		p.mu.Lock()
		p.freeDedicated = append(p.freeDedicated, &Slot[E]{Engine: engine, Tier: TierDedicated})
		p.mu.Unlock()
	}
	return nil
}

// Held returns the slot currently lent to sessionID without acquiring one.
func (p *Pool[E]) Held(sessionID string) (*Slot[E], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.bySession[sessionID]
	return slot, ok
}

// Acquire returns the slot lent to sessionID, or lends a new one. It is
// re-entrant: a session already holding a slot gets the same slot back.
// When all tiers are exhausted the call queues FIFO and fails with a
// [CapacityError] after the acquire timeout.
func (p *Pool[E]) Acquire(ctx context.Context, sessionID string) (*Slot[E], error) {
	if sessionID == "" {
		return nil, errors.New("pool: empty session id")
	}

	p.mu.Lock()

	if slot, ok := p.bySession[sessionID]; ok {
		p.mu.Unlock()
		p.record(ctx, string(slot.Tier), "reentrant")
		return slot, nil
	}

	if slot := p.takeFreeLocked(); slot != nil {
		slot.sessionID = sessionID
		p.bySession[sessionID] = slot
		p.mu.Unlock()
		p.record(ctx, string(slot.Tier), "ok")
		return slot, nil
	}

	// Nothing free: construct if a tier has headroom.
	if tier, ok := p.constructTierLocked(); ok {
		p.reserveLocked(tier)
		p.mu.Unlock()

		engine, err := p.construct(ctx)

		p.mu.Lock()
		if err != nil {
			p.unreserveLocked(tier)
			p.mu.Unlock()
			p.record(ctx, string(tier), "construct_error")
			return nil, fmt.Errorf("pool %s: construct engine: %w", p.cfg.Name, err)
		}
		slot := &Slot[E]{Engine: engine, Tier: tier, sessionID: sessionID}
		p.bySession[sessionID] = slot
		p.mu.Unlock()
		p.record(ctx, string(tier), "ok")
		return slot, nil
	}

	// Full: queue as a waiter.
	w := &waiter[E]{sessionID: sessionID, ch: make(chan *Slot[E], 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case slot := <-w.ch:
		p.record(ctx, string(slot.Tier), "handoff")
		return slot, nil
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(w)
		err := &CapacityError{Pool: p.cfg.Name, Snapshot: p.SnapshotState()}
		p.record(ctx, "", "timeout")
		slog.Warn("pool: acquire timed out",
			"pool", p.cfg.Name,
			"session_id", sessionID,
			"snapshot", err.Snapshot)
		return nil, err
	}
}

// Release returns the session's slot to the pool. Idempotent: releasing an
// engine the session does not hold returns false. A queued waiter receives
// the slot directly.
func (p *Pool[E]) Release(sessionID string, slot *Slot[E]) bool {
	p.mu.Lock()

	held, ok := p.bySession[sessionID]
	if !ok || held != slot {
		p.mu.Unlock()
		return false
	}
	delete(p.bySession, sessionID)
	slot.sessionID = ""

	if p.cfg.Healthy != nil && !p.cfg.Healthy(slot.Engine) {
		p.discardLocked(slot)
		p.mu.Unlock()
		slog.Info("pool: discarded unhealthy engine", "pool", p.cfg.Name, "tier", slot.Tier)
		return true
	}

	// Direct handoff to the oldest waiter.
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		slot.sessionID = w.sessionID
		p.bySession[w.sessionID] = slot
		p.mu.Unlock()
		w.ch <- slot
		return true
	}

	switch slot.Tier {
	case TierDedicated:
		p.freeDedicated = append(p.freeDedicated, slot)
		p.mu.Unlock()
	case TierShared:
		p.freeShared = append(p.freeShared, slot)
		p.mu.Unlock()
	default:
		// Overflow engines exist only while demand exceeds the shared cap.
		p.overflowCount--
		p.mu.Unlock()
		p.closeEngine(slot.Engine)
	}
	return true
}

// Degraded returns an error while the construction breaker is open.
func (p *Pool[E]) Degraded() error {
	if p.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("pool %s: engine construction is failing", p.cfg.Name)
	}
	return nil
}

// SnapshotState returns current pool counters.
func (p *Pool[E]) SnapshotState() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Dedicated:     p.cfg.Dedicated,
		DedicatedFree: len(p.freeDedicated),
		Shared:        p.cfg.Shared,
		SharedFree:    len(p.freeShared),
		Overflow:      p.cfg.Overflow,
		OverflowInUse: p.overflowCount,
		InUse:         len(p.bySession),
		Waiters:       len(p.waiters),
	}
}

// Close releases every free engine. Lent engines are closed as sessions
// release them; callers should drain sessions first.
func (p *Pool[E]) Close() error {
	p.mu.Lock()
	free := append(p.freeDedicated, p.freeShared...)
	p.freeDedicated = nil
	p.freeShared = nil
	p.mu.Unlock()

	var errs []error
	for _, slot := range free {
		if p.cfg.Close != nil {
			if err := p.cfg.Close(slot.Engine); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ─── internals ───

// takeFreeLocked pops a free slot, dedicated tier first. Must be called
// with p.mu held.
func (p *Pool[E]) takeFreeLocked() *Slot[E] {
	if n := len(p.freeDedicated); n > 0 {
		slot := p.freeDedicated[n-1]
		p.freeDedicated = p.freeDedicated[:n-1]
		return slot
	}
	if n := len(p.freeShared); n > 0 {
		slot := p.freeShared[n-1]
		p.freeShared = p.freeShared[:n-1]
		return slot
	}
	return nil
}

// constructTierLocked picks the tier a fresh engine would belong to, if any
// has headroom. Must be called with p.mu held.
func (p *Pool[E]) constructTierLocked() (Tier, bool) {
	if p.dedicatedDeficit > 0 {
		return TierDedicated, true
	}
	if p.sharedCount < p.cfg.Shared {
		return TierShared, true
	}
	if p.overflowCount < p.cfg.Overflow {
		return TierOverflow, true
	}
	return "", false
}

func (p *Pool[E]) reserveLocked(tier Tier) {
	switch tier {
	case TierDedicated:
		p.dedicatedDeficit--
	case TierShared:
		p.sharedCount++
	case TierOverflow:
		p.overflowCount++
	}
}

func (p *Pool[E]) unreserveLocked(tier Tier) {
	switch tier {
	case TierDedicated:
		p.dedicatedDeficit++
	case TierShared:
		p.sharedCount--
	case TierOverflow:
		p.overflowCount--
	}
}

// discardLocked drops an unhealthy engine and opens headroom for a lazy
// replacement. Must be called with p.mu held.
func (p *Pool[E]) discardLocked(slot *Slot[E]) {
	switch slot.Tier {
	case TierDedicated:
		p.dedicatedDeficit++
	case TierShared:
		p.sharedCount--
	case TierOverflow:
		p.overflowCount--
	}
	go p.closeEngine(slot.Engine)
}

// construct builds one engine through the breaker with bounded retries.
func (p *Pool[E]) construct(ctx context.Context) (E, error) {
	var engine E
	var err error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < constructRetries; attempt++ {
		err = p.breaker.Execute(func() error {
			var cerr error
			engine, cerr = p.cfg.New(ctx)
			return cerr
		})
		if err == nil {
			return engine, nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) || ctx.Err() != nil {
			break
		}
		slog.Warn("pool: engine construction failed, retrying",
			"pool", p.cfg.Name, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return engine, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return engine, err
}

// abandonWaiter removes w from the queue, or re-releases a slot that was
// handed off concurrently with the timeout.
func (p *Pool[E]) abandonWaiter(w *waiter[E]) {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not queued: a handoff raced the timeout. Take the slot and put it back.
	select {
	case slot := <-w.ch:
		p.Release(w.sessionID, slot)
	default:
	}
}

func (p *Pool[E]) closeEngine(engine E) {
	if p.cfg.Close == nil {
		return
	}
	if err := p.cfg.Close(engine); err != nil {
		slog.Debug("pool: engine close failed", "pool", p.cfg.Name, "err", err)
	}
}

func (p *Pool[E]) record(ctx context.Context, tier, status string) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.RecordPoolAcquire(ctx, p.cfg.Name, tier, status)
}

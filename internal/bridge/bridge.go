// Package bridge carries speech events from SDK callback goroutines into the
// per-session run loop.
//
// Cloud speech SDKs fire recognition callbacks on their own threads. Nothing
// session-scoped may run there: handlers must return fast and must not touch
// state owned by the session loop. The bridge gives those callbacks two safe
// primitives: a bounded event queue with an explicit overflow policy, and a
// scheduler hook that submits closures onto the owning loop.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// EventKind classifies a speech event.
type EventKind string

const (
	// KindPartial is an interim transcript. Drop-tolerant: newer partials
	// supersede older ones.
	KindPartial EventKind = "partial"

	// KindFinal is an authoritative end-of-utterance transcript.
	KindFinal EventKind = "final"

	// KindCancel is a recognizer-side cancellation (service disconnect,
	// auth failure).
	KindCancel EventKind = "cancel"
)

// SpeechEvent is one recognition result or recognizer error in flight from
// the SDK thread to the session loop.
type SpeechEvent struct {
	Kind       EventKind
	Transcript stt.Transcript
	Err        error
}

// Queue is a bounded speech-event queue for one session.
type Queue struct {
	ch chan SpeechEvent
}

// DefaultQueueCapacity bounds a session's in-flight speech events. Sized for
// the burst a recognizer emits around an utterance boundary.
const DefaultQueueCapacity = 32

// NewQueue returns a queue with the given capacity, or
// [DefaultQueueCapacity] when capacity is not positive.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan SpeechEvent, capacity)}
}

// Events returns the receive side for the session loop.
func (q *Queue) Events() <-chan SpeechEvent { return q.ch }

// Len reports the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Bridge hands speech events and closures from SDK callback goroutines to
// the session's run loop. One bridge per session.
type Bridge struct {
	logger *slog.Logger

	mu        sync.Mutex
	scheduler func(func())
}

// New returns a bridge with no scheduler installed yet. Events queued before
// [Bridge.SetScheduler] are retained; scheduled closures are dropped with a
// log line.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{logger: logger}
}

// SetScheduler installs the run-loop submit hook. Called once when the
// session task starts; a second call replaces the hook.
func (b *Bridge) SetScheduler(schedule func(func())) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduler = schedule
}

// QueueSpeechResult enqueues ev without ever blocking the caller.
//
// When the queue is full the overflow policy depends on the event: partials
// evict the oldest queued event to make room, finals and cancels are dropped
// instead, since evicting could discard an earlier final that the session
// loop has not consumed yet. Both paths log a warning.
func (b *Bridge) QueueSpeechResult(q *Queue, ev SpeechEvent) {
	select {
	case q.ch <- ev:
		return
	default:
	}

	if ev.Kind != KindPartial {
		b.logger.Warn("speech queue full, dropping event",
			slog.String("kind", string(ev.Kind)),
			slog.Int("capacity", cap(q.ch)))
		return
	}

	// Evict until the new partial fits. Another producer may race us for the
	// freed slot, so keep trying; the queue is bounded so this terminates.
	for {
		select {
		case dropped := <-q.ch:
			b.logger.Warn("speech queue full, dropping oldest event",
				slog.String("dropped_kind", string(dropped.Kind)),
				slog.Int("capacity", cap(q.ch)))
		default:
		}
		select {
		case q.ch <- ev:
			return
		default:
		}
	}
}

// Schedule submits fn to the session's run loop. Safe from any goroutine and
// never blocks. Without an installed scheduler the closure is dropped with a
// log line rather than run on the caller's thread.
func (b *Bridge) Schedule(fn func()) {
	b.mu.Lock()
	schedule := b.scheduler
	b.mu.Unlock()

	if schedule == nil {
		b.logger.Warn("no scheduler installed, dropping scheduled call")
		return
	}
	schedule(fn)
}

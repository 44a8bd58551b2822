// Package session holds per-call state: the live flag set the duplex audio
// path coordinates through, the conversation memory persisted to the store,
// and the registry mapping session ids to connections.
//
// A session outlives any single websocket: a browser client may drop and
// resume against the same session id, and a telephony call keeps its session
// across the callback and media legs.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
)

// Kind distinguishes the two session transports.
type Kind string

const (
	// KindTelephony is a phone call answered through the calling service.
	KindTelephony Kind = "telephony"

	// KindBrowser is a browser client streaming audio over a websocket.
	KindBrowser Kind = "browser"
)

// State is the live coordination state of one session. The playback flags
// are written by the egress path and read by the barge-in handler, so they
// are atomics rather than mutex-guarded fields.
type State struct {
	ID   string
	Kind Kind

	// Latency records per-session pipeline timings.
	Latency *observe.Latency

	// Cancel is armed by barge-in and observed by the synthesis pipeline.
	Cancel *Event

	synthesizing       atomic.Bool
	audioPlaying       atomic.Bool
	ttsCancelRequested atomic.Bool
	greetingSpoken     atomic.Bool

	tasks taskGroup
}

// NewState returns the initial state for a session.
func NewState(id string, kind Kind) *State {
	s := &State{
		ID:      id,
		Kind:    kind,
		Latency: observe.NewLatency(),
		Cancel:  NewEvent(),
	}
	s.tasks.arm()
	return s
}

// Synthesizing reports whether a synthesis pipeline is active.
func (s *State) Synthesizing() bool { return s.synthesizing.Load() }

// SetSynthesizing marks the synthesis pipeline active or idle.
func (s *State) SetSynthesizing(v bool) { s.synthesizing.Store(v) }

// AudioPlaying reports whether assistant audio is being sent to the caller.
func (s *State) AudioPlaying() bool { return s.audioPlaying.Load() }

// SetAudioPlaying marks assistant audio as flowing or stopped.
func (s *State) SetAudioPlaying(v bool) { s.audioPlaying.Store(v) }

// Speaking reports whether the assistant is audibly active: either
// synthesizing or with audio still flowing out.
func (s *State) Speaking() bool {
	return s.synthesizing.Load() || s.audioPlaying.Load()
}

// TTSCancelRequested reports whether an interruption asked in-flight
// synthesis to stop.
func (s *State) TTSCancelRequested() bool { return s.ttsCancelRequested.Load() }

// SetTTSCancelRequested sets or clears the synthesis cancel request.
func (s *State) SetTTSCancelRequested(v bool) { s.ttsCancelRequested.Store(v) }

// GreetingSpoken reports whether the greeting has already been delivered.
// Used to replay only a status note, not the audio, when a browser resumes.
func (s *State) GreetingSpoken() bool { return s.greetingSpoken.Load() }

// MarkGreetingSpoken records greeting delivery. Returns false if it was
// already marked, so the greeting is spoken at most once per session.
func (s *State) MarkGreetingSpoken() bool {
	return s.greetingSpoken.CompareAndSwap(false, true)
}

// Go runs fn on a tracked goroutine whose context is cancelled by
// [State.CancelTasks]. Safe to call from any goroutine.
func (s *State) Go(fn func(ctx context.Context)) {
	s.tasks.go_(fn)
}

// CancelTasks cancels all tracked goroutines and waits up to grace for them
// to finish, then re-arms the group for the next turn. Returns false when
// the grace period expired with tasks still running; those tasks keep their
// cancelled context and are abandoned.
func (s *State) CancelTasks(grace time.Duration) bool {
	return s.tasks.cancelAll(grace)
}

// ─── Re-armable cancel event ───

// Event is a level-triggered, re-armable cancellation signal. Set closes the
// current channel so every waiter wakes; Clear arms a fresh channel for the
// next turn.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewEvent returns an armed, unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set fires the event. Setting an already-set event is a no-op.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear re-arms the event for the next turn.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports whether the event has fired and not been cleared.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel closed when the event fires. Callers must re-fetch
// the channel after a Clear.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// ─── Tracked task group ───

// taskGroup tracks the session's pipeline goroutines so barge-in can cancel
// and bound-wait on all of them at once.
type taskGroup struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func (g *taskGroup) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.wg = &sync.WaitGroup{}
}

func (g *taskGroup) go_(fn func(ctx context.Context)) {
	g.mu.Lock()
	ctx := g.ctx
	wg := g.wg
	wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

func (g *taskGroup) cancelAll(grace time.Duration) bool {
	g.mu.Lock()
	cancel := g.cancel
	wg := g.wg
	g.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	finished := true
	select {
	case <-done:
	case <-time.After(grace):
		finished = false
	}

	// Re-arm for the next turn. Stragglers keep the cancelled context and
	// the old wait group; they are not waited on again.
	g.arm()
	return finished
}

// Package speech hosts one recognition stream per session and pumps its
// events into the session's bridge queue.
//
// A Thread moves through four states. Construction binds an engine and a
// queue. Prepare opens the push stream and attaches the pump goroutines.
// Start begins accepting audio; for telephony it is deferred until the first
// metadata frame arrives, so a Start before Prepare is a logged no-op rather
// than an error. Stop closes the stream and is terminal.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// State is a thread lifecycle stage.
type State string

const (
	StateConstructed State = "constructed"
	StatePrepared    State = "prepared"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
)

// Thread bridges one STT engine's callback-driven stream into a session's
// speech-event queue.
type Thread struct {
	engine stt.Engine
	bridge *bridge.Bridge
	queue  *bridge.Queue
	cfg    stt.StreamConfig
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	handle stt.SessionHandle
	pumps  sync.WaitGroup
}

// NewThread binds an engine to a session's queue. The thread starts in the
// constructed state; no stream exists until Prepare.
func NewThread(engine stt.Engine, b *bridge.Bridge, q *bridge.Queue, cfg stt.StreamConfig, logger *slog.Logger) *Thread {
	if logger == nil {
		logger = slog.Default()
	}
	return &Thread{
		engine: engine,
		bridge: b,
		queue:  q,
		cfg:    cfg,
		logger: logger,
		state:  StateConstructed,
	}
}

// State reports the current lifecycle stage.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Prepare opens the recognition stream and attaches the partial, final, and
// cancel pumps. Valid only from the constructed state.
func (t *Thread) Prepare(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConstructed {
		return fmt.Errorf("speech: prepare from state %q", t.state)
	}

	handle, err := t.engine.StartStream(ctx, t.cfg)
	if err != nil {
		return fmt.Errorf("speech: open recognition stream: %w", err)
	}
	t.handle = handle

	t.pumps.Add(3)
	go t.pumpPartials(handle)
	go t.pumpFinals(handle)
	go t.pumpCancels(handle)

	t.state = StatePrepared
	return nil
}

// Start begins accepting audio. A Start before Prepare logs and returns
// without effect; a Start while already running is a no-op.
func (t *Thread) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StatePrepared:
		t.state = StateRunning
	case StateRunning:
	case StateConstructed:
		t.logger.Warn("speech thread started before prepare, ignoring")
	case StateStopped:
		t.logger.Warn("speech thread started after stop, ignoring")
	}
}

// SendAudio pushes a PCM16 chunk into the recognizer. Audio arriving while
// the thread is not running is dropped; telephony sends frames before the
// metadata handshake completes and those must not error the media loop.
func (t *Thread) SendAudio(chunk []byte) error {
	t.mu.Lock()
	handle := t.handle
	running := t.state == StateRunning
	t.mu.Unlock()

	if !running {
		return nil
	}
	return handle.SendAudio(chunk)
}

// Stop closes the stream, waits for the pumps to drain, and moves the thread
// to its terminal state. Idempotent.
func (t *Thread) Stop() error {
	t.mu.Lock()
	if t.state == StateStopped {
		t.mu.Unlock()
		return nil
	}
	handle := t.handle
	t.state = StateStopped
	t.mu.Unlock()

	var err error
	if handle != nil {
		err = handle.Close()
		t.pumps.Wait()
	}
	return err
}

// Pumps run on their own goroutines for the life of the stream and exit when
// the handle's channels close. They only ever touch the bridge, which is
// safe from any goroutine.

func (t *Thread) pumpPartials(h stt.SessionHandle) {
	defer t.pumps.Done()
	for tr := range h.Partials() {
		t.bridge.QueueSpeechResult(t.queue, bridge.SpeechEvent{Kind: bridge.KindPartial, Transcript: tr})
	}
}

func (t *Thread) pumpFinals(h stt.SessionHandle) {
	defer t.pumps.Done()
	for tr := range h.Finals() {
		t.bridge.QueueSpeechResult(t.queue, bridge.SpeechEvent{Kind: bridge.KindFinal, Transcript: tr})
	}
}

func (t *Thread) pumpCancels(h stt.SessionHandle) {
	defer t.pumps.Done()
	for err := range h.Cancels() {
		t.bridge.QueueSpeechResult(t.queue, bridge.SpeechEvent{Kind: bridge.KindCancel, Err: err})
	}
}

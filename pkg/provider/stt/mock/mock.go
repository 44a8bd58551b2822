// Package mock provides test doubles for the stt interfaces.
//
// The Session type lets tests inject partial and final transcripts as if a
// recognizer produced them, and records every audio chunk pushed into the
// stream. Engine and Provider wire Sessions into code that acquires engines
// through the pool.
//
// Example:
//
//	eng := mock.NewEngine()
//	h, _ := eng.StartStream(ctx, stt.StreamConfig{})
//	sess := h.(*mock.Session)
//	sess.EmitFinal("hello there")
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// Session is a mock stt.SessionHandle. Create it through Engine.StartStream
// or directly with NewSession.
type Session struct {
	mu     sync.Mutex
	closed bool

	partials chan stt.Transcript
	finals   chan stt.Transcript
	cancels  chan error

	// SendAudioCalls records every chunk passed to SendAudio, in order.
	SendAudioCalls [][]byte

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error
}

// NewSession creates a ready-to-use mock session.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		cancels:  make(chan error, 4),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, c)
	return nil
}

// Partials returns the channel of interim transcripts.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Cancels returns the channel of recognizer cancellation errors.
func (s *Session) Cancels() <-chan error { return s.cancels }

// Close closes all channels. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	close(s.cancels)
	return nil
}

// EmitPartial injects an interim transcript as if recognized from audio.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.partials <- stt.Transcript{Text: text, Language: "en-US"}
}

// EmitFinal injects a final transcript as if recognized from audio.
func (s *Session) EmitFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Language: "en-US"}
}

// EmitCancel injects a recognizer cancellation error.
func (s *Session) EmitCancel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancels <- err
}

// AudioBytes returns the total number of audio bytes pushed so far.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.SendAudioCalls {
		n += len(c)
	}
	return n
}

// Engine is a mock stt.Engine.
type Engine struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// Unhealthy makes Healthy report false.
	Unhealthy bool

	// StartStreamCalls records the configs passed to StartStream.
	StartStreamCalls []stt.StreamConfig

	// Sessions holds every Session handed out, in order.
	Sessions []*Session

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewEngine creates a mock engine.
func NewEngine() *Engine { return &Engine{} }

// StartStream returns a fresh mock Session.
func (e *Engine) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StartStreamCalls = append(e.StartStreamCalls, cfg)
	if e.StartStreamErr != nil {
		return nil, e.StartStreamErr
	}
	s := NewSession()
	e.Sessions = append(e.Sessions, s)
	return s, nil
}

// Healthy implements stt.Engine.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Unhealthy
}

// Close implements stt.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// Provider is a mock stt.Provider.
type Provider struct {
	mu sync.Mutex

	// NewEngineErr, if non-nil, is returned by NewEngine.
	NewEngineErr error

	// Engines holds every engine handed out, in order.
	Engines []*Engine
}

// NewEngine returns a fresh mock Engine.
func (p *Provider) NewEngine(_ context.Context) (stt.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewEngineErr != nil {
		return nil, p.NewEngineErr
	}
	e := NewEngine()
	p.Engines = append(p.Engines, e)
	return e, nil
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.Engine        = (*Engine)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

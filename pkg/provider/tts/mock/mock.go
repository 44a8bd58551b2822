// Package mock provides test doubles for the tts interfaces.
//
// Engine returns configurable PCM for every synthesis call and records the
// text and voice of each invocation. Synthesis can be made slow or failing to
// exercise cancellation and error paths in the egress code.
//
// Example:
//
//	eng := &mock.Engine{Audio: make([]byte, 640)}
//	pcm, err := eng.Synthesize(ctx, "Hello.", tts.Voice{Name: "test"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the fragment passed to Synthesize.
	Text string
	// Voice is the voice tuple passed to Synthesize.
	Voice tts.Voice
}

// Engine is a mock tts.Engine.
// Zero values cause Synthesize to return an empty PCM slice and nil error.
type Engine struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// Audio is the PCM returned by every Synthesize call. When AudioFn is set
	// it takes precedence and is called per invocation.
	Audio   []byte
	AudioFn func(text string, voice tts.Voice) []byte

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// SynthesizeDelay makes Synthesize block for the given duration or until
	// ctx is cancelled, whichever comes first.
	SynthesizeDelay time.Duration

	// Rate is returned by SampleRate. Defaults to 16000 when zero.
	Rate int

	// Unhealthy makes Healthy report false.
	Unhealthy bool

	// --- Call records (read after test) ---

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// StopSpeakingCallCount is the number of times StopSpeaking was called.
	StopSpeakingCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Synthesize records the call and returns the configured PCM.
func (e *Engine) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	e.mu.Lock()
	e.SynthesizeCalls = append(e.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	delay := e.SynthesizeDelay
	err := e.SynthesizeErr
	var audio []byte
	if e.AudioFn != nil {
		audio = e.AudioFn(text, voice)
	} else {
		audio = make([]byte, len(e.Audio))
		copy(audio, e.Audio)
	}
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return audio, nil
}

// StopSpeaking records the call.
func (e *Engine) StopSpeaking() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StopSpeakingCallCount++
}

// SampleRate implements tts.Engine.
func (e *Engine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Rate == 0 {
		return 16000
	}
	return e.Rate
}

// Healthy implements tts.Engine.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Unhealthy
}

// Close implements tts.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// Texts returns the text of every recorded synthesis call, in order.
func (e *Engine) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.SynthesizeCalls))
	for i, c := range e.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Provider is a mock tts.Provider.
type Provider struct {
	mu sync.Mutex

	// NewEngineErr, if non-nil, is returned by NewEngine.
	NewEngineErr error

	// EngineTemplate, when set, configures each engine handed out (Audio,
	// Rate, and delay fields are copied).
	EngineTemplate *Engine

	// Engines holds every engine handed out, in order.
	Engines []*Engine
}

// NewEngine returns a fresh mock Engine.
func (p *Provider) NewEngine(_ context.Context) (tts.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewEngineErr != nil {
		return nil, p.NewEngineErr
	}
	e := &Engine{}
	if t := p.EngineTemplate; t != nil {
		e.Audio = t.Audio
		e.AudioFn = t.AudioFn
		e.Rate = t.Rate
		e.SynthesizeDelay = t.SynthesizeDelay
		e.SynthesizeErr = t.SynthesizeErr
	}
	p.Engines = append(p.Engines, e)
	return e, nil
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Engine   = (*Engine)(nil)
)

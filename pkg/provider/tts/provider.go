// Package tts defines the engine contract for Text-to-Speech backends.
//
// A TTS engine wraps a speech synthesis service and turns one text fragment
// into raw PCM16 audio. Synthesis is a blocking call that must honour context
// cancellation promptly — the egress path races it against the session's
// barge-in cancel event. Engines are expensive to construct and are
// multiplexed across sessions by a bounded pool.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Engine is the poolable unit: one synthesizer instance.
type Engine interface {
	// Synthesize renders text with the given voice and returns raw PCM16
	// audio at the engine's configured sample rate. It blocks until synthesis
	// completes, ctx is cancelled, or StopSpeaking is called.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// StopSpeaking aborts any in-flight synthesis on this engine.
	// Best-effort; safe to call when nothing is synthesizing.
	StopSpeaking()

	// SampleRate returns the PCM sample rate of synthesized audio in Hz.
	SampleRate() int

	// Healthy reports whether the engine is fit for reuse. Pools discard
	// unhealthy engines on release.
	Healthy() bool

	// Close releases the engine.
	Close() error
}

// Provider constructs engines for the pool.
type Provider interface {
	// NewEngine builds a fresh synthesizer engine. Called lazily by the pool
	// when a slot is first populated or an unhealthy engine was discarded.
	NewEngine(ctx context.Context) (Engine, error)
}

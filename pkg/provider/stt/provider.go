// Package stt defines the engine contract for Speech-to-Text backends.
//
// An STT engine wraps a cloud speech recognizer and presents a push-stream
// interface: the caller feeds raw PCM16 audio chunks and receives partial and
// final transcripts on channels. Engines are expensive to construct and are
// multiplexed across sessions by a bounded pool; one engine serves one live
// recognition stream at a time.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// StreamConfig carries per-stream recognition parameters.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz (16000 for telephony).
	SampleRate int

	// Channels is the channel count. Recognition input is mono in practice.
	Channels int

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string

	// SilenceTimeout is the end-of-utterance silence window. Zero means the
	// provider default.
	SilenceTimeout time.Duration
}

// SessionHandle is a live recognition stream bound to one session.
//
// The Partials and Finals channels are closed by the implementation when the
// stream ends or Close is called. Cancels carries recognizer-side
// cancellation errors (service disconnects, auth failures); it is closed with
// the other channels.
type SessionHandle interface {
	// SendAudio queues a PCM16 audio chunk for recognition. Returns an error
	// once the session is closed.
	SendAudio(chunk []byte) error

	// Partials returns the channel of interim transcripts.
	Partials() <-chan Transcript

	// Finals returns the channel of final transcripts.
	Finals() <-chan Transcript

	// Cancels returns the channel of recognizer cancellation errors.
	Cancels() <-chan error

	// Close terminates the stream and releases its resources. Idempotent.
	Close() error
}

// Engine is the poolable unit: a recognizer instance that can host one
// recognition stream at a time.
type Engine interface {
	// StartStream opens a recognition stream with the given config.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Healthy reports whether the engine is fit for reuse. Pools discard
	// unhealthy engines on release.
	Healthy() bool

	// Close releases the engine.
	Close() error
}

// Provider constructs engines for the pool.
type Provider interface {
	// NewEngine builds a fresh recognizer engine. Called lazily by the pool
	// when a slot is first populated or an unhealthy engine was discarded.
	NewEngine(ctx context.Context) (Engine, error)
}

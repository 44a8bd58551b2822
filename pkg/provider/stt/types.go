package stt

import "time"

// Transcript represents a speech-to-text result from an STT engine.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the service does not report confidence.
	Confidence float64

	// Language is the detected or configured recognition language.
	Language string

	// SpeakerID identifies the speaker when diarization is active.
	SpeakerID string

	// Offset marks when the utterance started, relative to stream start.
	Offset time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

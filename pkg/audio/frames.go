// Package audio provides PCM16 frame helpers for the duplex audio path.
//
// The gateway transports assistant audio as fixed-duration frames (20 ms by
// default). Synthesized PCM is split here before egress; clips shorter than
// one frame are zero-padded so that non-empty text always produces at least
// one frame on the wire.
package audio

import "time"

// DefaultFrameDuration is the wire frame duration used by both transports.
const DefaultFrameDuration = 20 * time.Millisecond

// bytesPerSample is fixed: PCM16 mono.
const bytesPerSample = 2

// FrameBytes returns the byte length of one frame of PCM16 mono audio at the
// given sample rate and frame duration.
func FrameBytes(sampleRate int, frame time.Duration) int {
	samples := int(int64(sampleRate) * int64(frame) / int64(time.Second))
	return samples * bytesPerSample
}

// Duration returns the playback time of a PCM16 mono buffer at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// SplitFrames slices pcm into frames of frameBytes each. The final frame is
// zero-padded to full length. Empty input yields nil; input shorter than one
// frame yields exactly one padded frame.
func SplitFrames(pcm []byte, frameBytes int) [][]byte {
	if len(pcm) == 0 || frameBytes <= 0 {
		return nil
	}

	n := (len(pcm) + frameBytes - 1) / frameBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		// Short tail: pad with silence to a full frame.
		padded := make([]byte, frameBytes)
		copy(padded, pcm[off:])
		frames = append(frames, padded)
	}
	return frames
}

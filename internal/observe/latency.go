package observe

import (
	"encoding/json"
	"sync"
	"time"
)

// Well-known latency labels recorded per session.
const (
	LabelGreetingTTFB = "greeting_ttfb"
	LabelSynthesis    = "tts:synthesis"
	LabelSendFrames   = "tts:send_frames"
	LabelProcessing   = "processing"
)

// Latency measures named intervals within a single session. Start arms a
// label; Stop records the elapsed time and disarms it, so repeated Stops for
// a one-shot measurement like the greeting time-to-first-byte are no-ops.
//
// A Latency is safe for concurrent use by the session's pipeline goroutines.
type Latency struct {
	mu       sync.Mutex
	started  map[string]time.Time
	recorded map[string][]time.Duration
	now      func() time.Time
}

// NewLatency returns an empty per-session latency recorder.
func NewLatency() *Latency {
	return &Latency{
		started:  make(map[string]time.Time),
		recorded: make(map[string][]time.Duration),
		now:      time.Now,
	}
}

// Start arms label. Starting an already-armed label restarts it.
func (l *Latency) Start(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started[label] = l.now()
}

// Stop records the elapsed time for label and disarms it. Returns the
// measured duration, or zero when the label was not armed.
func (l *Latency) Stop(label string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	start, ok := l.started[label]
	if !ok {
		return 0
	}
	delete(l.started, label)
	d := l.now().Sub(start)
	l.recorded[label] = append(l.recorded[label], d)
	return d
}

// Running reports whether label is currently armed.
func (l *Latency) Running(label string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.started[label]
	return ok
}

// Measurements returns a copy of all recorded durations per label.
func (l *Latency) Measurements() map[string][]time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]time.Duration, len(l.recorded))
	for k, v := range l.recorded {
		out[k] = append([]time.Duration(nil), v...)
	}
	return out
}

// MarshalJSON encodes the recorded measurements as milliseconds per label,
// the shape persisted into the session hash.
func (l *Latency) MarshalJSON() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]float64, len(l.recorded))
	for k, v := range l.recorded {
		ms := make([]float64, len(v))
		for i, d := range v {
			ms[i] = float64(d) / float64(time.Millisecond)
		}
		out[k] = ms
	}
	return json.Marshal(out)
}

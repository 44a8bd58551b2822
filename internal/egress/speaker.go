// Package egress turns assistant text into framed PCM on the wire.
//
// The speaker acquires a synthesizer slot from the TTS pool, warms the voice
// on first use, renders the text on a bounded worker pool, and streams the
// resulting PCM as fixed-duration frames through a transport sink. Barge-in
// can cut the pipeline at any point: during synthesis the blocking SDK call
// is aborted, during framing the frame loop stops and telephony gets a
// StopAudio sentinel so buffered playback is flushed.
package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/pool"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// ErrCancelled reports that a barge-in stopped the pipeline before the clip
// finished. It is not a failure; callers must not surface it to the client.
var ErrCancelled = errors.New("egress: playback cancelled")

// DefaultWarmupTimeout bounds the one-character warm-up synthesis that
// prepares a voice on an engine. Warm-up is best-effort: on timeout or error
// the utterance proceeds unprepared.
const DefaultWarmupTimeout = 4 * time.Second

// defaultWorkers bounds concurrent blocking synthesis calls across sessions.
const defaultWorkers = 8

// warmupText is the minimal clip that forces the service to load a voice.
const warmupText = "."

// Speaker renders text and streams it through a sink.
type Speaker struct {
	pool          *pool.Pool[tts.Engine]
	workers       *semaphore.Weighted
	warmupTimeout time.Duration
	frameDuration time.Duration
	metrics       *observe.Metrics
	logger        *slog.Logger
}

// SpeakerOption customises a [Speaker].
type SpeakerOption func(*Speaker)

// WithWarmupTimeout overrides the voice warm-up bound.
func WithWarmupTimeout(d time.Duration) SpeakerOption {
	return func(s *Speaker) {
		if d > 0 {
			s.warmupTimeout = d
		}
	}
}

// WithFrameDuration overrides the wire frame duration.
func WithFrameDuration(d time.Duration) SpeakerOption {
	return func(s *Speaker) {
		if d > 0 {
			s.frameDuration = d
		}
	}
}

// WithWorkers bounds concurrent blocking synthesis calls.
func WithWorkers(n int) SpeakerOption {
	return func(s *Speaker) {
		if n > 0 {
			s.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics installs the metrics instance.
func WithMetrics(m *observe.Metrics) SpeakerOption {
	return func(s *Speaker) { s.metrics = m }
}

// WithLogger installs the logger.
func WithLogger(l *slog.Logger) SpeakerOption {
	return func(s *Speaker) { s.logger = l }
}

// NewSpeaker returns a speaker drawing engines from p.
func NewSpeaker(p *pool.Pool[tts.Engine], opts ...SpeakerOption) *Speaker {
	s := &Speaker{
		pool:          p,
		workers:       semaphore.NewWeighted(defaultWorkers),
		warmupTimeout: DefaultWarmupTimeout,
		frameDuration: audio.DefaultFrameDuration,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Release returns the session's engine slot to the pool. Called once at
// session teardown; Speak itself holds the slot across utterances via the
// pool's re-entrant acquire.
func (s *Speaker) Release(sessionID string, slot *pool.Slot[tts.Engine]) {
	s.pool.Release(sessionID, slot)
}

// Acquire exposes the session's slot for teardown bookkeeping.
func (s *Speaker) Acquire(ctx context.Context, sessionID string) (*pool.Slot[tts.Engine], error) {
	return s.pool.Acquire(ctx, sessionID)
}

// Held reports the slot currently bound to the session, if any. Used by the
// teardown path to release without re-acquiring.
func (s *Speaker) Held(sessionID string) (*pool.Slot[tts.Engine], bool) {
	return s.pool.Held(sessionID)
}

// Interrupt aborts in-flight synthesis on the session's engine, if the
// session holds one. Best-effort; part of the barge-in protocol.
func (s *Speaker) Interrupt(sessionID string) {
	if slot, ok := s.pool.Held(sessionID); ok {
		slot.Engine.StopSpeaking()
	}
}

// Speak renders text with voice and streams the frames through sink.
//
// Returns [ErrCancelled] when barge-in cut the pipeline, or the synthesis or
// transport error otherwise. All session playback flags are cleared on
// return regardless of outcome.
func (s *Speaker) Speak(ctx context.Context, st *session.State, sink Sink, text string, voice tts.Voice) error {
	if text == "" {
		return nil
	}

	slot, err := s.pool.Acquire(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("egress: acquire synthesizer: %w", err)
	}
	eng := slot.Engine

	defer func() {
		st.SetSynthesizing(false)
		st.SetAudioPlaying(false)
		st.SetTTSCancelRequested(false)
	}()
	st.SetSynthesizing(true)

	s.warmup(ctx, slot, voice)

	pcm, err := s.synthesize(ctx, st, eng, text, voice)
	if err != nil {
		return err
	}

	return s.sendFrames(ctx, st, sink, eng.SampleRate(), pcm)
}

// warmup renders the minimal clip once per (voice, style, rate) on an
// engine. Failure is logged and swallowed; synthesis proceeds regardless.
func (s *Speaker) warmup(ctx context.Context, slot *pool.Slot[tts.Engine], voice tts.Voice) {
	key := voice.Name + "|" + voice.Style + "|" + voice.Rate
	if slot.Prepared(key) {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, s.warmupTimeout)
	defer cancel()
	if err := s.workers.Acquire(wctx, 1); err != nil {
		s.logger.Warn("voice warm-up skipped, worker pool saturated", slog.String("voice", voice.Name))
		return
	}
	_, err := slot.Engine.Synthesize(wctx, warmupText, voice)
	s.workers.Release(1)
	if err != nil {
		s.logger.Warn("voice warm-up failed, continuing unprepared",
			slog.String("voice", voice.Name), slog.Any("err", err))
		return
	}
	slot.MarkPrepared(key)
}

type synthResult struct {
	pcm []byte
	err error
}

// synthesize runs the blocking SDK call on the worker pool and races it
// against the session's cancel event.
func (s *Speaker) synthesize(ctx context.Context, st *session.State, eng tts.Engine, text string, voice tts.Voice) ([]byte, error) {
	st.Latency.Start(observe.LabelSynthesis)
	started := time.Now()

	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan synthResult, 1)
	go func() {
		if err := s.workers.Acquire(synthCtx, 1); err != nil {
			results <- synthResult{err: err}
			return
		}
		defer s.workers.Release(1)
		pcm, err := eng.Synthesize(synthCtx, text, voice)
		results <- synthResult{pcm: pcm, err: err}
	}()

	select {
	case res := <-results:
		st.Latency.Stop(observe.LabelSynthesis)
		if res.err != nil {
			if s.metrics != nil {
				s.metrics.RecordProviderError(ctx, "tts", "synthesize")
			}
			return nil, fmt.Errorf("egress: synthesize: %w", res.err)
		}
		if s.metrics != nil {
			s.metrics.TTSDuration.Record(ctx, time.Since(started).Seconds())
		}
		return res.pcm, nil

	case <-st.Cancel.Done():
		cancel()
		eng.StopSpeaking()
		<-results // the worker observes the cancelled context promptly
		st.Latency.Stop(observe.LabelSynthesis)
		return nil, ErrCancelled
	}
}

// sendFrames splits pcm into frames and writes them through sink, re-checking
// the cancel signals between frames.
func (s *Speaker) sendFrames(ctx context.Context, st *session.State, sink Sink, sampleRate int, pcm []byte) error {
	frames := audio.SplitFrames(pcm, audio.FrameBytes(sampleRate, s.frameDuration))
	if len(frames) == 0 {
		return nil
	}

	st.SetAudioPlaying(true)
	st.Latency.Start(observe.LabelSendFrames)
	defer st.Latency.Stop(observe.LabelSendFrames)

	for i, fr := range frames {
		if st.Cancel.IsSet() || st.TTSCancelRequested() {
			return s.cut(ctx, st, sink)
		}

		f := Frame{
			PCM:        fr,
			Index:      i,
			Total:      len(frames),
			SampleRate: sampleRate,
			Final:      i == len(frames)-1,
		}
		if err := sink.SendFrame(ctx, f); err != nil {
			return fmt.Errorf("egress: send frame %d/%d: %w", i+1, len(frames), err)
		}

		if i == 0 {
			// Disarmed after the first stop, so only the true first frame of
			// the session records the greeting time-to-first-byte.
			if d := st.Latency.Stop(observe.LabelGreetingTTFB); d > 0 && s.metrics != nil {
				s.metrics.GreetingTTFB.Record(ctx, d.Seconds())
			}
		}

		if sink.Paced() && i < len(frames)-1 {
			select {
			case <-time.After(s.frameDuration):
			case <-st.Cancel.Done():
				return s.cut(ctx, st, sink)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := sink.SendStop(ctx); err != nil {
		s.logger.Warn("stop sentinel send failed", slog.String("session_id", st.ID), slog.Any("err", err))
	}
	return nil
}

// cut aborts mid-clip playback. Telephony needs the sentinel so the service
// drops its buffered frames instead of playing them out.
func (s *Speaker) cut(ctx context.Context, st *session.State, sink Sink) error {
	if sink.Paced() {
		if err := sink.SendStop(ctx); err != nil {
			s.logger.Warn("cancel sentinel send failed", slog.String("session_id", st.ID), slog.Any("err", err))
		}
	}
	return ErrCancelled
}

// Package turn drives one user turn: final utterance in, streamed assistant
// reply and tool calls out.
//
// The router opens a streaming completion over the session history, cuts the
// token stream into sentence fragments at terminator runes, and speaks each
// fragment while the stream is still producing. Tool calls accumulated from
// the stream are dispatched through the named-function registry and the
// completion is re-run with the tool result appended. Barge-in enters
// through HandleBargeIn, which cancels the in-flight turn and tells clients
// to flush buffered audio.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/conn"
	"github.com/voxgate/voxgate/internal/egress"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// ErrConversationEnded signals that the user said a stop word and the
// session should close after the goodbye.
var ErrConversationEnded = errors.New("turn: conversation ended")

// DefaultCancelGrace bounds the wait for in-flight turn tasks on barge-in.
const DefaultCancelGrace = 300 * time.Millisecond

// maxToolRounds caps tool-call recursion within one user turn.
const maxToolRounds = 4

// apologyText is spoken when the model cannot be reached.
const apologyText = "I had trouble responding. Could you say that again?"

// goodbyeText closes the conversation after a stop word.
const goodbyeText = "Goodbye! Take care."

// gateClosedText is sent while DTMF validation is still pending.
const gateClosedText = "Please enter your 3-digit validation code before we continue."

// DefaultStopWords end the conversation when the user says one.
var DefaultStopWords = []string{"goodbye", "exit", "see you later", "bye"}

// Speaker is the egress surface the router speaks through.
type Speaker interface {
	Speak(ctx context.Context, st *session.State, sink egress.Sink, text string, voice tts.Voice) error
	Interrupt(sessionID string)
}

// Router turns final utterances into assistant turns.
type Router struct {
	provider llm.Provider
	registry *tools.Registry
	conns    *conn.Manager
	speaker  Speaker

	// mu guards voice and stopWords, which are hot-reloadable.
	mu        sync.RWMutex
	voice     tts.Voice
	stopWords []string

	temperature float64
	maxTokens   int
	cancelGrace time.Duration
	gateOpen    func(sessionID string) bool
	metrics     *observe.Metrics
	logger      *slog.Logger
}

// Option customises a [Router].
type Option func(*Router)

// WithVoice sets the synthesis voice.
func WithVoice(v tts.Voice) Option {
	return func(r *Router) { r.voice = v }
}

// WithStopWords overrides the conversation-ending word list.
func WithStopWords(words []string) Option {
	return func(r *Router) {
		if len(words) > 0 {
			r.stopWords = words
		}
	}
}

// WithSampling sets the completion sampling parameters.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(r *Router) {
		r.temperature = temperature
		r.maxTokens = maxTokens
	}
}

// WithCancelGrace bounds the barge-in task-cancellation wait.
func WithCancelGrace(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.cancelGrace = d
		}
	}
}

// WithGate installs the DTMF validation gate. While it reports false for a
// session the router refuses model calls.
func WithGate(open func(sessionID string) bool) Option {
	return func(r *Router) { r.gateOpen = open }
}

// WithMetrics installs the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger installs the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter wires the turn pipeline.
func NewRouter(provider llm.Provider, registry *tools.Registry, conns *conn.Manager, speaker Speaker, opts ...Option) *Router {
	r := &Router{
		provider:    provider,
		registry:    registry,
		conns:       conns,
		speaker:     speaker,
		stopWords:   DefaultStopWords,
		temperature: 0.7,
		cancelGrace: DefaultCancelGrace,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetVoice swaps the synthesis voice for subsequent turns.
func (r *Router) SetVoice(v tts.Voice) {
	r.mu.Lock()
	r.voice = v
	r.mu.Unlock()
}

// SetStopWords swaps the conversation-ending word list for subsequent turns.
// An empty list restores [DefaultStopWords].
func (r *Router) SetStopWords(words []string) {
	if len(words) == 0 {
		words = DefaultStopWords
	}
	r.mu.Lock()
	r.stopWords = words
	r.mu.Unlock()
}

func (r *Router) currentVoice() tts.Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.voice
}

func (r *Router) currentStopWords() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopWords
}

// HandleFinal runs one user turn. Returns [ErrConversationEnded] after a
// stop word; other errors are turn failures already surfaced to the client.
func (r *Router) HandleFinal(ctx context.Context, entry *session.Entry, sink egress.Sink, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	st := entry.State

	// Re-arm the cancel event for this turn; a prior barge-in left it set.
	st.Cancel.Clear()

	r.broadcast(ctx, st.ID, conn.Event("user", text, "conversation", st.ID))

	if r.isStopWord(text) {
		r.broadcast(ctx, st.ID, conn.Exit(goodbyeText))
		r.speakFragment(ctx, st, sink, goodbyeText)
		entry.Memory.Append(llm.Message{Role: llm.RoleUser, Content: text})
		entry.Memory.PersistAsync(st.Latency)
		return ErrConversationEnded
	}

	if r.gateOpen != nil && !r.gateOpen(st.ID) {
		r.broadcast(ctx, st.ID, conn.Status(gateClosedText, "agent", st.ID))
		r.speakFragment(ctx, st, sink, gateClosedText)
		return nil
	}

	entry.Memory.Append(llm.Message{Role: llm.RoleUser, Content: text})

	st.Latency.Start(observe.LabelProcessing)
	started := time.Now()
	err := r.stream(ctx, entry, sink, 0)
	st.Latency.Stop(observe.LabelProcessing)
	if r.metrics != nil {
		r.metrics.TurnDuration.Record(ctx, time.Since(started).Seconds())
	}

	if ctx.Err() == nil {
		entry.Memory.PersistAsync(st.Latency)
	}
	return err
}

// HandleBargeIn executes the interruption protocol: stop the synthesizer,
// flip the playback flags, cancel the in-flight turn tasks, and tell clients
// to flush buffered audio. at names the transcript stage that triggered it.
func (r *Router) HandleBargeIn(ctx context.Context, st *session.State, at string) {
	r.speaker.Interrupt(st.ID)

	st.SetSynthesizing(false)
	st.SetAudioPlaying(false)
	st.SetTTSCancelRequested(true)
	st.Cancel.Set()

	if !st.CancelTasks(r.cancelGrace) {
		r.logger.Warn("turn tasks outlived barge-in grace",
			slog.String("session_id", st.ID), slog.Duration("grace", r.cancelGrace))
	}

	r.broadcast(ctx, st.ID, conn.TTSCancelled("barge_in", at, st.ID))
	if r.metrics != nil {
		r.metrics.RecordBargeIn(ctx, at)
	}
	r.logger.Info("barge-in handled", slog.String("session_id", st.ID), slog.String("at", at))
}

// stream runs one completion round: consume the token stream, speak the
// fragments, then either dispatch an accumulated tool call and recurse, or
// commit the assistant text.
func (r *Router) stream(ctx context.Context, entry *session.Entry, sink egress.Sink, depth int) error {
	st := entry.State

	req := llm.CompletionRequest{
		Messages:    entry.Memory.History(),
		Tools:       r.registry.Definitions(),
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}

	llmStarted := time.Now()
	ch, err := r.provider.StreamCompletion(ctx, req)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordProviderError(ctx, "llm", "stream")
		}
		r.logger.Error("completion stream failed", slog.String("session_id", st.ID), slog.Any("err", err))
		r.broadcast(ctx, st.ID, conn.AssistantFinal(apologyText, "assistant"))
		r.speakFragment(ctx, st, sink, apologyText)
		return fmt.Errorf("turn: open completion stream: %w", err)
	}

	var (
		buf      SentenceBuffer
		full     strings.Builder
		pending  []llm.ToolCall
		streamed bool
	)

	emit := func(fragment string) {
		if fragment == "" {
			return
		}
		streamed = true
		full.WriteString(fragment)
		r.broadcast(ctx, st.ID, conn.AssistantStreaming(fragment))
		r.speakFragment(ctx, st, sink, fragment)
	}

	for chunk := range ch {
		if ctx.Err() != nil {
			break
		}
		if len(chunk.ToolCalls) > 0 {
			pending = mergeToolCalls(pending, chunk.ToolCalls)
		}
		for _, fragment := range buf.Write(chunk.Text) {
			emit(fragment)
		}
		if chunk.FinishReason == "error" {
			r.logger.Error("completion stream errored mid-turn", slog.String("session_id", st.ID))
			if !streamed {
				r.broadcast(ctx, st.ID, conn.AssistantFinal(apologyText, "assistant"))
				r.speakFragment(ctx, st, sink, apologyText)
				return errors.New("turn: completion stream errored")
			}
		}
	}

	if ctx.Err() != nil {
		// Barge-in or disconnect mid-stream: the partial assistant content
		// was never committed, so it is dropped from history.
		for range ch {
		}
		return nil
	}

	emit(buf.Flush())
	if r.metrics != nil {
		r.metrics.LLMDuration.Record(ctx, time.Since(llmStarted).Seconds())
	}

	if len(pending) > 0 {
		entry.Memory.Append(llm.Message{Role: llm.RoleAssistant, Content: strings.TrimSpace(full.String()), ToolCalls: pending})
		if err := r.dispatchTools(ctx, entry, pending); err != nil {
			return err
		}
		if depth+1 >= maxToolRounds {
			r.logger.Warn("tool recursion limit reached", slog.String("session_id", st.ID))
			return nil
		}
		return r.stream(ctx, entry, sink, depth+1)
	}

	if final := strings.TrimSpace(full.String()); final != "" {
		entry.Memory.Append(llm.Message{Role: llm.RoleAssistant, Content: final})
		r.broadcast(ctx, st.ID, conn.AssistantFinal(final, "assistant"))
	}
	return nil
}

// dispatchTools invokes each accumulated call and appends its result to
// history. An unknown tool or unparseable arguments is a turn error: the
// call is aborted and the caller must not re-stream.
func (r *Router) dispatchTools(ctx context.Context, entry *session.Entry, calls []llm.ToolCall) error {
	st := entry.State
	for _, tc := range calls {
		r.broadcast(ctx, st.ID, conn.ToolStart(tc.Name, tc.ID, st.ID))

		started := time.Now()
		result, err := r.registry.Invoke(ctx, tc.Name, tc.Arguments)
		elapsed := time.Since(started)

		status := "success"
		if err != nil {
			status = "error"
			result = fmt.Sprintf(`{"ok":false,"message":%q}`, err.Error())
		}
		r.broadcast(ctx, st.ID, conn.ToolEnd(tc.Name, tc.ID, status, elapsed.Milliseconds(), st.ID))
		if r.metrics != nil {
			r.metrics.RecordToolCall(ctx, tc.Name, status)
			r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
		}

		var unknown *tools.ErrUnknownTool
		var badArgs *tools.ErrBadArguments
		if errors.As(err, &unknown) || errors.As(err, &badArgs) {
			return fmt.Errorf("turn: %w", err)
		}

		entry.Memory.Append(llm.Message{
			Role:       llm.RoleTool,
			Name:       tc.Name,
			Content:    result,
			ToolCallID: tc.ID,
		})
	}
	return nil
}

// speakFragment synthesizes one fragment. Cancellation is expected and
// silent; synthesis failures notify the client but do not abort the turn.
func (r *Router) speakFragment(ctx context.Context, st *session.State, sink egress.Sink, text string) {
	err := r.speaker.Speak(ctx, st, sink, strings.TrimSpace(text), r.currentVoice())
	if err == nil || errors.Is(err, egress.ErrCancelled) {
		return
	}
	r.logger.Error("fragment synthesis failed", slog.String("session_id", st.ID), slog.Any("err", err))
	r.broadcast(ctx, st.ID, conn.TTSError(err, strings.TrimSpace(text)))
}

// mergeToolCalls folds newly streamed calls into the pending set, appending
// argument fragments for calls already seen.
func mergeToolCalls(pending, incoming []llm.ToolCall) []llm.ToolCall {
	for _, tc := range incoming {
		merged := false
		for i := range pending {
			if pending[i].ID == tc.ID && tc.ID != "" {
				pending[i].Arguments += tc.Arguments
				if pending[i].Name == "" {
					pending[i].Name = tc.Name
				}
				merged = true
				break
			}
		}
		if !merged {
			pending = append(pending, tc)
		}
	}
	return pending
}

// isStopWord reports whether the utterance ends the conversation. Multi-word
// stop phrases match as substrings; single words must match a whole token so
// "maybe" does not end the call.
func (r *Router) isStopWord(text string) bool {
	normalized := strings.ToLower(text)
	normalized = strings.Map(func(ru rune) rune {
		if _, ok := terminators[ru]; ok {
			return ' '
		}
		if ru == ',' {
			return ' '
		}
		return ru
	}, normalized)

	words := strings.Fields(normalized)
	for _, sw := range r.currentStopWords() {
		if strings.Contains(sw, " ") {
			if strings.Contains(normalized, sw) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == sw {
				return true
			}
		}
	}
	return false
}

// broadcast fans an envelope out to the session's connections, logging and
// swallowing registry errors.
func (r *Router) broadcast(ctx context.Context, sessionID string, envelope any) {
	if _, err := r.conns.BroadcastSession(ctx, sessionID, envelope); err != nil {
		r.logger.Warn("broadcast failed", slog.String("session_id", sessionID), slog.Any("err", err))
	}
}

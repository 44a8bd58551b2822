// Package browser runs the conversation websocket for web clients.
//
// A browser streams raw PCM16 as binary frames and receives JSON envelopes
// back: status notes, assistant fragments, and unpaced audio frames. Unlike
// the telephony leg there is no metadata handshake, so recognition starts as
// soon as the stream is open. A client may drop and reconnect against the
// same session id; the greeting is then replayed as a status envelope only,
// without re-synthesizing audio.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/conn"
	"github.com/voxgate/voxgate/internal/egress"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/pool"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/speech"
	"github.com/voxgate/voxgate/internal/turn"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// contextGreetingSent marks greeting delivery in the persisted session
// context so a resumed session does not hear the greeting twice.
const contextGreetingSent = "greeting_sent"

// Transport is the duplex message surface of the conversation websocket.
// *websocket.Conn satisfies it.
type Transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type transportSocket struct {
	t Transport
}

func (s transportSocket) SendText(ctx context.Context, data []byte) error {
	return s.t.Write(ctx, websocket.MessageText, data)
}

func (s transportSocket) Close(code websocket.StatusCode, reason string) error {
	return s.t.Close(code, reason)
}

// clientMessage is a JSON text message from the browser. Audio arrives as
// binary frames, so the text surface is only session control.
type clientMessage struct {
	Type string `json:"type"`
}

// Config carries the browser lifecycle's tunables.
type Config struct {
	// Greeting is spoken when a session first connects.
	Greeting string

	// SystemPrompt seeds a fresh session's history.
	SystemPrompt string

	// Voice is the synthesis voice.
	Voice tts.Voice

	// SampleRate is the browser microphone PCM rate.
	SampleRate int

	// Language is the recognition language.
	Language string

	// SilenceTimeout is the recognizer end-of-utterance window.
	SilenceTimeout time.Duration

	// DisconnectGrace bounds task cancellation at teardown. Default 1 s.
	DisconnectGrace time.Duration
}

// Handler serves conversation websockets.
type Handler struct {
	sessions *session.Manager
	conns    *conn.Manager
	sttPool  *pool.Pool[stt.Engine]
	speaker  *egress.Speaker
	router   *turn.Router
	metrics  *observe.Metrics
	logger   *slog.Logger

	// mu guards cfg; greeting, prompt, and voice are hot-reloadable.
	mu  sync.RWMutex
	cfg Config
}

// NewHandler wires the browser lifecycle.
func NewHandler(sessions *session.Manager, conns *conn.Manager, sttPool *pool.Pool[stt.Engine], speaker *egress.Speaker, router *turn.Router, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Handler {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		conns:    conns,
		sttPool:  sttPool,
		speaker:  speaker,
		router:   router,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// UpdateAgent swaps the greeting, system prompt, and voice used by sessions
// that connect after the change. Live sessions keep the values they started
// with.
func (h *Handler) UpdateAgent(greeting, prompt string, voice tts.Voice) {
	h.mu.Lock()
	h.cfg.Greeting = greeting
	h.cfg.SystemPrompt = prompt
	h.cfg.Voice = voice
	h.mu.Unlock()
}

func (h *Handler) agent() (greeting, prompt string, voice tts.Voice) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.Greeting, h.cfg.SystemPrompt, h.cfg.Voice
}

// Handle runs one browser conversation until the socket closes. An empty
// sessionID gets a fresh UUID; a non-empty one resumes the session it names.
func (h *Handler) Handle(ctx context.Context, t Transport, sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := h.logger.With(slog.String("session_id", sessionID))

	entry, wasLive, err := h.sessions.Resume(sessionID, session.KindBrowser)
	if err != nil {
		return fmt.Errorf("browser: register session: %w", err)
	}
	connID := h.conns.Register(transportSocket{t: t}, conn.KindConversation, []string{"conversation"}, sessionID)
	h.sessions.SetConn(sessionID, connID)
	if h.metrics != nil {
		h.metrics.ActiveSessions.Add(ctx, 1)
		defer h.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	if !wasLive {
		if err := entry.Memory.Load(ctx); err != nil {
			logger.Warn("memory load failed, starting fresh", slog.Any("err", err))
		}
	}
	if _, prompt, _ := h.agent(); entry.Memory.Len() == 0 && prompt != "" {
		entry.Memory.Append(llm.Message{Role: llm.RoleSystem, Content: prompt})
	}

	sttSlot, err := h.sttPool.Acquire(ctx, sessionID)
	if err != nil {
		_ = t.Close(websocket.StatusTryAgainLater, "stt capacity temporarily unavailable")
		h.teardown(sessionID, connID, entry, nil, logger)
		return fmt.Errorf("browser: acquire recognizer: %w", err)
	}
	if _, err := h.speaker.Acquire(ctx, sessionID); err != nil {
		_ = t.Close(websocket.StatusTryAgainLater, "tts capacity temporarily unavailable")
		h.teardown(sessionID, connID, entry, nil, logger)
		return fmt.Errorf("browser: acquire synthesizer: %w", err)
	}

	br := bridge.New(logger)
	queue := bridge.NewQueue(0)
	thread := speech.NewThread(sttSlot.Engine, br, queue, stt.StreamConfig{
		SampleRate:     h.cfg.SampleRate,
		Channels:       1,
		Language:       h.cfg.Language,
		SilenceTimeout: h.cfg.SilenceTimeout,
	}, logger)
	defer h.teardown(sessionID, connID, entry, thread, logger)

	if err := thread.Prepare(ctx); err != nil {
		return fmt.Errorf("browser: prepare speech thread: %w", err)
	}
	// No handshake on this surface; accept audio immediately.
	thread.Start()

	sink := &egress.BrowserSink{Conns: h.conns, SessionID: sessionID}
	h.greet(ctx, entry, sink, wasLive, logger)

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()

	sched := make(chan func(), 64)
	br.SetScheduler(func(fn func()) {
		select {
		case sched <- fn:
		default:
			logger.Warn("run loop saturated, dropping scheduled call")
		}
	})

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		h.runLoop(loopCtx, entry, sink, queue, sched, t, logger)
	}()

	err = h.readLoop(ctx, t, thread, logger)
	stopLoop()
	<-loopDone
	return err
}

// greet delivers the greeting on first connect, or replays only the status
// envelope when the session already heard it (live reconnect or a resumed
// session with greeting_sent persisted).
func (h *Handler) greet(ctx context.Context, entry *session.Entry, sink egress.Sink, wasLive bool, logger *slog.Logger) {
	st := entry.State
	greeting, _, voice := h.agent()

	if (wasLive && st.GreetingSpoken()) || entry.Memory.ContextBool(contextGreetingSent) {
		st.MarkGreetingSpoken()
		if _, err := h.conns.BroadcastSession(ctx, st.ID, conn.Status(greeting, "agent", st.ID)); err != nil {
			logger.Warn("greeting replay failed", slog.Any("err", err))
		}
		return
	}
	if !st.MarkGreetingSpoken() {
		return
	}

	st.Latency.Start(observe.LabelGreetingTTFB)
	if _, err := h.conns.BroadcastSession(ctx, st.ID, conn.Status(greeting, "agent", st.ID)); err != nil {
		logger.Warn("greeting status broadcast failed", slog.Any("err", err))
	}
	entry.Memory.Append(llm.Message{Role: llm.RoleAssistant, Content: greeting})
	entry.Memory.SetContext(contextGreetingSent, true)
	entry.Memory.PersistAsync(st.Latency)

	st.Go(func(taskCtx context.Context) {
		if err := h.speaker.Speak(taskCtx, st, sink, greeting, voice); err != nil && !errors.Is(err, egress.ErrCancelled) {
			logger.Error("greeting synthesis failed", slog.Any("err", err))
		}
	})
}

// readLoop routes client traffic until the socket closes: binary frames into
// the recognizer, text messages as session control.
func (h *Handler) readLoop(ctx context.Context, t Transport, thread *speech.Thread, logger *slog.Logger) error {
	for {
		typ, data, err := t.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("browser: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			if err := thread.SendAudio(data); err != nil {
				logger.Warn("recognizer rejected audio", slog.Any("err", err))
			}

		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("unparseable client message", slog.Any("err", err))
				continue
			}
			if msg.Type == "exit" {
				_ = t.Close(websocket.StatusNormalClosure, "client exit")
				return nil
			}
			logger.Debug("ignoring client message", slog.String("type", msg.Type))
		}
	}
}

// runLoop consumes the session's speech events and scheduled closures.
func (h *Handler) runLoop(ctx context.Context, entry *session.Entry, sink egress.Sink, queue *bridge.Queue, sched chan func(), t Transport, logger *slog.Logger) {
	st := entry.State
	for {
		select {
		case <-ctx.Done():
			return

		case fn := <-sched:
			fn()

		case ev, ok := <-queue.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case bridge.KindPartial:
				if st.Speaking() {
					h.router.HandleBargeIn(ctx, st, "partial")
				}

			case bridge.KindFinal:
				text := ev.Transcript.Text
				if text == "" {
					continue
				}
				st.Go(func(taskCtx context.Context) {
					err := h.router.HandleFinal(taskCtx, entry, sink, text)
					if errors.Is(err, turn.ErrConversationEnded) {
						_ = t.Close(websocket.StatusNormalClosure, "conversation ended")
					}
				})

			case bridge.KindCancel:
				logger.Error("recognizer cancelled stream", slog.Any("err", ev.Err))
				_ = t.Close(websocket.StatusInternalError, "recognition unavailable")
				return
			}
		}
	}
}

// teardown is the single cleanup path for a browser session.
func (h *Handler) teardown(sessionID, connID string, entry *session.Entry, thread *speech.Thread, logger *slog.Logger) {
	st := entry.State
	if !st.CancelTasks(h.cfg.DisconnectGrace) {
		logger.Warn("session tasks outlived disconnect grace")
	}
	if thread != nil {
		if err := thread.Stop(); err != nil {
			logger.Warn("speech thread stop failed", slog.Any("err", err))
		}
	}

	if slot, ok := h.sttPool.Held(sessionID); ok {
		h.sttPool.Release(sessionID, slot)
	}
	if slot, ok := h.speaker.Held(sessionID); ok {
		h.speaker.Release(sessionID, slot)
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := entry.Memory.Persist(persistCtx, st.Latency); err != nil {
		logger.Warn("final persist failed", slog.Any("err", err))
	}

	h.conns.Unregister(connID)
	h.sessions.Remove(sessionID)
	logger.Info("session torn down")
}

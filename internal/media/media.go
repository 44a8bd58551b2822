// Package media runs the telephony leg of a call: the calling service's
// bidirectional media websocket.
//
// Inbound traffic is JSON: a one-shot AudioMetadata handshake, then
// base64-PCM AudioData frames and DtmfTone events. Outbound traffic is the
// framed assistant audio produced by the egress speaker. The handler owns
// the session's speech thread and run loop; recognition callbacks land in
// the bridge queue and are consumed here, so barge-in and turn dispatch
// happen on one goroutine.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/conn"
	"github.com/voxgate/voxgate/internal/dtmf"
	"github.com/voxgate/voxgate/internal/egress"
	"github.com/voxgate/voxgate/internal/kv"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/pool"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/speech"
	"github.com/voxgate/voxgate/internal/turn"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Transport is the duplex message surface of the media websocket.
// *websocket.Conn satisfies it.
type Transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// transportSocket adapts a Transport for conn.Manager registration.
type transportSocket struct {
	t Transport
}

func (s transportSocket) SendText(ctx context.Context, data []byte) error {
	return s.t.Write(ctx, websocket.MessageText, data)
}

func (s transportSocket) Close(code websocket.StatusCode, reason string) error {
	return s.t.Close(code, reason)
}

// ─── Inbound wire format ───

type inboundMessage struct {
	Kind          string         `json:"kind"`
	AudioMetadata *audioMetadata `json:"audioMetadata,omitempty"`
	AudioData     *inboundAudio  `json:"audioData,omitempty"`
	DTMFData      *dtmfToneData  `json:"dtmfData,omitempty"`
}

type audioMetadata struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type inboundAudio struct {
	Data             string `json:"data"`
	Silent           bool   `json:"silent"`
	Timestamp        string `json:"timestamp"`
	ParticipantRawID string `json:"participantRawID,omitempty"`
}

type dtmfToneData struct {
	Tone       string `json:"tone"`
	SequenceID int    `json:"sequenceId"`
}

// Config carries the telephony lifecycle's tunables.
type Config struct {
	// Greeting is spoken once after the metadata handshake.
	Greeting string

	// SystemPrompt seeds a fresh session's history.
	SystemPrompt string

	// Voice is the synthesis voice for the greeting.
	Voice tts.Voice

	// SampleRate is the inbound PCM rate (16000 for telephony).
	SampleRate int

	// Language is the recognition language.
	Language string

	// SilenceTimeout is the recognizer end-of-utterance window.
	SilenceTimeout time.Duration

	// ExpectedDTMF, when set, arms the 3-digit validation gate for the call.
	ExpectedDTMF string

	// DisconnectGrace bounds task cancellation at teardown. Default 1 s.
	DisconnectGrace time.Duration
}

// Handler serves media websockets.
type Handler struct {
	sessions *session.Manager
	conns    *conn.Manager
	sttPool  *pool.Pool[stt.Engine]
	speaker  *egress.Speaker
	router   *turn.Router
	store    kv.Store
	metrics  *observe.Metrics
	logger   *slog.Logger

	// mu guards cfg; greeting, prompt, and voice are hot-reloadable.
	mu  sync.RWMutex
	cfg Config
}

// NewHandler wires the telephony lifecycle.
func NewHandler(sessions *session.Manager, conns *conn.Manager, sttPool *pool.Pool[stt.Engine], speaker *egress.Speaker, router *turn.Router, store kv.Store, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Handler {
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
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// UpdateAgent swaps the greeting, system prompt, and voice used by calls that
// connect after the change. Live calls keep the values they started with.
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

// Handle runs one call's media leg until the socket closes. callID is the
// calling service's call-connection id and doubles as the session id.
func (h *Handler) Handle(ctx context.Context, t Transport, callID string) error {
	logger := h.logger.With(slog.String("call_id", callID))

	entry, _, err := h.sessions.Resume(callID, session.KindTelephony)
	if err != nil {
		return fmt.Errorf("media: register session: %w", err)
	}

	connID := h.conns.Register(transportSocket{t: t}, conn.KindMedia, []string{"media"}, callID)
	h.sessions.SetConn(callID, connID)
	if h.metrics != nil {
		h.metrics.ActiveSessions.Add(ctx, 1)
		defer h.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	if err := entry.Memory.Load(ctx); err != nil {
		logger.Warn("memory load failed, starting fresh", slog.Any("err", err))
	}
	if _, prompt, _ := h.agent(); entry.Memory.Len() == 0 && prompt != "" {
		entry.Memory.Append(llm.Message{Role: llm.RoleSystem, Content: prompt})
	}

	// Engine slots. Capacity exhaustion closes the socket with 1013 so the
	// service can retry the call elsewhere.
	sttSlot, err := h.sttPool.Acquire(ctx, callID)
	if err != nil {
		_ = t.Close(websocket.StatusTryAgainLater, "stt capacity temporarily unavailable")
		h.teardown(callID, connID, entry, nil, logger)
		return fmt.Errorf("media: acquire recognizer: %w", err)
	}
	if _, err := h.speaker.Acquire(ctx, callID); err != nil {
		_ = t.Close(websocket.StatusTryAgainLater, "tts capacity temporarily unavailable")
		h.teardown(callID, connID, entry, nil, logger)
		return fmt.Errorf("media: acquire synthesizer: %w", err)
	}

	br := bridge.New(logger)
	queue := bridge.NewQueue(0)
	thread := speech.NewThread(sttSlot.Engine, br, queue, stt.StreamConfig{
		SampleRate:     h.cfg.SampleRate,
		Channels:       1,
		Language:       h.cfg.Language,
		SilenceTimeout: h.cfg.SilenceTimeout,
	}, logger)
	defer h.teardown(callID, connID, entry, thread, logger)

	if err := thread.Prepare(ctx); err != nil {
		return fmt.Errorf("media: prepare speech thread: %w", err)
	}

	validator := dtmf.NewValidator(h.store, callID, logger)
	if h.cfg.ExpectedDTMF != "" {
		if err := validator.Setup(h.cfg.ExpectedDTMF); err != nil {
			return fmt.Errorf("media: arm dtmf gate: %w", err)
		}
	}

	h.appendLifecycleEvent(ctx, callID, "media_connected")

	sink := &egress.TelephonySink{Send: func(ctx context.Context, data []byte) error {
		return t.Write(ctx, websocket.MessageText, data)
	}}

	// Session run loop: speech events and scheduled closures execute here.
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

	err = h.readLoop(ctx, t, entry, sink, thread, validator, logger)
	stopLoop()
	<-loopDone
	return err
}

// readLoop parses inbound media messages until the socket closes.
func (h *Handler) readLoop(ctx context.Context, t Transport, entry *session.Entry, sink egress.Sink, thread *speech.Thread, validator *dtmf.Validator, logger *slog.Logger) error {
	st := entry.State
	for {
		_, data, err := t.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("media: read: %w", err)
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("unparseable media message", slog.Any("err", err))
			continue
		}

		switch msg.Kind {
		case "AudioMetadata":
			// One-shot: recognition starts only after the handshake.
			thread.Start()
			if st.MarkGreetingSpoken() {
				h.speakGreeting(ctx, entry, sink, logger)
			}

		case "AudioData":
			if msg.AudioData == nil || msg.AudioData.Silent {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.AudioData.Data)
			if err != nil {
				logger.Warn("undecodable audio frame", slog.Any("err", err))
				continue
			}
			if err := thread.SendAudio(pcm); err != nil {
				logger.Warn("recognizer rejected audio", slog.Any("err", err))
			}

		case "DtmfTone":
			if msg.DTMFData == nil {
				continue
			}
			if err := validator.HandleTone(ctx, entry.Memory, msg.DTMFData.Tone, msg.DTMFData.SequenceID); err != nil {
				logger.Error("dtmf tone handling failed", slog.Any("err", err))
			}

		case "StopAudio":
			// Echo of our own sentinel on some gateways; nothing to do.

		default:
			logger.Debug("ignoring media message", slog.String("kind", msg.Kind))
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

// speakGreeting delivers the configured greeting: status envelope, history
// append, persistence, and synthesis on a tracked task.
func (h *Handler) speakGreeting(ctx context.Context, entry *session.Entry, sink egress.Sink, logger *slog.Logger) {
	st := entry.State
	st.Latency.Start(observe.LabelGreetingTTFB)

	greeting, _, voice := h.agent()
	if _, err := h.conns.BroadcastSession(ctx, st.ID, conn.Status(greeting, "agent", st.ID)); err != nil {
		logger.Warn("greeting status broadcast failed", slog.Any("err", err))
	}
	entry.Memory.Append(llm.Message{Role: llm.RoleAssistant, Content: greeting})
	entry.Memory.SetContext("greeting_sent", true)
	entry.Memory.PersistAsync(st.Latency)

	st.Go(func(taskCtx context.Context) {
		if err := h.speaker.Speak(taskCtx, st, sink, greeting, voice); err != nil && !errors.Is(err, egress.ErrCancelled) {
			logger.Error("greeting synthesis failed", slog.Any("err", err))
		}
	})
}

// teardown is the single cleanup path for a call, entered exactly once.
func (h *Handler) teardown(callID, connID string, entry *session.Entry, thread *speech.Thread, logger *slog.Logger) {
	st := entry.State
	if !st.CancelTasks(h.cfg.DisconnectGrace) {
		logger.Warn("call tasks outlived disconnect grace")
	}
	if thread != nil {
		if err := thread.Stop(); err != nil {
			logger.Warn("speech thread stop failed", slog.Any("err", err))
		}
	}

	if slot, ok := h.sttPool.Held(callID); ok {
		h.sttPool.Release(callID, slot)
	}
	if slot, ok := h.speaker.Held(callID); ok {
		h.speaker.Release(callID, slot)
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := entry.Memory.Persist(persistCtx, st.Latency); err != nil {
		logger.Warn("final persist failed", slog.Any("err", err))
	}
	h.appendLifecycleEvent(persistCtx, callID, "media_disconnected")

	h.conns.Unregister(connID)
	h.sessions.Remove(callID)
	logger.Info("call torn down")
}

// appendLifecycleEvent records a call-lifecycle transition on the call's KV
// stream. Failures are logged; lifecycle events are diagnostics, not state.
func (h *Handler) appendLifecycleEvent(ctx context.Context, callID, event string) {
	_, err := h.store.AppendEvent(ctx, dtmf.EventStream(callID), map[string]string{
		"event_type": event,
		"call_id":    callID,
		"at":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Warn("lifecycle event append failed",
			slog.String("call_id", callID), slog.String("event", event), slog.Any("err", err))
	}
}

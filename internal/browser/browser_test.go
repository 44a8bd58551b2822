package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/conn"
	"github.com/voxgate/voxgate/internal/egress"
	"github.com/voxgate/voxgate/internal/kv"
	"github.com/voxgate/voxgate/internal/pool"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/internal/turn"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
}

// fakeTransport scripts the client side of a conversation websocket.
type fakeTransport struct {
	inbound chan inboundFrame

	mu          sync.Mutex
	writes      [][]byte
	closeCode   websocket.StatusCode
	closeReason string
	closedCh    chan struct{}
	closeOnce   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan inboundFrame, 32),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-f.closedCh:
		return 0, nil, websocket.CloseError{Code: f.CloseCode()}
	case fr, ok := <-f.inbound:
		if !ok {
			return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
		}
		return fr.typ, fr.data, nil
	}
}

func (f *fakeTransport) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make([]byte, len(data))
	copy(c, data)
	f.writes = append(f.writes, c)
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		close(f.closedCh)
	})
	return nil
}

func (f *fakeTransport) CloseCode() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) CloseReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeReason
}

func (f *fakeTransport) disconnect() {
	close(f.inbound)
}

func (f *fakeTransport) pushBinary(pcm []byte) {
	f.inbound <- inboundFrame{typ: websocket.MessageBinary, data: pcm}
}

func (f *fakeTransport) pushText(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	f.inbound <- inboundFrame{typ: websocket.MessageText, data: data}
}

func (f *fakeTransport) envelopes(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.writes))
	for _, w := range f.writes {
		var m map[string]any
		if err := json.Unmarshal(w, &m); err != nil {
			t.Fatalf("undecodable envelope %q: %v", w, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.envelopes(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	handler *Handler
	store   kv.Store

	sessions *session.Manager
	conns    *conn.Manager
	sttPool  *pool.Pool[stt.Engine]
	ttsPool  *pool.Pool[tts.Engine]
	sttProv  *sttmock.Provider
	ttsProv  *ttsmock.Provider
	llmProv  *llmmock.Provider
}

const testGreeting = "Hi there! What can I do for you?"

var testVoice = tts.Voice{Name: "en-US-JennyNeural", Style: "chat"}

func newFixture(t *testing.T, mutate func(*fixture, *Config)) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := kv.NewRedis(context.Background(), kv.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("kv.NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		sessions: session.NewManager(store, 0),
		conns:    conn.NewManager(),
		sttProv:  &sttmock.Provider{},
		ttsProv:  &ttsmock.Provider{EngineTemplate: &ttsmock.Engine{Audio: make([]byte, 1600)}},
		llmProv:  &llmmock.Provider{},
	}

	f.sttPool, err = pool.New(pool.Config[stt.Engine]{
		Name:           "stt",
		Shared:         2,
		AcquireTimeout: 200 * time.Millisecond,
		New:            func(ctx context.Context) (stt.Engine, error) { return f.sttProv.NewEngine(ctx) },
		Healthy:        func(e stt.Engine) bool { return e.Healthy() },
		Close:          func(e stt.Engine) error { return e.Close() },
	})
	if err != nil {
		t.Fatalf("stt pool: %v", err)
	}
	f.ttsPool, err = pool.New(pool.Config[tts.Engine]{
		Name:           "tts",
		Shared:         2,
		AcquireTimeout: 200 * time.Millisecond,
		New:            func(ctx context.Context) (tts.Engine, error) { return f.ttsProv.NewEngine(ctx) },
		Healthy:        func(e tts.Engine) bool { return e.Healthy() },
		Close:          func(e tts.Engine) error { return e.Close() },
	})
	if err != nil {
		t.Fatalf("tts pool: %v", err)
	}

	speaker := egress.NewSpeaker(f.ttsPool)
	registry := tools.NewBuiltinRegistry(tools.NewMockDirectory())
	router := turn.NewRouter(f.llmProv, registry, f.conns, speaker,
		turn.WithVoice(testVoice),
		turn.WithCancelGrace(100*time.Millisecond))

	cfg := Config{
		Greeting:        testGreeting,
		SystemPrompt:    "You are a helpful voice assistant.",
		Voice:           testVoice,
		SampleRate:      16000,
		Language:        "en-US",
		DisconnectGrace: 250 * time.Millisecond,
	}
	if mutate != nil {
		mutate(f, &cfg)
	}

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	f.handler = NewHandler(f.sessions, f.conns, f.sttPool, speaker, router, cfg, nil, logger)
	return f
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func (f *fixture) connect(t *testing.T, sessionID string) (*fakeTransport, chan error) {
	t.Helper()
	ft := newFakeTransport()
	done := make(chan error, 1)
	go func() {
		done <- f.handler.Handle(context.Background(), ft, sessionID)
	}()
	return ft, done
}

func awaitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// speechSession polls for the nth mock recognition stream opened.
func (f *fixture) speechSession(t *testing.T, n int) *sttmock.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, eng := range f.sttProv.Engines {
			count += len(eng.Sessions)
		}
		if count > n {
			for _, eng := range f.sttProv.Engines {
				if n < len(eng.Sessions) {
					return eng.Sessions[n]
				}
				n -= len(eng.Sessions)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("recognition stream never opened")
	return nil
}

func TestGreetingOnFirstConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ft, done := f.connect(t, "sess-1")
	defer func() { ft.disconnect(); _ = awaitDone(t, done) }()

	waitFor(t, "greeting playback", func() bool {
		return len(ft.ofType(t, "audio_data")) >= 3
	})

	statuses := statusContents(t, ft)
	if len(statuses) == 0 || statuses[0] != testGreeting {
		t.Errorf("status envelopes = %v, want greeting first", statuses)
	}

	// Frames carry the full greeting clip.
	var pcm []byte
	for _, env := range ft.ofType(t, "audio_data") {
		chunk, err := base64.StdEncoding.DecodeString(env["data"].(string))
		if err != nil {
			t.Fatalf("frame data not base64: %v", err)
		}
		pcm = append(pcm, chunk...)
	}
	if len(pcm) != 1600 {
		t.Errorf("greeting audio = %d bytes, want 1600", len(pcm))
	}

	entry, ok := f.sessions.Get("sess-1")
	if !ok {
		t.Fatal("session not registered")
	}
	history := entry.Memory.History()
	if len(history) != 2 || history[0].Role != llm.RoleSystem {
		t.Fatalf("history = %+v, want system prompt then greeting", history)
	}
	if history[1].Role != llm.RoleAssistant || history[1].Content != testGreeting {
		t.Errorf("history[1] = %+v", history[1])
	}
	if !entry.Memory.ContextBool("greeting_sent") {
		t.Error("greeting_sent not recorded")
	}
}

func statusContents(t *testing.T, ft *fakeTransport) []string {
	t.Helper()
	var out []string
	for _, env := range ft.ofType(t, "status") {
		out = append(out, env["content"].(string))
	}
	return out
}

func TestAssignsSessionIDWhenMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ft, done := f.connect(t, "")
	defer func() { ft.disconnect(); _ = awaitDone(t, done) }()

	waitFor(t, "session registered", func() bool { return f.sessions.Len() == 1 })
	ids := f.sessions.IDs()
	if len(ids) != 1 || ids[0] == "" {
		t.Errorf("session ids = %v", ids)
	}
}

func TestBinaryFramesReachRecognizer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ft, done := f.connect(t, "sess-1")
	defer func() { ft.disconnect(); _ = awaitDone(t, done) }()

	sess := f.speechSession(t, 0)
	ft.pushBinary(make([]byte, 640))
	ft.pushBinary(make([]byte, 640))

	waitFor(t, "audio forwarded", func() bool { return sess.AudioBytes() == 1280 })
}

func TestResumeReplaysStatusWithoutAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ft1, done1 := f.connect(t, "sess-r")
	waitFor(t, "greeting playback", func() bool {
		return len(ft1.ofType(t, "audio_data")) >= 3
	})
	ft1.disconnect()
	if err := awaitDone(t, done1); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	ft2, done2 := f.connect(t, "sess-r")
	defer func() { ft2.disconnect(); _ = awaitDone(t, done2) }()

	waitFor(t, "replayed status", func() bool {
		return len(ft2.ofType(t, "status")) >= 1
	})
	if got := statusContents(t, ft2); got[0] != testGreeting {
		t.Errorf("replayed status = %q", got[0])
	}
	if n := len(ft2.ofType(t, "audio_data")); n != 0 {
		t.Errorf("resume re-emitted %d audio frames", n)
	}

	// The persisted history still holds a single greeting.
	entry, _ := f.sessions.Get("sess-r")
	assistant := 0
	for _, msg := range entry.Memory.History() {
		if msg.Role == llm.RoleAssistant {
			assistant++
		}
	}
	if assistant != 1 {
		t.Errorf("assistant messages after resume = %d, want 1", assistant)
	}
}

func TestStopWordEndsConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ft, done := f.connect(t, "sess-1")

	waitFor(t, "greeting done", func() bool {
		frames := ft.ofType(t, "audio_data")
		if len(frames) == 0 {
			return false
		}
		return frames[len(frames)-1]["is_final"] == true
	})

	sess := f.speechSession(t, 0)
	sess.EmitFinal("goodbye")

	if err := awaitDone(t, done); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ft.CloseCode() != websocket.StatusNormalClosure {
		t.Errorf("close code = %d, want normal closure", ft.CloseCode())
	}
	if len(ft.ofType(t, "exit")) != 1 {
		t.Error("no exit envelope sent")
	}
	if len(f.llmProv.StreamCalls) != 0 {
		t.Error("stop word still reached the model")
	}
}

func TestClientExitMessageCloses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ft, done := f.connect(t, "sess-1")

	ft.pushText(t, map[string]string{"type": "exit"})

	if err := awaitDone(t, done); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ft.CloseCode() != websocket.StatusNormalClosure {
		t.Errorf("close code = %d", ft.CloseCode())
	}
	if f.sessions.Len() != 0 {
		t.Error("session still registered after exit")
	}
}

func TestSynthesizerCapacityClosesBusy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	for _, id := range []string{"hog-1", "hog-2"} {
		if _, err := f.ttsPool.Acquire(context.Background(), id); err != nil {
			t.Fatalf("occupy slot: %v", err)
		}
	}

	ft, done := f.connect(t, "sess-1")
	err := awaitDone(t, done)

	var capErr *pool.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Handle error = %v, want CapacityError", err)
	}
	if ft.CloseCode() != websocket.StatusTryAgainLater {
		t.Errorf("close code = %d, want 1013", ft.CloseCode())
	}
	if !strings.Contains(ft.CloseReason(), "capacity") {
		t.Errorf("close reason = %q", ft.CloseReason())
	}
	if f.sessions.Len() != 0 {
		t.Error("session left registered")
	}
	if f.sttPool.SnapshotState().InUse != 0 {
		t.Error("recognizer slot leaked on synthesizer capacity failure")
	}
}

func TestDisconnectReleasesEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ft, done := f.connect(t, "sess-1")

	waitFor(t, "greeting playback", func() bool {
		return len(ft.ofType(t, "audio_data")) >= 3
	})

	ft.disconnect()
	if err := awaitDone(t, done); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if n := f.sttPool.SnapshotState().InUse; n != 0 {
		t.Errorf("stt slots still lent: %d", n)
	}
	if n := f.ttsPool.SnapshotState().InUse; n != 0 {
		t.Errorf("tts slots still lent: %d", n)
	}
	if f.sessions.Len() != 0 {
		t.Error("session still registered")
	}
	if f.conns.Stats().Connections != 0 {
		t.Error("connection still registered")
	}

	// Memory survived the teardown persist and can be reloaded.
	mem := session.NewMemory(f.store, "sess-1")
	if err := mem.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mem.Len() != 2 {
		t.Errorf("persisted history = %d messages, want 2", mem.Len())
	}
}

package turn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/conn"
	"github.com/voxgate/voxgate/internal/egress"
	"github.com/voxgate/voxgate/internal/kv"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// fakeSpeaker records spoken fragments.
type fakeSpeaker struct {
	mu         sync.Mutex
	spoken     []string
	speakErr   error
	interrupts []string
}

func (f *fakeSpeaker) Speak(_ context.Context, st *session.State, _ egress.Sink, text string, _ tts.Voice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.speakErr != nil {
		return f.speakErr
	}
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakeSpeaker) Interrupt(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, sessionID)
}

func (f *fakeSpeaker) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

// fakeSocket collects envelopes sent to a session connection.
type fakeSocket struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSocket) SendText(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) Close(websocket.StatusCode, string) error { return nil }

func (f *fakeSocket) envelopes(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.sent))
	for i, raw := range f.sent {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			t.Fatalf("envelope %d: %v", i, err)
		}
	}
	return out
}

func (f *fakeSocket) ofType(t *testing.T, typ string) []map[string]any {
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
	router  *Router
	entry   *session.Entry
	speaker *fakeSpeaker
	socket  *fakeSocket
	prov    *llmmock.Provider
	sink    egress.Sink
}

func newFixture(t *testing.T, prov *llmmock.Provider, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kv.NewRedis(context.Background(), kv.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("kv.NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mgr := session.NewManager(store, 0)
	entry, err := mgr.Create("sess-1", session.KindBrowser)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conns := conn.NewManager()
	socket := &fakeSocket{}
	conns.Register(socket, conn.KindConversation, nil, "sess-1")

	speaker := &fakeSpeaker{}
	registry := tools.NewBuiltinRegistry(tools.NewMockDirectory())
	router := NewRouter(prov, registry, conns, speaker, opts...)

	return &fixture{
		router:  router,
		entry:   entry,
		speaker: speaker,
		socket:  socket,
		prov:    prov,
		sink:    &egress.BrowserSink{Conns: conns, SessionID: "sess-1"},
	}
}

func TestSentenceBufferFlushesOnTerminators(t *testing.T) {
	t.Parallel()
	var b SentenceBuffer

	got := b.Write("Hello the")
	if got != nil {
		t.Errorf("flushed before terminator: %v", got)
	}
	got = b.Write("re. How are you? I")
	if len(got) != 2 || got[0] != "Hello there. " || got[1] != "How are you? " {
		t.Errorf("fragments = %q", got)
	}
	if tail := b.Flush(); tail != "I " {
		t.Errorf("tail = %q", tail)
	}

	// CJK terminators flush too.
	got = b.Write("你好。再见")
	if len(got) != 1 || got[0] != "你好。 " {
		t.Errorf("fragments = %q", got)
	}
}

func TestSentenceBufferConcatenationEqualsTurn(t *testing.T) {
	t.Parallel()
	var b SentenceBuffer
	var parts []string
	for _, delta := range []string{"One.", " Two! ", "Three"} {
		parts = append(parts, b.Write(delta)...)
	}
	if tail := b.Flush(); tail != "" {
		parts = append(parts, tail)
	}
	if joined := strings.Join(parts, ""); joined != "One. Two! Three " {
		t.Errorf("joined = %q", joined)
	}
}

func TestTurnStreamsFragmentsAndCommitsFinal(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Sure, I can "},
			{Text: "help with that. One "},
			{Text: "moment please."},
			{FinishReason: "stop"},
		},
	})

	err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, "I need a refill")
	if err != nil {
		t.Fatalf("HandleFinal: %v", err)
	}

	spoken := fx.speaker.texts()
	if len(spoken) != 2 {
		t.Fatalf("spoke %d fragments, want 2: %v", len(spoken), spoken)
	}
	if spoken[0] != "Sure, I can help with that." || spoken[1] != "One moment please." {
		t.Errorf("fragments = %v", spoken)
	}

	streaming := fx.socket.ofType(t, "assistant_streaming")
	if len(streaming) != 2 {
		t.Errorf("streaming envelopes = %d, want 2", len(streaming))
	}
	finals := fx.socket.ofType(t, "assistant_final")
	if len(finals) != 1 || finals[0]["content"] != "Sure, I can help with that. One moment please." {
		t.Errorf("final envelopes = %v", finals)
	}

	hist := fx.entry.Memory.History()
	if len(hist) != 2 || hist[0].Role != llm.RoleUser || hist[1].Role != llm.RoleAssistant {
		t.Errorf("history = %+v", hist)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	t.Parallel()
	prov := &llmmock.Provider{}
	prov.StreamChunksFn = func(req llm.CompletionRequest) []llm.Chunk {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == llm.RoleTool {
			return []llm.Chunk{
				{Text: "You're booked for 2025-06-01 at 10:00 AM."},
				{FinishReason: "stop"},
			}
		}
		return []llm.Chunk{
			{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      "schedule_appointment",
				Arguments: `{"patient_name":"Alice Brown","dob":"1987-04-12","appointment_type":"follow-up","preferred_date":"2025-06-01","preferred_time":"10:00 AM"}`,
			}}},
		}
	}
	fx := newFixture(t, prov)

	err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink,
		"Schedule an appointment for Alice Brown DOB 1987-04-12 for follow-up on 2025-06-01 at 10:00 AM.")
	if err != nil {
		t.Fatalf("HandleFinal: %v", err)
	}

	statuses := fx.socket.ofType(t, "tool_status")
	if len(statuses) != 2 {
		t.Fatalf("tool envelopes = %d, want start+end", len(statuses))
	}
	if statuses[0]["phase"] != "start" || statuses[0]["tool"] != "schedule_appointment" {
		t.Errorf("start = %v", statuses[0])
	}
	if statuses[1]["phase"] != "end" || statuses[1]["status"] != "success" {
		t.Errorf("end = %v", statuses[1])
	}

	// History: user, assistant(tool_calls), tool result, assistant final.
	hist := fx.entry.Memory.History()
	if len(hist) != 4 {
		t.Fatalf("history length = %d, want 4: %+v", len(hist), hist)
	}
	if len(hist[1].ToolCalls) != 1 || hist[2].Role != llm.RoleTool || hist[2].ToolCallID != "call_1" {
		t.Errorf("tool messages = %+v", hist[1:3])
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(hist[2].Content), &result); err != nil {
		t.Fatalf("tool result not JSON: %v", err)
	}
	data, _ := result["data"].(map[string]any)
	if data["date"] != "2025-06-01" || data["time"] != "10:00 AM" {
		t.Errorf("tool result data = %v", data)
	}

	finals := fx.socket.ofType(t, "assistant_final")
	if len(finals) != 1 || !strings.Contains(finals[0]["content"].(string), "2025-06-01") {
		t.Errorf("final = %v", finals)
	}
}

func TestUnknownToolIsTurnError(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "launch_rocket", Arguments: "{}"}}},
		},
	})

	err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, "do something")
	if err == nil {
		t.Fatal("unknown tool did not fail the turn")
	}
	statuses := fx.socket.ofType(t, "tool_status")
	if len(statuses) != 2 || statuses[1]["status"] != "error" {
		t.Errorf("tool envelopes = %v", statuses)
	}
}

func TestUnparseableToolArgumentsAbortWithoutRecursion(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "schedule_appointment", Arguments: `{"patient_name": truncated`}}},
		},
	})

	err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, "book me in")
	var badArgs *tools.ErrBadArguments
	if !errors.As(err, &badArgs) {
		t.Fatalf("err = %v, want ErrBadArguments", err)
	}
	if got := len(fx.prov.StreamCalls); got != 1 {
		t.Errorf("model streamed %d times, want 1 (no follow-up after aborted call)", got)
	}
	statuses := fx.socket.ofType(t, "tool_status")
	if len(statuses) != 2 || statuses[1]["status"] != "error" {
		t.Errorf("tool envelopes = %v", statuses)
	}
	// No tool-role message is committed for the aborted call.
	for _, m := range fx.entry.Memory.History() {
		if m.Role == llm.RoleTool {
			t.Errorf("tool message appended despite aborted call: %+v", m)
		}
	}
}

func TestStopWordEndsConversation(t *testing.T) {
	t.Parallel()
	for _, utterance := range []string{"Goodbye.", "bye", "Ok, see you later!", "exit"} {
		fx := newFixture(t, &llmmock.Provider{})
		err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, utterance)
		if !errors.Is(err, ErrConversationEnded) {
			t.Errorf("%q: err = %v, want ErrConversationEnded", utterance, err)
		}
		if len(fx.prov.StreamCalls) != 0 {
			t.Errorf("%q: model called for a stop word", utterance)
		}
		if exits := fx.socket.ofType(t, "exit"); len(exits) != 1 {
			t.Errorf("%q: exit envelopes = %d", utterance, len(exits))
		}
	}
}

func TestStopWordNeedsWholeToken(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Sure."}, {FinishReason: "stop"}},
	})
	err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, "maybe an appointment")
	if errors.Is(err, ErrConversationEnded) {
		t.Error("'maybe' treated as 'bye'")
	}
}

func TestClosedGateRefusesModelCall(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &llmmock.Provider{}, WithGate(func(string) bool { return false }))

	if err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, "hello"); err != nil {
		t.Fatalf("HandleFinal: %v", err)
	}
	if len(fx.prov.StreamCalls) != 0 {
		t.Error("model called while the validation gate was closed")
	}
	if statuses := fx.socket.ofType(t, "status"); len(statuses) != 1 {
		t.Errorf("status envelopes = %d, want the validation prompt", len(statuses))
	}
	if len(fx.entry.Memory.History()) != 0 {
		t.Error("gated utterance appended to history")
	}
}

func TestStreamOpenFailureSpeaksApology(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &llmmock.Provider{StreamErr: errors.New("deployment not found")})

	err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, "hello there")
	if err == nil {
		t.Fatal("stream failure not reported")
	}
	spoken := fx.speaker.texts()
	if len(spoken) != 1 || !strings.Contains(spoken[0], "trouble responding") {
		t.Errorf("spoken = %v, want the apology", spoken)
	}
}

func TestBargeInCancelsTurnAndNotifiesClient(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fx := newFixture(t, &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "A very long answer. "}, {Text: "More. "}, {FinishReason: "stop"}},
		ChunkDelay:   func() { <-release },
	})
	st := fx.entry.State

	turnDone := make(chan error, 1)
	st.Go(func(ctx context.Context) {
		turnDone <- fx.router.HandleFinal(ctx, fx.entry, fx.sink, "tell me everything")
	})

	time.Sleep(50 * time.Millisecond)
	st.SetAudioPlaying(true) // playback in progress when the partial arrives
	fx.router.HandleBargeIn(context.Background(), st, "partial")
	close(release)

	select {
	case err := <-turnDone:
		if err != nil {
			t.Fatalf("cancelled turn returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after barge-in")
	}

	if !st.TTSCancelRequested() {
		t.Error("tts cancel flag not set")
	}
	if st.Synthesizing() || st.AudioPlaying() {
		t.Error("playback flags not cleared")
	}
	if len(fx.speaker.interrupts) != 1 {
		t.Errorf("interrupts = %v", fx.speaker.interrupts)
	}

	controls := fx.socket.ofType(t, "control")
	if len(controls) != 1 {
		t.Fatalf("control envelopes = %d, want 1", len(controls))
	}
	c := controls[0]
	if c["action"] != "tts_cancelled" || c["reason"] != "barge_in" || c["at"] != "partial" || c["session_id"] != "sess-1" {
		t.Errorf("control = %v", c)
	}

	// The dropped partial content never reached history.
	for _, m := range fx.entry.Memory.History() {
		if m.Role == llm.RoleAssistant {
			t.Errorf("partial assistant content committed: %+v", m)
		}
	}
}

func TestFragmentSynthesisFailureEmitsTTSError(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Take two daily."}, {FinishReason: "stop"}},
	})
	fx.speaker.speakErr = errors.New("synthesis timed out")

	if err := fx.router.HandleFinal(context.Background(), fx.entry, fx.sink, "how do I take it"); err != nil {
		t.Fatalf("HandleFinal: %v", err)
	}
	errs := fx.socket.ofType(t, "tts_error")
	if len(errs) != 1 || errs[0]["text"] != "Take two daily." {
		t.Errorf("tts_error envelopes = %v", errs)
	}
	// The turn still committed its text.
	if finals := fx.socket.ofType(t, "assistant_final"); len(finals) != 1 {
		t.Errorf("final envelopes = %d", len(finals))
	}
}

func TestMergeToolCallsAccumulatesArguments(t *testing.T) {
	t.Parallel()
	pending := mergeToolCalls(nil, []llm.ToolCall{{ID: "call_1", Name: "refill_prescription", Arguments: `{"patient`}})
	pending = mergeToolCalls(pending, []llm.ToolCall{{ID: "call_1", Arguments: `_name":"Alice Brown"}`}})

	if len(pending) != 1 {
		t.Fatalf("pending = %d calls", len(pending))
	}
	if pending[0].Arguments != `{"patient_name":"Alice Brown"}` || pending[0].Name != "refill_prescription" {
		t.Errorf("merged = %+v", pending[0])
	}
}

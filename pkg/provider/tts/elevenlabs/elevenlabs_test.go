package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

func newTestEngine(t *testing.T, srv *httptest.Server, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithEndpoint(srv.URL)}, opts...)
	p, err := New("test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine, err := p.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine.(*Engine)
}

func TestSynthesizeReturnsPCM(t *testing.T) {
	want := []byte{1, 2, 3, 4, 5, 6}
	var gotPath, gotKey, gotFormat string
	var gotBody synthesizeRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write(want)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv)
	pcm, err := e.Synthesize(context.Background(), "Hello there.", tts.Voice{Name: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if string(pcm) != string(want) {
		t.Errorf("pcm = %v, want %v", pcm, want)
	}
	if gotPath != "/v1/text-to-speech/voice-1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotFormat != "pcm_16000" {
		t.Errorf("output_format = %q", gotFormat)
	}
	if gotBody.Text != "Hello there." || gotBody.ModelID != defaultModel {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestSynthesizeFallsBackToDefaultVoice(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	e := newTestEngine(t, srv, WithDefaultVoice("fallback-voice"))
	if _, err := e.Synthesize(context.Background(), "hi", tts.Voice{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotPath != "/v1/text-to-speech/fallback-voice" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestSynthesizeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv)
	if _, err := e.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("expected error for non-200 status")
	}
	// Client-side errors do not mark the engine unhealthy.
	if !e.Healthy() {
		t.Error("engine marked unhealthy after 4xx")
	}
}

func TestSynthesizeServerErrorMarksUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv)
	if _, err := e.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("expected error for 500 status")
	}
	if e.Healthy() {
		t.Error("engine still healthy after 5xx")
	}
}

func TestStopSpeakingAbortsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := newTestEngine(t, srv)

	var wg sync.WaitGroup
	var synthErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, synthErr = e.Synthesize(context.Background(), "long text", tts.Voice{})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}
	e.StopSpeaking()
	wg.Wait()

	if !errors.Is(synthErr, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", synthErr)
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e := newTestEngine(t, srv)
	if _, err := e.Synthesize(context.Background(), "", tts.Voice{}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", WithSampleRate(11025)); err == nil {
		t.Error("expected error for unsupported sample rate")
	}
	p, err := New("key", WithSampleRate(24000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine, err := p.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if got := engine.SampleRate(); got != 24000 {
		t.Errorf("SampleRate = %d, want 24000", got)
	}
	if !strings.HasPrefix(p.endpoint, "https://api.elevenlabs.io") {
		t.Errorf("endpoint = %q", p.endpoint)
	}
}

package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURLDefaults(t *testing.T) {
	e := newTestEngine(t, "test-key")

	rawURL, err := e.buildURL(stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	q := parseQuery(t, rawURL)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURLCustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine, err := p.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	rawURL, err := engine.(*Engine).buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	q := parseQuery(t, rawURL)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURLLanguageOverriddenByCfg(t *testing.T) {
	// cfg.Language takes precedence over the provider-level default.
	e := newTestEngine(t, "key", WithLanguage("en"))

	rawURL, err := e.buildURL(stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	assertEqual(t, "language", "fr-FR", parseQuery(t, rawURL).Get("language"))
}

func TestBuildURLSilenceTimeout(t *testing.T) {
	e := newTestEngine(t, "key")

	rawURL, err := e.buildURL(stt.StreamConfig{SampleRate: 16000, SilenceTimeout: 1200 * time.Millisecond})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	assertEqual(t, "endpointing", "1200", parseQuery(t, rawURL).Get("endpointing"))
}

// ---- JSON parsing tests ----

func TestParseResultFinal(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 0.1,
		"duration": 0.9,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world.",
				"confidence": 0.95
			}]
		}
	}`)

	s := &session{language: "en"}
	tr, ok := s.parseResult(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world.", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if tr.Offset != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected offset: %v", tr.Offset)
	}
	assertEqual(t, "language", "en", tr.Language)
}

func TestParseResultPartial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{"transcript": "Hello", "confidence": 0.7}]
		}
	}`)

	s := &session{}
	tr, ok := s.parseResult(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	assertEqual(t, "text", "Hello", tr.Text)
}

func TestParseResultIgnoresNoise(t *testing.T) {
	s := &session{}
	for name, raw := range map[string]string{
		"metadata":           `{"type":"Metadata","request_id":"abc"}`,
		"empty alternatives": `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		"empty transcript":   `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`,
		"invalid json":       `{invalid`,
	} {
		if _, ok := s.parseResult([]byte(raw)); ok {
			t.Errorf("%s: expected ok=false", name)
		}
	}
}

// ---- streaming test against a local server ----

func TestStartStreamDeliversTranscripts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key" {
			t.Errorf("auth header = %q", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		// Wait for one audio chunk, then answer with a partial and a final.
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hi"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hi there","confidence":0.9}]}}`))

		// Hold the socket open until the client closes it.
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	p, err := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine, err := p.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := engine.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-sess.Partials():
		assertEqual(t, "partial", "hi", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for partial")
	}
	select {
	case tr := <-sess.Finals():
		assertEqual(t, "final", "hi there", tr.Text)
		if !tr.IsFinal {
			t.Error("final transcript not marked final")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio after Close should fail")
	}
}

// ---- constructor tests ----

func TestNewEmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNewDefaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- helpers ----

func newTestEngine(t *testing.T, key string, opts ...Option) *Engine {
	t.Helper()
	p, err := New(key, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine, err := p.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine.(*Engine)
}

func parseQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL %q: %v", rawURL, err)
	}
	return u.Query()
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}

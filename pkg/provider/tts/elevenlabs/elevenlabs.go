// Package elevenlabs provides a TTS engine backed by the ElevenLabs
// text-to-speech REST API. It implements the tts.Engine and tts.Provider
// interfaces.
//
// Synthesis posts the text to the voice endpoint and reads raw PCM back.
// Barge-in cancellation is handled by aborting the in-flight HTTP request.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

const (
	defaultEndpoint = "https://api.elevenlabs.io"
	defaultModel    = "eleven_flash_v2_5"
	defaultVoice    = "21m00Tcm4TlvDq8ikWAM"
	defaultTimeout  = 30 * time.Second
)

// outputFormats maps supported PCM sample rates to the API format names.
var outputFormats = map[int]string{
	8000:  "pcm_8000",
	16000: "pcm_16000",
	24000: "pcm_24000",
	48000: "pcm_48000",
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate selects the PCM output sample rate in Hz. Supported values:
// 8000, 16000, 24000, 48000. Default 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithDefaultVoice sets the voice ID used when a request carries an empty name.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// WithHTTPClient overrides the HTTP client used for synthesis requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the API base URL. Used in tests against a local
// server.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// Provider builds ElevenLabs synthesis engines.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	sampleRate   int
	defaultVoice string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		model:        defaultModel,
		sampleRate:   16000,
		defaultVoice: defaultVoice,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if _, ok := outputFormats[p.sampleRate]; !ok {
		return nil, fmt.Errorf("elevenlabs: unsupported sample rate %d", p.sampleRate)
	}
	return p, nil
}

// NewEngine implements tts.Provider.
func (p *Provider) NewEngine(_ context.Context) (tts.Engine, error) {
	return &Engine{provider: p, healthy: 1}, nil
}

// synthesizeRequest is the JSON body of a synthesis request.
type synthesizeRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the API voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Engine is one synthesizer instance.
type Engine struct {
	provider *Provider
	healthy  int32

	mu     sync.Mutex
	cancel context.CancelFunc // in-flight synthesis, nil when idle
}

// Synthesize renders text and returns raw PCM16 audio. voice.Name carries the
// ElevenLabs voice ID; an empty name falls back to the provider default.
func (e *Engine) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	voiceID := voice.Name
	if voiceID == "" {
		voiceID = e.provider.defaultVoice
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:          text,
		ModelID:       e.provider.model,
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		e.provider.endpoint, voiceID, outputFormats[e.provider.sampleRate])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", e.provider.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.provider.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		atomic.StoreInt32(&e.healthy, 0)
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			atomic.StoreInt32(&e.healthy, 0)
		}
		return nil, fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		atomic.StoreInt32(&e.healthy, 0)
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	return pcm, nil
}

// StopSpeaking aborts any in-flight synthesis on this engine.
func (e *Engine) StopSpeaking() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SampleRate implements tts.Engine.
func (e *Engine) SampleRate() int { return e.provider.sampleRate }

// Healthy implements tts.Engine.
func (e *Engine) Healthy() bool { return atomic.LoadInt32(&e.healthy) == 1 }

// Close implements tts.Engine. Engines hold no persistent connection.
func (e *Engine) Close() error { return nil }

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Engine   = (*Engine)(nil)
)

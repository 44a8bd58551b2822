// Package azure provides a TTS engine backed by the Azure Speech synthesis
// REST API. It implements the tts.Engine and tts.Provider interfaces.
//
// Synthesis posts SSML to the regional endpoint and reads raw PCM back. The
// output format is negotiated once per provider; barge-in cancellation is
// handled by aborting the in-flight HTTP request.
package azure

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

const (
	endpointFmt    = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
	defaultVoice   = "en-US-JennyNeural"
	defaultTimeout = 30 * time.Second
)

// outputFormats maps supported PCM sample rates to the service format names.
var outputFormats = map[int]string{
	8000:  "raw-8khz-16bit-mono-pcm",
	16000: "raw-16khz-16bit-mono-pcm",
	24000: "raw-24khz-16bit-mono-pcm",
	48000: "raw-48khz-16bit-mono-pcm",
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithSampleRate selects the PCM output sample rate in Hz. Supported values:
// 8000, 16000, 24000, 48000. Default 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithDefaultVoice sets the voice used when a request carries an empty name.
func WithDefaultVoice(name string) Option {
	return func(p *Provider) {
		p.defaultVoice = name
	}
}

// WithHTTPClient overrides the HTTP client used for synthesis requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the synthesis endpoint URL. Used in tests against a
// local server.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// Provider builds Azure Speech synthesis engines.
type Provider struct {
	key          string
	endpoint     string
	sampleRate   int
	defaultVoice string
	httpClient   *http.Client
}

// New creates a new Azure Speech TTS Provider. key and region must be non-empty.
func New(key, region string, opts ...Option) (*Provider, error) {
	if key == "" {
		return nil, errors.New("azure tts: key must not be empty")
	}
	if region == "" {
		return nil, errors.New("azure tts: region must not be empty")
	}
	p := &Provider{
		key:          key,
		endpoint:     fmt.Sprintf(endpointFmt, region),
		sampleRate:   16000,
		defaultVoice: defaultVoice,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if _, ok := outputFormats[p.sampleRate]; !ok {
		return nil, fmt.Errorf("azure tts: unsupported sample rate %d", p.sampleRate)
	}
	return p, nil
}

// NewEngine implements tts.Provider.
func (p *Provider) NewEngine(_ context.Context) (tts.Engine, error) {
	return &Engine{provider: p, healthy: 1}, nil
}

// Engine is one synthesizer instance.
type Engine struct {
	provider *Provider
	healthy  int32

	mu     sync.Mutex
	cancel context.CancelFunc // in-flight synthesis, nil when idle
}

// Synthesize renders text and returns raw PCM16 audio.
func (e *Engine) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if text == "" {
		return nil, errors.New("azure tts: text must not be empty")
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

	ssml := buildSSML(text, voice, e.provider.defaultVoice)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.provider.endpoint, strings.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("azure tts: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", e.provider.key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", outputFormats[e.provider.sampleRate])
	req.Header.Set("User-Agent", "voxgate")

	resp, err := e.provider.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		atomic.StoreInt32(&e.healthy, 0)
		return nil, fmt.Errorf("azure tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			atomic.StoreInt32(&e.healthy, 0)
		}
		return nil, fmt.Errorf("azure tts: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		atomic.StoreInt32(&e.healthy, 0)
		return nil, fmt.Errorf("azure tts: read audio: %w", err)
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

// buildSSML assembles the SSML document for one synthesis request. Style and
// rate are optional; an empty voice name falls back to the provider default.
func buildSSML(text string, voice tts.Voice, fallbackVoice string) string {
	name := voice.Name
	if name == "" {
		name = fallbackVoice
	}

	var inner strings.Builder
	if err := xml.EscapeText(&inner, []byte(text)); err != nil {
		inner.Reset()
		inner.WriteString(text)
	}
	body := inner.String()

	if voice.Rate != "" {
		body = fmt.Sprintf(`<prosody rate=%q>%s</prosody>`, voice.Rate, body)
	}
	if voice.Style != "" {
		body = fmt.Sprintf(`<mstts:express-as style=%q>%s</mstts:express-as>`, voice.Style, body)
	}

	return fmt.Sprintf(
		`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xmlns:mstts="https://www.w3.org/2001/mstts" xml:lang="en-US"><voice name=%q>%s</voice></speak>`,
		name, body,
	)
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Engine   = (*Engine)(nil)
)

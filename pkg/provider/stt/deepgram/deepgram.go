// Package deepgram provides an STT engine backed by the Deepgram streaming
// WebSocket API. It implements the stt.Engine and stt.Provider interfaces.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used in tests against a
// local server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider builds Deepgram recognizer engines. One Provider serves the whole
// process; engines are handed out through the STT pool.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewEngine implements stt.Provider.
func (p *Provider) NewEngine(_ context.Context) (stt.Engine, error) {
	return &Engine{provider: p, healthy: 1}, nil
}

// Engine is one recognizer instance. It holds no connection between streams;
// each StartStream dials a fresh WebSocket to the service.
type Engine struct {
	provider *Provider
	healthy  int32
}

// StartStream opens a streaming transcription session.
func (e *Engine) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := e.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.provider.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		atomic.StoreInt32(&e.healthy, 0)
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.provider.language
	}

	sess := &session{
		conn:     conn,
		engine:   e,
		language: lang,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		cancels:  make(chan error, 4),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// Healthy implements stt.Engine.
func (e *Engine) Healthy() bool {
	return atomic.LoadInt32(&e.healthy) == 1
}

// Close implements stt.Engine. Engines hold no persistent connection.
func (e *Engine) Close() error { return nil }

// buildURL constructs the streaming endpoint URL for the given config.
func (e *Engine) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(e.provider.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.provider.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = e.provider.sampleRate
	}

	q := u.Query()
	q.Set("model", e.provider.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.SilenceTimeout > 0 {
		q.Set("endpointing", strconv.Itoa(int(cfg.SilenceTimeout/time.Millisecond)))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// resultMessage is the JSON structure of a Deepgram Results event.
type resultMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Start   float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live streaming transcription session. It implements
// stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	engine   *Engine
	language string

	partials chan stt.Transcript
	finals   chan stt.Transcript
	cancels  chan error
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery to the service.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Cancels returns the channel of recognizer cancellation errors.
func (s *session) Cancels() <-chan error { return s.cancels }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// CloseStream tells the service to flush pending audio.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				atomic.StoreInt32(&s.engine.healthy, 0)
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from the service and dispatches them to the
// partials, finals, and cancels channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.cancels)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Normal close.
			default:
				atomic.StoreInt32(&s.engine.healthy, 0)
				select {
				case s.cancels <- fmt.Errorf("deepgram: read: %w", err):
				default:
				}
			}
			return
		}

		t, ok := s.parseResult(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// parseResult parses a raw service message into a Transcript. Returns
// (zero, false) for non-Results messages and empty alternatives.
func (s *session) parseResult(data []byte) (stt.Transcript, bool) {
	var resp resultMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Language:   s.language,
		Offset:     time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, true
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.Engine        = (*Engine)(nil)
	_ stt.SessionHandle = (*session)(nil)
)

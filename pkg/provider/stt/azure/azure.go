// Package azure provides an STT engine backed by the Azure Speech streaming
// WebSocket API. It implements the stt.Engine and stt.Provider interfaces.
//
// The service speaks a framed protocol: text messages carry CRLF-separated
// headers (Path, X-RequestId, Content-Type) followed by a blank line and a
// JSON body; binary audio messages carry a 2-byte big-endian header-length
// prefix, the same header block, and the raw PCM payload.
package azure

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

const (
	endpointFmt       = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

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

// WithSilenceTimeout sets the default end-of-utterance silence window.
func WithSilenceTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.silenceTimeout = d
	}
}

// Provider builds Azure Speech recognizer engines. One Provider serves the
// whole process; engines are handed out through the STT pool.
type Provider struct {
	key            string
	region         string
	language       string
	sampleRate     int
	silenceTimeout time.Duration
}

// New creates a new Azure Speech STT Provider. key and region must be non-empty.
func New(key, region string, opts ...Option) (*Provider, error) {
	if key == "" {
		return nil, errors.New("azure stt: key must not be empty")
	}
	if region == "" {
		return nil, errors.New("azure stt: region must not be empty")
	}
	p := &Provider{
		key:        key,
		region:     region,
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

// StartStream opens a streaming recognition session.
func (e *Engine) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := e.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("azure stt: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", e.provider.key)
	headers.Set("X-ConnectionId", newRequestID())

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		atomic.StoreInt32(&e.healthy, 0)
		return nil, fmt.Errorf("azure stt: dial: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.provider.language
	}

	sess := &session{
		conn:      conn,
		engine:    e,
		requestID: newRequestID(),
		language:  lang,
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		cancels:   make(chan error, 4),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
	}

	if err := sess.sendSpeechConfig(ctx, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "speech.config failed")
		atomic.StoreInt32(&e.healthy, 0)
		return nil, fmt.Errorf("azure stt: speech.config: %w", err)
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

// buildURL constructs the recognition endpoint URL for the given config.
func (e *Engine) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(fmt.Sprintf(endpointFmt, e.provider.region))
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.provider.language
	}

	q := u.Query()
	q.Set("language", lang)
	q.Set("format", "detailed")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// hypothesisBody is the JSON body of a speech.hypothesis message.
type hypothesisBody struct {
	Text     string `json:"Text"`
	Offset   int64  `json:"Offset"`
	Duration int64  `json:"Duration"`
}

// phraseBody is the JSON body of a speech.phrase message.
type phraseBody struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
	Offset            int64  `json:"Offset"`
	Duration          int64  `json:"Duration"`
	NBest             []struct {
		Confidence float64 `json:"Confidence"`
		Display    string  `json:"Display"`
	} `json:"NBest"`
}

// session is a live recognition stream. It implements stt.SessionHandle.
type session struct {
	conn      *websocket.Conn
	engine    *Engine
	requestID string
	language  string

	partials chan stt.Transcript
	finals   chan stt.Transcript
	cancels  chan error
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// sendSpeechConfig sends the initial speech.config text message.
func (s *session) sendSpeechConfig(ctx context.Context, cfg stt.StreamConfig) error {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = s.engine.provider.sampleRate
	}
	silence := cfg.SilenceTimeout
	if silence == 0 {
		silence = s.engine.provider.silenceTimeout
	}

	body := map[string]any{
		"context": map[string]any{
			"system": map[string]any{"name": "voxgate"},
			"audio": map[string]any{
				"encoding": "PCM",
				"samplerate": sr,
				"channelcount": max(cfg.Channels, 1),
			},
		},
	}
	if silence > 0 {
		body["recognition"] = map[string]any{
			"segmentationSilenceTimeoutMs": int(silence / time.Millisecond),
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	msg := textMessage("speech.config", s.requestID, "application/json", payload)
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

// SendAudio queues a PCM chunk for delivery to the service.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("azure stt: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("azure stt: session is closed")
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
		// Zero-length audio message tells the service the stream is over.
		_ = s.conn.Write(context.Background(), websocket.MessageBinary,
			binaryMessage(s.requestID, nil))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends framed binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, binaryMessage(s.requestID, chunk)); err != nil {
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
					_ = s.conn.Write(ctx, websocket.MessageBinary, binaryMessage(s.requestID, chunk))
				default:
					return
				}
			}
		}
	}
}

// readLoop receives framed messages from the service and dispatches them to
// the partials, finals, and cancels channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.cancels)

	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Normal close.
			default:
				atomic.StoreInt32(&s.engine.healthy, 0)
				select {
				case s.cancels <- fmt.Errorf("azure stt: read: %w", err):
				default:
				}
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		path, body, ok := splitFramedMessage(msg)
		if !ok {
			continue
		}

		switch path {
		case "speech.hypothesis":
			var h hypothesisBody
			if json.Unmarshal(body, &h) != nil || h.Text == "" {
				continue
			}
			t := stt.Transcript{
				Text:     h.Text,
				Language: s.language,
				Offset:   ticksToDuration(h.Offset),
				Duration: ticksToDuration(h.Duration),
			}
			select {
			case s.partials <- t:
			case <-s.done:
			}

		case "speech.phrase":
			var ph phraseBody
			if json.Unmarshal(body, &ph) != nil {
				continue
			}
			if ph.RecognitionStatus != "Success" || ph.DisplayText == "" {
				continue
			}
			t := stt.Transcript{
				Text:     ph.DisplayText,
				IsFinal:  true,
				Language: s.language,
				Offset:   ticksToDuration(ph.Offset),
				Duration: ticksToDuration(ph.Duration),
			}
			if len(ph.NBest) > 0 {
				t.Confidence = ph.NBest[0].Confidence
			}
			select {
			case s.finals <- t:
			case <-s.done:
			}

		case "turn.end":
			// Service finished the turn; the stream stays open for more audio.
		}
	}
}

// ---- wire framing ----

// textMessage assembles a framed text message with the standard headers.
func textMessage(path, requestID, contentType string, body []byte) []byte {
	var b strings.Builder
	b.WriteString("Path: " + path + "\r\n")
	b.WriteString("X-RequestId: " + requestID + "\r\n")
	b.WriteString("X-Timestamp: " + time.Now().UTC().Format(time.RFC3339Nano) + "\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n")
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

// binaryMessage assembles a framed binary audio message: a 2-byte big-endian
// header-length prefix, the header block, then the raw payload. A nil payload
// produces the end-of-stream marker.
func binaryMessage(requestID string, payload []byte) []byte {
	headers := "Path: audio\r\n" +
		"X-RequestId: " + requestID + "\r\n" +
		"X-Timestamp: " + time.Now().UTC().Format(time.RFC3339Nano) + "\r\n" +
		"Content-Type: audio/x-wav\r\n"
	msg := make([]byte, 2+len(headers)+len(payload))
	binary.BigEndian.PutUint16(msg[:2], uint16(len(headers)))
	copy(msg[2:], headers)
	copy(msg[2+len(headers):], payload)
	return msg
}

// splitFramedMessage splits a text frame into its Path header value and body.
func splitFramedMessage(msg []byte) (path string, body []byte, ok bool) {
	raw := string(msg)
	idx := strings.Index(raw, "\r\n\r\n")
	if idx < 0 {
		return "", nil, false
	}
	for _, line := range strings.Split(raw[:idx], "\r\n") {
		if v, found := strings.CutPrefix(line, "Path:"); found {
			path = strings.TrimSpace(v)
		}
	}
	if path == "" {
		return "", nil, false
	}
	return path, msg[idx+4:], true
}

// ticksToDuration converts 100ns service ticks into a time.Duration.
func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks) * 100 * time.Nanosecond
}

// newRequestID returns a 32-char lowercase hex id in the format the service expects.
func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}

var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Engine   = (*Engine)(nil)
	_ stt.SessionHandle = (*session)(nil)
)

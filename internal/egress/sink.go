package egress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/voxgate/voxgate/internal/conn"
)

// Frame is one outbound PCM16 frame with its position in the clip.
type Frame struct {
	PCM        []byte
	Index      int
	Total      int
	SampleRate int
	Final      bool
}

// Sink is the transport half of the egress path. The speaker splits PCM into
// frames and hands them to a sink; the sink owns the wire format.
type Sink interface {
	// SendFrame writes one frame.
	SendFrame(ctx context.Context, f Frame) error

	// SendStop writes the end-of-playback marker, both on normal completion
	// and after a barge-in cut. Transports without a stop concept no-op.
	SendStop(ctx context.Context) error

	// Paced reports whether the speaker must sleep one frame duration between
	// frames. Telephony playback is real-time; browsers buffer client-side.
	Paced() bool
}

// ─── Browser sink ───

// BrowserSink fans frames out to every conversation connection of a session
// as audio_data envelopes. Unpaced: the client buffers and schedules
// playback itself.
type BrowserSink struct {
	Conns     *conn.Manager
	SessionID string
}

func (s *BrowserSink) SendFrame(ctx context.Context, f Frame) error {
	env := conn.AudioData(base64.StdEncoding.EncodeToString(f.PCM), f.Index, f.Total, f.SampleRate, f.Final)
	_, err := s.Conns.BroadcastSession(ctx, s.SessionID, env)
	return err
}

func (s *BrowserSink) SendStop(context.Context) error { return nil }

func (s *BrowserSink) Paced() bool { return false }

// ─── Telephony sink ───

// audioPayload is the inner body of an outbound AudioData message on the
// calling service's media socket.
type audioPayload struct {
	Data       string `json:"data"`
	SequenceID int    `json:"sequenceId"`
}

// outboundMessage is the envelope the media service parses. Both members are
// always present: the one matching Kind is set, the other serializes as null.
type outboundMessage struct {
	Kind      string        `json:"kind"`
	AudioData *audioPayload `json:"AudioData"`
	StopAudio *struct{}     `json:"StopAudio"`
}

// TelephonySink writes frames onto the calling service's media websocket in
// its JSON wire format and paces them to real time. A StopAudio sentinel
// tells the service to flush its playback buffer.
type TelephonySink struct {
	// Send writes one text message on the media socket.
	Send func(ctx context.Context, data []byte) error

	seq int
}

func (s *TelephonySink) SendFrame(ctx context.Context, f Frame) error {
	s.seq++
	msg := outboundMessage{
		Kind: "AudioData",
		AudioData: &audioPayload{
			Data:       base64.StdEncoding.EncodeToString(f.PCM),
			SequenceID: s.seq,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("egress: marshal audio frame: %w", err)
	}
	return s.Send(ctx, data)
}

func (s *TelephonySink) SendStop(ctx context.Context) error {
	data, err := json.Marshal(outboundMessage{Kind: "StopAudio", StopAudio: &struct{}{}})
	if err != nil {
		return fmt.Errorf("egress: marshal stop sentinel: %w", err)
	}
	return s.Send(ctx, data)
}

func (s *TelephonySink) Paced() bool { return true }

var (
	_ Sink = (*BrowserSink)(nil)
	_ Sink = (*TelephonySink)(nil)
)

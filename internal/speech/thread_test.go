package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/stt/mock"
)

func newTestThread(t *testing.T) (*Thread, *mock.Engine, *bridge.Queue) {
	t.Helper()
	eng := mock.NewEngine()
	q := bridge.NewQueue(16)
	th := NewThread(eng, bridge.New(nil), q, stt.StreamConfig{SampleRate: 16000, Language: "en-US"}, nil)
	return th, eng, q
}

func waitEvent(t *testing.T, q *bridge.Queue) bridge.SpeechEvent {
	t.Helper()
	select {
	case ev := <-q.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no speech event arrived")
		return bridge.SpeechEvent{}
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	th, eng, _ := newTestThread(t)

	if th.State() != StateConstructed {
		t.Fatalf("initial state = %s", th.State())
	}
	if err := th.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if th.State() != StatePrepared {
		t.Errorf("state after prepare = %s", th.State())
	}
	if len(eng.StartStreamCalls) != 1 || eng.StartStreamCalls[0].SampleRate != 16000 {
		t.Errorf("StartStream calls = %+v", eng.StartStreamCalls)
	}

	th.Start()
	if th.State() != StateRunning {
		t.Errorf("state after start = %s", th.State())
	}
	if err := th.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if th.State() != StateStopped {
		t.Errorf("state after stop = %s", th.State())
	}
}

func TestStartBeforePrepareIsNoop(t *testing.T) {
	t.Parallel()
	th, eng, _ := newTestThread(t)

	th.Start()
	if th.State() != StateConstructed {
		t.Errorf("state = %s, want constructed", th.State())
	}
	if len(eng.StartStreamCalls) != 0 {
		t.Error("start without prepare opened a stream")
	}
}

func TestPrepareTwiceFails(t *testing.T) {
	t.Parallel()
	th, _, _ := newTestThread(t)

	if err := th.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := th.Prepare(context.Background()); err == nil {
		t.Error("second Prepare succeeded")
	}
}

func TestPrepareStreamErrorSurfaces(t *testing.T) {
	t.Parallel()
	th, eng, _ := newTestThread(t)
	eng.StartStreamErr = errors.New("recognizer unavailable")

	if err := th.Prepare(context.Background()); err == nil {
		t.Fatal("Prepare succeeded despite stream error")
	}
	if th.State() != StateConstructed {
		t.Errorf("state = %s, want constructed after failed prepare", th.State())
	}
}

func TestTranscriptsPumpedIntoQueue(t *testing.T) {
	t.Parallel()
	th, eng, q := newTestThread(t)

	if err := th.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	th.Start()
	sess := eng.Sessions[0]

	sess.EmitPartial("ref")
	ev := waitEvent(t, q)
	if ev.Kind != bridge.KindPartial || ev.Transcript.Text != "ref" {
		t.Errorf("event = %+v", ev)
	}

	sess.EmitFinal("refill my prescription")
	ev = waitEvent(t, q)
	if ev.Kind != bridge.KindFinal || !ev.Transcript.IsFinal {
		t.Errorf("event = %+v", ev)
	}

	sess.EmitCancel(errors.New("service disconnect"))
	ev = waitEvent(t, q)
	if ev.Kind != bridge.KindCancel || ev.Err == nil {
		t.Errorf("event = %+v", ev)
	}
}

func TestSendAudioDroppedUntilRunning(t *testing.T) {
	t.Parallel()
	th, eng, _ := newTestThread(t)

	if err := th.SendAudio([]byte{1, 2}); err != nil {
		t.Errorf("SendAudio before prepare: %v", err)
	}

	if err := th.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := th.SendAudio([]byte{3, 4}); err != nil {
		t.Errorf("SendAudio before start: %v", err)
	}
	if got := eng.Sessions[0].AudioBytes(); got != 0 {
		t.Errorf("audio reached recognizer before start: %d bytes", got)
	}

	th.Start()
	if err := th.SendAudio([]byte{5, 6, 7}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := eng.Sessions[0].AudioBytes(); got != 3 {
		t.Errorf("recognizer got %d bytes, want 3", got)
	}
}

func TestStopIsIdempotentAndClosesStream(t *testing.T) {
	t.Parallel()
	th, eng, q := newTestThread(t)

	if err := th.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	th.Start()
	if err := th.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := th.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	// Pumps have drained: the handle's channels are closed and nothing new
	// can arrive.
	eng.Sessions[0].EmitFinal("too late")
	select {
	case ev, ok := <-q.Events():
		if ok {
			t.Errorf("event after stop: %+v", ev)
		}
	default:
	}
}

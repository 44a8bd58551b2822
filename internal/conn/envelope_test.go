package conn

import (
	"encoding/json"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestStatusEnvelopeShape(t *testing.T) {
	t.Parallel()
	m := roundTrip(t, Status("Hello, how can I help?", "agent", "sess-1"))
	if m["type"] != "status" || m["topic"] != "session" || m["session_id"] != "sess-1" {
		t.Errorf("envelope = %v", m)
	}
}

func TestEventEnvelopeShape(t *testing.T) {
	t.Parallel()
	m := roundTrip(t, Event("user", "I need a refill", "conversation", "sess-1"))
	if m["type"] != "event" {
		t.Errorf("type = %v", m["type"])
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok || payload["sender"] != "user" || payload["message"] != "I need a refill" {
		t.Errorf("payload = %v", m["payload"])
	}
}

func TestControlEnvelopeShape(t *testing.T) {
	t.Parallel()
	m := roundTrip(t, TTSCancelled("barge_in", "partial", "sess-1"))
	want := map[string]string{
		"type":       "control",
		"action":     "tts_cancelled",
		"reason":     "barge_in",
		"at":         "partial",
		"session_id": "sess-1",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %s", k, m[k], v)
		}
	}
}

func TestAudioDataEnvelopeShape(t *testing.T) {
	t.Parallel()
	m := roundTrip(t, AudioData("AAEC", 3, 10, 24000, false))
	if m["type"] != "audio_data" || m["data"] != "AAEC" {
		t.Errorf("envelope = %v", m)
	}
	if m["frame_index"] != float64(3) || m["total_frames"] != float64(10) {
		t.Errorf("frame fields = %v / %v", m["frame_index"], m["total_frames"])
	}
	if m["sample_rate"] != float64(24000) || m["is_final"] != false {
		t.Errorf("rate/final = %v / %v", m["sample_rate"], m["is_final"])
	}
}

func TestTTSErrorEnvelopeShape(t *testing.T) {
	t.Parallel()
	m := roundTrip(t, TTSError(errors.New("synthesis timed out"), "Take two daily."))
	if m["type"] != "tts_error" || m["error"] != "synthesis timed out" || m["text"] != "Take two daily." {
		t.Errorf("envelope = %v", m)
	}
}

func TestToolEnvelopes(t *testing.T) {
	t.Parallel()
	start := roundTrip(t, ToolStart("schedule_appointment", "call_1", "sess-1"))
	if start["phase"] != "start" || start["tool"] != "schedule_appointment" {
		t.Errorf("start = %v", start)
	}
	if _, present := start["elapsed_ms"]; present {
		t.Error("start envelope carries elapsed_ms")
	}

	end := roundTrip(t, ToolEnd("schedule_appointment", "call_1", "success", 42, "sess-1"))
	if end["phase"] != "end" || end["status"] != "success" || end["elapsed_ms"] != float64(42) {
		t.Errorf("end = %v", end)
	}
}

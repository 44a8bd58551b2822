package conn

// Envelope types for the browser conversation channel. Every session-scoped
// envelope carries its session id so clients can drop foreign traffic.

// StatusEnvelope is an informational note shown in the transcript.
type StatusEnvelope struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Topic     string `json:"topic"`
	SessionID string `json:"session_id"`
}

// Status builds a status envelope on the session topic.
func Status(content, sender, sessionID string) StatusEnvelope {
	return StatusEnvelope{
		Type:      "status",
		Content:   content,
		Sender:    sender,
		Topic:     "session",
		SessionID: sessionID,
	}
}

// EventPayload is the inner body of an EventEnvelope.
type EventPayload struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// EventEnvelope is a user or assistant chat bubble.
type EventEnvelope struct {
	Type      string       `json:"type"`
	Payload   EventPayload `json:"payload"`
	Sender    string       `json:"sender"`
	Topic     string       `json:"topic"`
	SessionID string       `json:"session_id"`
}

// Event builds a chat-bubble envelope.
func Event(sender, message, topic, sessionID string) EventEnvelope {
	return EventEnvelope{
		Type:      "event",
		Payload:   EventPayload{Sender: sender, Message: message},
		Sender:    sender,
		Topic:     topic,
		SessionID: sessionID,
	}
}

// AssistantStreamingEnvelope carries one interim assistant fragment.
type AssistantStreamingEnvelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AssistantStreaming builds an interim assistant fragment envelope.
func AssistantStreaming(content string) AssistantStreamingEnvelope {
	return AssistantStreamingEnvelope{Type: "assistant_streaming", Content: content}
}

// AssistantFinalEnvelope is the terminal assistant bubble for one turn.
type AssistantFinalEnvelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Speaker string `json:"speaker"`
}

// AssistantFinal builds the terminal assistant bubble.
func AssistantFinal(content, speaker string) AssistantFinalEnvelope {
	return AssistantFinalEnvelope{Type: "assistant_final", Content: content, Speaker: speaker}
}

// AudioDataEnvelope is one browser audio frame.
type AudioDataEnvelope struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	FrameIndex  int    `json:"frame_index"`
	TotalFrames int    `json:"total_frames"`
	SampleRate  int    `json:"sample_rate"`
	IsFinal     bool   `json:"is_final"`
}

// AudioData builds a browser audio frame envelope. data is base64 PCM16.
func AudioData(data string, frameIndex, totalFrames, sampleRate int, isFinal bool) AudioDataEnvelope {
	return AudioDataEnvelope{
		Type:        "audio_data",
		Data:        data,
		FrameIndex:  frameIndex,
		TotalFrames: totalFrames,
		SampleRate:  sampleRate,
		IsFinal:     isFinal,
	}
}

// ControlEnvelope signals a client-side action, currently only the barge-in
// flush.
type ControlEnvelope struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	At        string `json:"at"`
	SessionID string `json:"session_id"`
}

// TTSCancelled builds the barge-in control envelope. at is "partial" or
// "final", naming the transcript stage that triggered the interruption.
func TTSCancelled(reason, at, sessionID string) ControlEnvelope {
	return ControlEnvelope{
		Type:      "control",
		Action:    "tts_cancelled",
		Reason:    reason,
		At:        at,
		SessionID: sessionID,
	}
}

// ExitEnvelope ends the conversation from the server side.
type ExitEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Exit builds the goodbye envelope.
func Exit(message string) ExitEnvelope {
	return ExitEnvelope{Type: "exit", Message: message}
}

// TTSErrorEnvelope reports a synthesis failure for one fragment.
type TTSErrorEnvelope struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Text  string `json:"text"`
}

// TTSError builds a synthesis failure envelope. text is the fragment that
// failed, so the client can render it without audio.
func TTSError(err error, text string) TTSErrorEnvelope {
	return TTSErrorEnvelope{Type: "tts_error", Error: err.Error(), Text: text}
}

// ToolStatusEnvelope reports tool invocation progress in the transcript.
type ToolStatusEnvelope struct {
	Type      string `json:"type"`
	Phase     string `json:"phase"`
	Tool      string `json:"tool"`
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	SessionID string `json:"session_id"`
}

// ToolStart builds the tool-start envelope.
func ToolStart(tool, callID, sessionID string) ToolStatusEnvelope {
	return ToolStatusEnvelope{
		Type:      "tool_status",
		Phase:     "start",
		Tool:      tool,
		CallID:    callID,
		SessionID: sessionID,
	}
}

// ToolEnd builds the tool-end envelope. status is "success" or "error".
func ToolEnd(tool, callID, status string, elapsedMS int64, sessionID string) ToolStatusEnvelope {
	return ToolStatusEnvelope{
		Type:      "tool_status",
		Phase:     "end",
		Tool:      tool,
		CallID:    callID,
		Status:    status,
		ElapsedMS: elapsedMS,
		SessionID: sessionID,
	}
}

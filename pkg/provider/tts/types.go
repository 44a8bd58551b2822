package tts

// Voice is the synthesis tuple the gateway prepares and speaks with. Engines
// warm up once per distinct Voice value, so the egress path treats it as a
// comparable key.
type Voice struct {
	// Name is the service voice name (e.g., "en-US-JennyNeural").
	Name string

	// Style is an optional expressive style (e.g., "chat", "empathetic").
	Style string

	// Rate is an optional prosody rate adjustment (e.g., "+10%", "0.9").
	Rate string
}

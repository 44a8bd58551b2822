package config

import "slices"

// Diff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything that
// would require tearing down live sessions (pools, providers, transports)
// needs a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GreetingChanged  bool
	PromptChanged    bool
	VoiceChanged     bool
	StopWordsChanged bool
}

// Any reports whether the diff records at least one change.
func (d Diff) Any() bool {
	return d.LogLevelChanged || d.GreetingChanged || d.PromptChanged ||
		d.VoiceChanged || d.StopWordsChanged
}

// Compare returns what changed between old and new.
// Only tracks changes that are safe to apply without restart.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Agent.Greeting != new.Agent.Greeting {
		d.GreetingChanged = true
	}
	if old.Agent.SystemPrompt != new.Agent.SystemPrompt {
		d.PromptChanged = true
	}
	if old.Agent.Voice != new.Agent.Voice {
		d.VoiceChanged = true
	}
	if !slices.Equal(old.Agent.StopWords, new.Agent.StopWords) {
		d.StopWordsChanged = true
	}

	return d
}

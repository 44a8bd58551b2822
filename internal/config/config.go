// Package config provides the configuration schema, loader, provider
// registry, and hot-reload watcher for the voxgate gateway.
package config

import "time"

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// then overlaid with environment variables via [ApplyEnv].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Pools    PoolsConfig    `yaml:"pools"`
	Speech   SpeechConfig   `yaml:"speech"`
	LLM      LLMConfig      `yaml:"llm"`
	Redis    RedisConfig    `yaml:"redis"`
	Telecom  TelecomConfig  `yaml:"telecom"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig holds network and logging settings for the gateway server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// BaseURL is the public base URL telephony callbacks and media
	// websockets are routed through (e.g., "https://gw.example.com").
	BaseURL string `yaml:"base_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AgentConfig describes the assistant persona and its default voice.
type AgentConfig struct {
	// Greeting is spoken once when a session's audio path becomes ready.
	Greeting string `yaml:"greeting"`

	// SystemPrompt is injected as the first message of every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice is the default synthesis voice profile.
	Voice VoiceConfig `yaml:"voice"`

	// StopWords end the call when a final transcript matches one exactly
	// (after trimming and lowercasing).
	StopWords []string `yaml:"stop_words"`
}

// VoiceConfig specifies the synthesis voice parameters.
type VoiceConfig struct {
	// Name is the provider voice identifier (e.g., "en-US-JennyNeural").
	Name string `yaml:"name"`

	// Style selects an expressive speaking style, if the voice supports one.
	Style string `yaml:"style"`

	// Rate adjusts speaking rate (e.g., "+10%"). Empty means default.
	Rate string `yaml:"rate"`
}

// PoolsConfig sizes the recogniser and synthesiser engine pools.
type PoolsConfig struct {
	STT PoolConfig `yaml:"stt"`
	TTS PoolConfig `yaml:"tts"`
}

// PoolConfig sizes one engine pool's three tiers.
type PoolConfig struct {
	// Dedicated is the number of engines reserved one-per-session.
	Dedicated int `yaml:"dedicated"`

	// Shared is the number of engines lent out and returned per operation.
	Shared int `yaml:"shared"`

	// Overflow is the number of engines constructed on demand above the
	// shared tier.
	Overflow int `yaml:"overflow"`

	// AcquireTimeout bounds how long an acquire waits for a free engine
	// before failing with a capacity error. Zero means the 2 s default.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// SpeechConfig holds speech-service credentials and audio parameters.
type SpeechConfig struct {
	// STTProvider selects the registered recogniser backend ("azure",
	// "deepgram", "mock"). Empty picks azure when a key is set, mock
	// otherwise.
	STTProvider string `yaml:"stt_provider"`

	// TTSProvider selects the registered synthesiser backend ("azure",
	// "elevenlabs", "mock"). Empty follows the same rule as STTProvider.
	TTSProvider string `yaml:"tts_provider"`

	// Key is the speech service API key.
	Key string `yaml:"key"`

	// Region is the speech service region (e.g., "eastus").
	Region string `yaml:"region"`

	// Language is the recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// TelephonySampleRate is the PCM16 sample rate on the telephony leg.
	// Zero means 16000.
	TelephonySampleRate int `yaml:"telephony_sample_rate"`

	// BrowserSampleRate is the PCM16 sample rate on the browser leg.
	// Zero means 24000.
	BrowserSampleRate int `yaml:"browser_sample_rate"`

	// SilenceTimeout ends a recognition turn after this much silence.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
}

// LLMConfig selects and authenticates the completion backend.
type LLMConfig struct {
	// Provider selects the registered backend (e.g., "azure-openai",
	// "openai", "anyllm:ollama").
	Provider string `yaml:"provider"`

	// Endpoint is the service endpoint for hosted deployments.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates against the backend.
	APIKey string `yaml:"api_key"`

	// APIVersion pins the service API version for Azure-hosted deployments.
	APIVersion string `yaml:"api_version"`

	// Deployment is the model deployment or model name.
	Deployment string `yaml:"deployment"`

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps each completion. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// RedisConfig holds connection settings for the session store.
type RedisConfig struct {
	// Host is the store hostname.
	Host string `yaml:"host"`

	// Port is the store port. Zero means 6379.
	Port int `yaml:"port"`

	// AccessKey authenticates against the store. Empty means no auth.
	AccessKey string `yaml:"access_key"`

	// Cluster enables cluster-mode routing.
	Cluster bool `yaml:"cluster"`

	// TLS enables a TLS transport, required by managed caches.
	TLS bool `yaml:"tls"`

	// Prefix namespaces every key. Empty means no prefix.
	Prefix string `yaml:"prefix"`

	// TTL expires session state after inactivity. Zero means no expiry.
	TTL time.Duration `yaml:"ttl"`
}

// TelecomConfig holds the telephony provider settings.
type TelecomConfig struct {
	// ConnectionString authenticates against the calling service.
	ConnectionString string `yaml:"connection_string"`

	// SourceNumber is the E.164 number outbound calls originate from.
	SourceNumber string `yaml:"source_number"`

	// Endpoint overrides the calling service endpoint. Usually derived
	// from the connection string.
	Endpoint string `yaml:"endpoint"`

	// ValidationCode is the 3-digit DTMF code callers must enter before the
	// assistant engages. Empty disables the validation gate.
	ValidationCode string `yaml:"validation_code"`
}

// SessionsConfig bounds per-session behaviour.
type SessionsConfig struct {
	// CancelGrace bounds how long barge-in waits for in-flight synthesis
	// tasks before abandoning them. Zero means the 300 ms default.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// MaxHistory caps the number of conversation messages kept in memory.
	// Zero means unbounded.
	MaxHistory int `yaml:"max_history"`
}

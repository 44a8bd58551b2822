package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
agent:
  greeting: "Hello, thank you for calling. How can I help you today?"
  voice:
    name: en-US-JennyNeural
    style: cheerful
  stop_words: ["goodbye", "exit", "see you later", "bye"]
pools:
  stt:
    dedicated: 2
    shared: 4
    overflow: 2
    acquire_timeout: 2s
  tts:
    dedicated: 2
    shared: 4
    overflow: 2
llm:
  provider: azure-openai
  endpoint: https://example.openai.azure.com
  deployment: gpt-4o
  temperature: 0.7
speech:
  key: test-key
  region: eastus
  language: en-US
  telephony_sample_rate: 16000
  browser_sample_rate: 24000
redis:
  host: localhost
  port: 6379
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Pools.STT.Shared != 4 {
		t.Errorf("Pools.STT.Shared = %d, want 4", cfg.Pools.STT.Shared)
	}
	if cfg.Pools.STT.AcquireTimeout != 2*time.Second {
		t.Errorf("Pools.STT.AcquireTimeout = %v, want 2s", cfg.Pools.STT.AcquireTimeout)
	}
	if cfg.Agent.Voice.Name != "en-US-JennyNeural" {
		t.Errorf("Voice.Name = %q", cfg.Agent.Voice.Name)
	}
	if len(cfg.Agent.StopWords) != 4 {
		t.Errorf("StopWords = %v, want 4 entries", cfg.Agent.StopWords)
	}
	if cfg.LLM.Deployment != "gpt-4o" {
		t.Errorf("LLM.Deployment = %q", cfg.LLM.Deployment)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listne_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected an error for a misspelled field")
	}
}

func TestValidateLogLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Error("expected invalid log_level to fail validation")
	}

	cfg.Server.LogLevel = LogDebug
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateAzureOpenAIRequiresEndpoint(t *testing.T) {
	cfg := &Config{}
	cfg.LLM.Provider = "azure-openai"
	cfg.LLM.Deployment = "gpt-4o"
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "llm.endpoint") {
		t.Errorf("Validate err = %v, want llm.endpoint failure", err)
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	cfg.LLM.Temperature = 5
	cfg.Speech.TelephonySampleRate = 11025

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation failures")
	}
	for _, want := range []string{"log_level", "temperature", "telephony_sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidatePoolSizes(t *testing.T) {
	cfg := &Config{}
	cfg.Pools.TTS.Shared = -1
	if err := Validate(cfg); err == nil {
		t.Error("expected negative pool size to fail validation")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_USE_CLUSTER", "true")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://env.openai.azure.com")
	t.Setenv("AZURE_SPEECH_REGION", "westus2")
	t.Setenv("BASE_URL", "https://gw.example.com")

	cfg := &Config{}
	cfg.Redis.Host = "from-file"
	ApplyEnv(cfg)

	if cfg.Redis.Host != "cache.internal" {
		t.Errorf("Redis.Host = %q, want env value", cfg.Redis.Host)
	}
	if cfg.Redis.Port != 6380 {
		t.Errorf("Redis.Port = %d, want 6380", cfg.Redis.Port)
	}
	if !cfg.Redis.Cluster {
		t.Error("Redis.Cluster = false, want true")
	}
	if cfg.LLM.Endpoint != "https://env.openai.azure.com" {
		t.Errorf("LLM.Endpoint = %q", cfg.LLM.Endpoint)
	}
	if cfg.Speech.Region != "westus2" {
		t.Errorf("Speech.Region = %q", cfg.Speech.Region)
	}
	if cfg.Server.BaseURL != "https://gw.example.com" {
		t.Errorf("Server.BaseURL = %q", cfg.Server.BaseURL)
	}
}

func TestApplyEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")
	cfg := &Config{}
	cfg.Redis.Port = 6379
	ApplyEnv(cfg)
	if cfg.Redis.Port != 6379 {
		t.Errorf("Redis.Port = %d, want file value kept", cfg.Redis.Port)
	}
}

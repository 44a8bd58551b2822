package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known completion backend names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidLLMProviders = []string{
	"azure-openai", "openai",
	"anyllm:ollama", "anyllm:anthropic", "anyllm:gemini", "anyllm:mistral",
	"anyllm:groq", "anyllm:deepseek", "anyllm:llamacpp", "anyllm:llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides applied. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv], and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays well-known environment variables onto cfg. Environment
// values win over file values so that deployments can keep credentials out
// of the config file.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.BaseURL, "BASE_URL")

	setString(&cfg.Redis.Host, "REDIS_HOST")
	setInt(&cfg.Redis.Port, "REDIS_PORT")
	setString(&cfg.Redis.AccessKey, "REDIS_ACCESS_KEY")
	setBool(&cfg.Redis.Cluster, "REDIS_USE_CLUSTER")

	setString(&cfg.LLM.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&cfg.LLM.APIKey, "AZURE_OPENAI_KEY")
	setString(&cfg.LLM.APIVersion, "AZURE_OPENAI_API_VERSION")
	setString(&cfg.LLM.Deployment, "AZURE_OPENAI_CHAT_DEPLOYMENT_ID")

	setString(&cfg.Speech.Key, "AZURE_SPEECH_KEY")
	setString(&cfg.Speech.Region, "AZURE_SPEECH_REGION")

	setString(&cfg.Telecom.ConnectionString, "ACS_CONNECTION_STRING")
	setString(&cfg.Telecom.SourceNumber, "ACS_SOURCE_PHONE_NUMBER")
	setString(&cfg.Telecom.Endpoint, "ACS_ENDPOINT")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Pools
	for name, p := range map[string]PoolConfig{"pools.stt": cfg.Pools.STT, "pools.tts": cfg.Pools.TTS} {
		if p.Dedicated < 0 || p.Shared < 0 || p.Overflow < 0 {
			errs = append(errs, fmt.Errorf("%s tier sizes must be non-negative", name))
		}
		if p.AcquireTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s.acquire_timeout must be non-negative", name))
		}
	}

	// LLM provider name — warn for unknown names, they may be third-party.
	if name := cfg.LLM.Provider; name != "" && !slices.Contains(ValidLLMProviders, name) {
		slog.Warn("unknown llm provider name — may be a typo or third-party provider",
			"name", name,
			"known", ValidLLMProviders,
		)
	}
	if cfg.LLM.Provider == "azure-openai" {
		if cfg.LLM.Endpoint == "" {
			errs = append(errs, errors.New("llm.endpoint is required for the azure-openai provider"))
		}
		if cfg.LLM.Deployment == "" {
			errs = append(errs, errors.New("llm.deployment is required for the azure-openai provider"))
		}
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}

	// Speech
	if rate := cfg.Speech.TelephonySampleRate; rate != 0 && !validSampleRate(rate) {
		errs = append(errs, fmt.Errorf("speech.telephony_sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", rate))
	}
	if rate := cfg.Speech.BrowserSampleRate; rate != 0 && !validSampleRate(rate) {
		errs = append(errs, fmt.Errorf("speech.browser_sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", rate))
	}

	// Availability warnings — the gateway starts without these, but the
	// matching surface will reject sessions.
	if cfg.Speech.Key == "" || cfg.Speech.Region == "" {
		slog.Warn("speech.key or speech.region is empty; recogniser and synthesiser pools will not start")
	}
	if cfg.Telecom.ConnectionString == "" {
		slog.Warn("telecom.connection_string is empty; telephony calls will not be answered")
	}

	return errors.Join(errs...)
}

// validSampleRate reports whether rate is one the synthesis formats support.
func validSampleRate(rate int) bool {
	switch rate {
	case 8000, 16000, 24000, 48000:
		return true
	}
	return false
}

func setString(dest *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func setInt(dest *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment override", "key", key, "value", v)
		return
	}
	*dest = n
}

func setBool(dest *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring non-boolean environment override", "key", key, "value", v)
		return
	}
	*dest = b
}

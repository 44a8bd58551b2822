// Command voxgate is the main entry point for the voxgate voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxgate/voxgate/internal/app"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/llm/anyllm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	oaillm "github.com/voxgate/voxgate/pkg/provider/llm/openai"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttazure "github.com/voxgate/voxgate/pkg/provider/stt/azure"
	"github.com/voxgate/voxgate/pkg/provider/stt/deepgram"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsazure "github.com/voxgate/voxgate/pkg/provider/tts/azure"
	"github.com/voxgate/voxgate/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var logLevel slog.LevelVar
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	// Only safe fields are applied live; pool sizes and credentials still
	// require a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Compare(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
		}
		application.ApplyConfig(d, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("gateway ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("azure-openai", func(cfg config.LLMConfig) (llm.Provider, error) {
		return oaillm.New(cfg.APIKey, cfg.Deployment, oaillm.WithAzure(cfg.Endpoint, cfg.APIVersion))
	})

	reg.RegisterLLM("openai", func(cfg config.LLMConfig) (llm.Provider, error) {
		var opts []oaillm.Option
		if cfg.Endpoint != "" {
			opts = append(opts, oaillm.WithBaseURL(cfg.Endpoint))
		}
		return oaillm.New(cfg.APIKey, cfg.Deployment, opts...)
	})

	// The anyllm backends share one factory pattern: optional APIKey plus
	// optional BaseURL, with the backend name after the "anyllm:" prefix.
	for _, name := range []string{
		"ollama", "anthropic", "gemini", "mistral",
		"groq", "deepseek", "llamacpp", "llamafile",
	} {
		backend := name
		reg.RegisterLLM("anyllm:"+name, func(cfg config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if cfg.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
			}
			if cfg.Endpoint != "" {
				opts = append(opts, anyllmlib.WithBaseURL(cfg.Endpoint))
			}
			return anyllm.New(backend, cfg.Deployment, opts...)
		})
	}

	reg.RegisterLLM("mock", func(cfg config.LLMConfig) (llm.Provider, error) {
		return &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "This is a mock reply. "}}}, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("azure", func(cfg config.SpeechConfig) (stt.Provider, error) {
		var opts []sttazure.Option
		if cfg.Language != "" {
			opts = append(opts, sttazure.WithLanguage(cfg.Language))
		}
		if cfg.SilenceTimeout > 0 {
			opts = append(opts, sttazure.WithSilenceTimeout(cfg.SilenceTimeout))
		}
		return sttazure.New(cfg.Key, cfg.Region, opts...)
	})

	reg.RegisterSTT("deepgram", func(cfg config.SpeechConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if cfg.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.Language))
		}
		return deepgram.New(cfg.Key, opts...)
	})

	reg.RegisterSTT("mock", func(cfg config.SpeechConfig) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("azure", func(cfg config.SpeechConfig) (tts.Provider, error) {
		return ttsazure.New(cfg.Key, cfg.Region)
	})

	reg.RegisterTTS("elevenlabs", func(cfg config.SpeechConfig) (tts.Provider, error) {
		return elevenlabs.New(cfg.Key)
	})

	reg.RegisterTTS("mock", func(cfg config.SpeechConfig) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
}

// buildProviders instantiates the providers cfg selects. The speech providers
// fall back to mocks when no speech key is configured so the gateway still
// starts for local development.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	llmName := cfg.LLM.Provider
	if llmName == "" {
		slog.Warn("llm.provider is empty; using the mock completion backend")
		llmName = "mock"
	}
	llmProvider, err := reg.CreateLLM(withProviderName(cfg.LLM, llmName))
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", llmName, err)
	}
	ps.LLM = llmProvider
	slog.Info("provider created", "kind", "llm", "name", llmName)

	sttName := speechProviderName(cfg.Speech.STTProvider, cfg)
	sttProvider, err := reg.CreateSTT(sttName, cfg.Speech)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", sttName, err)
	}
	ps.STT = sttProvider
	slog.Info("provider created", "kind", "stt", "name", sttName)

	ttsName := speechProviderName(cfg.Speech.TTSProvider, cfg)
	ttsProvider, err := reg.CreateTTS(ttsName, cfg.Speech)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", ttsName, err)
	}
	ps.TTS = ttsProvider
	slog.Info("provider created", "kind", "tts", "name", ttsName)

	return ps, nil
}

// withProviderName returns a copy of cfg with Provider set to name, so
// fallback selection does not mutate the loaded config.
func withProviderName(cfg config.LLMConfig, name string) config.LLMConfig {
	cfg.Provider = name
	return cfg
}

// speechProviderName resolves a speech provider selection: an explicit name
// wins, otherwise azure when credentials are present, mock when they are not.
func speechProviderName(explicit string, cfg *config.Config) string {
	if explicit != "" {
		return explicit
	}
	if cfg.Speech.Key == "" || cfg.Speech.Region == "" {
		slog.Warn("speech.key or speech.region is empty; using a mock speech provider")
		return "mock"
	}
	return "azure"
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("LLM", orDefault(cfg.LLM.Provider, "mock")+slashNonEmpty(cfg.LLM.Deployment))
	printField("Speech region", orDefault(cfg.Speech.Region, "(mock)"))
	printField("STT pool", fmt.Sprintf("%d/%d/%d", cfg.Pools.STT.Dedicated, cfg.Pools.STT.Shared, cfg.Pools.STT.Overflow))
	printField("TTS pool", fmt.Sprintf("%d/%d/%d", cfg.Pools.TTS.Dedicated, cfg.Pools.TTS.Shared, cfg.Pools.TTS.Overflow))
	if cfg.Telecom.ConnectionString != "" {
		printField("Telephony", "configured")
	} else {
		printField("Telephony", "(disabled)")
	}
	if cfg.Telecom.ValidationCode != "" {
		printField("DTMF gate", "armed")
	}
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, value)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func slashNonEmpty(v string) string {
	if v == "" {
		return ""
	}
	return " / " + v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

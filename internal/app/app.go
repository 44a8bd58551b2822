// Package app wires all voxgate subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP and websocket surfaces until the context
// is cancelled, and Shutdown tears everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithStore,
// WithDirectory, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/browser"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/conn"
	"github.com/voxgate/voxgate/internal/dtmf"
	"github.com/voxgate/voxgate/internal/egress"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/kv"
	"github.com/voxgate/voxgate/internal/media"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/pool"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/tools"
	"github.com/voxgate/voxgate/internal/turn"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. All three are
// required; main.go populates them via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes and serves the gateway surfaces.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger
	metrics   *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	store     kv.Store
	sessions  *session.Manager
	conns     *conn.Manager
	sttPool   *pool.Pool[stt.Engine]
	ttsPool   *pool.Pool[tts.Engine]
	speaker   *egress.Speaker
	directory tools.Directory
	registry  *tools.Registry
	router    *turn.Router
	media     *media.Handler
	browser   *browser.Handler
	health    *health.Handler
	server    *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of connecting one from config.
func WithStore(s kv.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDirectory injects the patient directory backing the built-in tools.
func WithDirectory(d tools.Directory) Option {
	return func(a *App) { a.directory = d }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger injects the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, fmt.Errorf("app: llm, stt, and tts providers are all required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Registries ────────────────────────────────────────────────────
	a.sessions = session.NewManager(a.store, cfg.Sessions.MaxHistory)
	a.conns = conn.NewManager()

	// ── 3. Engine pools ──────────────────────────────────────────────────
	if err := a.initPools(ctx); err != nil {
		return nil, fmt.Errorf("app: init pools: %w", err)
	}

	// ── 4. Egress + tools + turn router ──────────────────────────────────
	a.initPipeline()

	// ── 5. Session lifecycles ────────────────────────────────────────────
	a.initLifecycles()

	// ── 6. Health + HTTP surface ─────────────────────────────────────────
	a.health = health.New(
		health.StoreChecker(a.store),
		health.PoolChecker("stt_pool", a.sttPool.Degraded),
		health.PoolChecker("tts_pool", a.ttsPool.Degraded),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the KV store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	port := a.cfg.Redis.Port
	if port == 0 {
		port = 6379
	}
	store, err := kv.NewRedis(ctx, kv.RedisConfig{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.Redis.Host, port),
		Cluster: a.cfg.Redis.Cluster,
		TLS:     a.cfg.Redis.TLS,
	},
		kv.WithPrefix(a.cfg.Redis.Prefix),
		kv.WithTTL(a.cfg.Redis.TTL),
		kv.WithCredentialProvider(kv.StaticCredentials{Password: a.cfg.Redis.AccessKey}),
	)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initPools builds and preallocates the recogniser and synthesiser pools.
func (a *App) initPools(ctx context.Context) error {
	var err error
	a.sttPool, err = pool.New(pool.Config[stt.Engine]{
		Name:           "stt",
		Dedicated:      a.cfg.Pools.STT.Dedicated,
		Shared:         a.cfg.Pools.STT.Shared,
		Overflow:       a.cfg.Pools.STT.Overflow,
		AcquireTimeout: a.cfg.Pools.STT.AcquireTimeout,
		New:            func(ctx context.Context) (stt.Engine, error) { return a.providers.STT.NewEngine(ctx) },
		Healthy:        func(e stt.Engine) bool { return e.Healthy() },
		Close:          func(e stt.Engine) error { return e.Close() },
		Metrics:        a.metrics,
	})
	if err != nil {
		return fmt.Errorf("stt pool: %w", err)
	}
	a.ttsPool, err = pool.New(pool.Config[tts.Engine]{
		Name:           "tts",
		Dedicated:      a.cfg.Pools.TTS.Dedicated,
		Shared:         a.cfg.Pools.TTS.Shared,
		Overflow:       a.cfg.Pools.TTS.Overflow,
		AcquireTimeout: a.cfg.Pools.TTS.AcquireTimeout,
		New:            func(ctx context.Context) (tts.Engine, error) { return a.providers.TTS.NewEngine(ctx) },
		Healthy:        func(e tts.Engine) bool { return e.Healthy() },
		Close:          func(e tts.Engine) error { return e.Close() },
		Metrics:        a.metrics,
	})
	if err != nil {
		return fmt.Errorf("tts pool: %w", err)
	}

	if err := a.sttPool.Start(ctx); err != nil {
		return fmt.Errorf("preallocate stt pool: %w", err)
	}
	if err := a.ttsPool.Start(ctx); err != nil {
		return fmt.Errorf("preallocate tts pool: %w", err)
	}
	a.closers = append(a.closers, a.sttPool.Close, a.ttsPool.Close)
	return nil
}

// initPipeline wires the egress speaker, the tool registry, and the turn
// router.
func (a *App) initPipeline() {
	a.speaker = egress.NewSpeaker(a.ttsPool,
		egress.WithMetrics(a.metrics),
		egress.WithLogger(a.logger),
	)

	if a.directory == nil {
		a.directory = tools.NewMockDirectory()
	}
	a.registry = tools.NewBuiltinRegistry(a.directory)

	routerOpts := []turn.Option{
		turn.WithVoice(a.voice()),
		turn.WithSampling(a.cfg.LLM.Temperature, a.cfg.LLM.MaxTokens),
		turn.WithCancelGrace(a.cfg.Sessions.CancelGrace),
		turn.WithMetrics(a.metrics),
		turn.WithLogger(a.logger),
	}
	if len(a.cfg.Agent.StopWords) > 0 {
		routerOpts = append(routerOpts, turn.WithStopWords(a.cfg.Agent.StopWords))
	}
	if a.cfg.Telecom.ValidationCode != "" {
		routerOpts = append(routerOpts, turn.WithGate(a.gateOpen))
	}
	a.router = turn.NewRouter(a.providers.LLM, a.registry, a.conns, a.speaker, routerOpts...)
}

// initLifecycles wires the telephony and browser session handlers.
func (a *App) initLifecycles() {
	telephonyRate := a.cfg.Speech.TelephonySampleRate
	if telephonyRate == 0 {
		telephonyRate = 16000
	}
	browserRate := a.cfg.Speech.BrowserSampleRate
	if browserRate == 0 {
		browserRate = 24000
	}

	a.media = media.NewHandler(a.sessions, a.conns, a.sttPool, a.speaker, a.router, a.store, media.Config{
		Greeting:       a.cfg.Agent.Greeting,
		SystemPrompt:   a.cfg.Agent.SystemPrompt,
		Voice:          a.voice(),
		SampleRate:     telephonyRate,
		Language:       a.cfg.Speech.Language,
		SilenceTimeout: a.cfg.Speech.SilenceTimeout,
		ExpectedDTMF:   a.cfg.Telecom.ValidationCode,
	}, a.metrics, a.logger)

	a.browser = browser.NewHandler(a.sessions, a.conns, a.sttPool, a.speaker, a.router, browser.Config{
		Greeting:       a.cfg.Agent.Greeting,
		SystemPrompt:   a.cfg.Agent.SystemPrompt,
		Voice:          a.voice(),
		SampleRate:     browserRate,
		Language:       a.cfg.Speech.Language,
		SilenceTimeout: a.cfg.Speech.SilenceTimeout,
	}, a.metrics, a.logger)
}

// voice builds the synthesis voice from config.
func (a *App) voice() tts.Voice {
	return tts.Voice{
		Name:  a.cfg.Agent.Voice.Name,
		Style: a.cfg.Agent.Voice.Style,
		Rate:  a.cfg.Agent.Voice.Rate,
	}
}

// ApplyConfig applies hot-reloadable settings to the running gateway. New
// sessions pick up the changed greeting, prompt, and voice; live sessions
// keep the values they started with.
func (a *App) ApplyConfig(d config.Diff, cfg *config.Config) {
	if d.GreetingChanged || d.PromptChanged || d.VoiceChanged {
		voice := tts.Voice{
			Name:  cfg.Agent.Voice.Name,
			Style: cfg.Agent.Voice.Style,
			Rate:  cfg.Agent.Voice.Rate,
		}
		a.media.UpdateAgent(cfg.Agent.Greeting, cfg.Agent.SystemPrompt, voice)
		a.browser.UpdateAgent(cfg.Agent.Greeting, cfg.Agent.SystemPrompt, voice)
		if d.VoiceChanged {
			a.router.SetVoice(voice)
		}
	}
	if d.StopWordsChanged {
		a.router.SetStopWords(cfg.Agent.StopWords)
	}
	a.logger.Info("configuration applied",
		slog.Bool("greeting", d.GreetingChanged),
		slog.Bool("prompt", d.PromptChanged),
		slog.Bool("voice", d.VoiceChanged),
		slog.Bool("stop_words", d.StopWordsChanged),
	)
}

// gateOpen reports whether the session may reach the model. Browser sessions
// are never gated; telephony sessions are gated until DTMF validation opens
// the gate for the call.
func (a *App) gateOpen(sessionID string) bool {
	entry, ok := a.sessions.Get(sessionID)
	if !ok {
		return true
	}
	if entry.State.Kind != session.KindTelephony {
		return true
	}
	return dtmf.GateOpen(entry.Memory)
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

// routes builds the gateway's HTTP mux with the observability middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/conversation", a.handleConversationWS)
	mux.HandleFunc("GET /ws/media", a.handleMediaWS)
	mux.HandleFunc("GET /ws/dashboard", a.handleDashboardWS)
	return observe.Middleware(a.metrics)(mux)
}

// handleConversationWS serves the browser surface. session_id is optional; a
// missing one gets a fresh UUID.
func (a *App) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("conversation accept failed", slog.Any("err", err))
		return
	}
	defer c.CloseNow()

	a.metrics.ActiveConnections.Add(r.Context(), 1)
	defer a.metrics.ActiveConnections.Add(context.Background(), -1)

	sessionID := r.URL.Query().Get("session_id")
	if err := a.browser.Handle(r.Context(), c, sessionID); err != nil {
		a.logger.Error("browser session failed", slog.String("session_id", sessionID), slog.Any("err", err))
	}
}

// handleMediaWS serves the telephony media surface. call_id is required; it
// doubles as the session id.
func (a *App) handleMediaWS(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("media accept failed", slog.String("call_id", callID), slog.Any("err", err))
		return
	}
	defer c.CloseNow()

	a.metrics.ActiveConnections.Add(r.Context(), 1)
	defer a.metrics.ActiveConnections.Add(context.Background(), -1)

	if err := a.media.Handle(r.Context(), c, callID); err != nil {
		a.logger.Error("media session failed", slog.String("call_id", callID), slog.Any("err", err))
	}
}

// dashboardInterval is the stats push cadence for dashboard clients.
const dashboardInterval = 5 * time.Second

// statsEnvelope is the periodic dashboard payload.
type statsEnvelope struct {
	Type        string        `json:"type"`
	Connections conn.Stats    `json:"connections"`
	Sessions    int           `json:"sessions"`
	STTPool     pool.Snapshot `json:"stt_pool"`
	TTSPool     pool.Snapshot `json:"tts_pool"`
}

func (a *App) stats() statsEnvelope {
	return statsEnvelope{
		Type:        "stats",
		Connections: a.conns.Stats(),
		Sessions:    a.sessions.Len(),
		STTPool:     a.sttPool.SnapshotState(),
		TTSPool:     a.ttsPool.SnapshotState(),
	}
}

// handleDashboardWS pushes registry and pool stats to a dashboard client
// until it disconnects.
func (a *App) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("dashboard accept failed", slog.Any("err", err))
		return
	}
	defer c.CloseNow()

	connID := a.conns.Register(conn.WrapWebsocket(c), conn.KindDashboard, []string{"dashboard"}, "")
	defer a.conns.Unregister(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Dashboards only listen; the read loop just detects disconnect.
	go func() {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	a.conns.SendToConnection(ctx, connID, a.stats())
	ticker := time.NewTicker(dashboardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.conns.SendToConnection(ctx, connID, a.stats())
		}
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves the gateway until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	a.logger.Info("gateway running", slog.String("addr", a.cfg.Server.ListenAddr))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", slog.Int("closers", len(a.closers)))

		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown error", slog.Any("err", err))
		}
		a.conns.CloseAll("server shutting down")

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", slog.Int("remaining", i+1))
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", slog.Int("index", i), slog.Any("err", err))
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

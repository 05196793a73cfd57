// Package app wires all callcore subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithRepository,
// WithBus, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusmiracle/callcore/internal/config"
	"github.com/nexusmiracle/callcore/internal/events"
	"github.com/nexusmiracle/callcore/internal/filler"
	"github.com/nexusmiracle/callcore/internal/health"
	"github.com/nexusmiracle/callcore/internal/observe"
	"github.com/nexusmiracle/callcore/internal/pipeline"
	"github.com/nexusmiracle/callcore/internal/resilience"
	"github.com/nexusmiracle/callcore/internal/session"
	"github.com/nexusmiracle/callcore/internal/store"
	"github.com/nexusmiracle/callcore/internal/telephony"
	"github.com/nexusmiracle/callcore/pkg/audio"
	"github.com/nexusmiracle/callcore/pkg/audio/vad"
	"github.com/nexusmiracle/callcore/pkg/provider/asr"
	"github.com/nexusmiracle/callcore/pkg/provider/llm"
	"github.com/nexusmiracle/callcore/pkg/provider/tts"
)

// Capability fallback utterances, played when the breaker rejects a call.
const (
	asrFallbackText = "عذراً، ما سمعتك زين. ممكن تعيد؟"
	llmFallbackText = "النظام مشغول حالياً، لحظة من فضلك"
	ttsFallbackText = "عذراً، في مشكلة تقنية. ممكن تعيد من فضلك؟"
)

// Providers holds one interface value per capability slot. Nil means the
// capability is not configured; its breaker then starts permanently open and
// callers hear the fallback utterance instead. Populated by main.go from the
// config.
type Providers struct {
	ASR asr.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Calls is the carrier command client. Nil disables carrier commands
	// (answer, hangup); webhooks are still processed.
	Calls *telephony.CallControl
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	bus      *events.Bus
	repo     store.Repository
	fillers  *filler.Cache
	metrics  *observe.Metrics
	breakers map[string]*resilience.CircuitBreaker
	sessions *session.Manager
	orch     *pipeline.Orchestrator
	ctrl     *telephony.Controller
	media    *telephony.MediaServer
	srv      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRepository injects a clinic store instead of creating one from config.
func WithRepository(r store.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithBus injects an event bus instead of creating a fresh one.
func WithBus(b *events.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithFillers injects a filler catalogue instead of loading one from config.
func WithFillers(c *filler.Cache) Option {
	return func(a *App) { a.fillers = c }
}

// WithMetrics injects a metrics instance instead of using the package
// default. Tests use this to avoid cross-test pollution of the global
// provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles for any
// subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.bus == nil {
		a.bus = events.NewBus()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initFillers()
	a.initBreakers()
	a.initSessions()

	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.initTelephony()
	a.initGauges()
	a.initHTTP()

	return a, nil
}

// initStore connects the clinic repository: PostgreSQL when a DSN is
// configured, the seeded in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.repo = seededMem()
		slog.Info("using in-memory clinic store")
		return nil
	}

	pg, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	a.repo = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// seededMem builds the in-memory store with the clinic's default roster so
// development runs have data to talk about.
func seededMem() *store.Mem {
	m := store.NewMem()
	m.SeedDoctors(
		store.Doctor{ID: 1, Name: "Dr. Ahmed Al-Rashid", NameAr: "د. أحمد الراشد", Specialty: "Dermatology", SpecialtyAr: "جلدية", Branch: "الرياض - العليا", Status: "active"},
		store.Doctor{ID: 2, Name: "Dr. Fatima Al-Zahrani", NameAr: "د. فاطمة الزهراني", Specialty: "Dentistry", SpecialtyAr: "أسنان", Branch: "الرياض - العليا", Status: "active"},
		store.Doctor{ID: 3, Name: "Dr. Khalid Al-Otaibi", NameAr: "د. خالد العتيبي", Specialty: "Plastic Surgery", SpecialtyAr: "جراحة تجميل", Branch: "الرياض - النخيل", Status: "active"},
	)
	m.SeedInsurance(
		store.Insurance{ID: 1, CompanyName: "Bupa Arabia", CompanyNameAr: "بوبا العربية", Covered: true, CoveragePercent: 80, CopaySAR: 50},
		store.Insurance{ID: 2, CompanyName: "Tawuniya", CompanyNameAr: "التعاونية", Covered: true, CoveragePercent: 70, CopaySAR: 75},
		store.Insurance{ID: 3, CompanyName: "MedGulf", CompanyNameAr: "ميدغلف", Covered: false},
	)
	return m
}

// initFillers loads the filler catalogue from disk, falling back to the
// built-in phrases.
func (a *App) initFillers() {
	if a.fillers != nil {
		return
	}
	dir := a.cfg.Fillers.Dir
	if dir == "" {
		a.fillers = filler.Default()
		return
	}
	c, err := filler.Load(dir)
	if err != nil {
		slog.Warn("load filler catalogue, using defaults", "dir", dir, "error", err)
		c = filler.Default()
	}
	a.fillers = c
}

// initBreakers creates one circuit breaker per capability. A capability
// without a provider gets a permanently open breaker so the pipeline always
// has a uniform failure path.
func (a *App) initBreakers() {
	build := func(service, fallback string, available bool) *resilience.CircuitBreaker {
		cfg := resilience.Config{Service: service, FallbackText: fallback}
		if !available {
			return resilience.NewDisabled(cfg)
		}
		return resilience.New(cfg)
	}
	a.breakers = map[string]*resilience.CircuitBreaker{
		"asr": build("asr", asrFallbackText, a.providers.ASR != nil),
		"llm": build("llm", llmFallbackText, a.providers.LLM != nil),
		"tts": build("tts", ttsFallbackText, a.providers.TTS != nil),
	}
}

// initSessions creates the session manager.
func (a *App) initSessions() {
	a.sessions = session.NewManager(session.Config{
		MaxConcurrentCalls: a.cfg.Calls.MaxConcurrent,
		MaxCallDuration:    a.cfg.Calls.MaxDuration(),
		SystemPrompt:       a.cfg.Pipeline.SystemPrompt,
	}, a.bus)
}

// initPipeline creates the turn orchestrator. Missing providers are replaced
// with stand-ins that are never reached because their breakers start open.
func (a *App) initPipeline() error {
	voices := make(map[string]tts.Voice, len(a.cfg.Personas))
	for name, v := range a.cfg.Personas {
		voices[name] = tts.Voice{ID: v.VoiceID, Stability: v.Stability, Similarity: v.Similarity}
	}

	asrP := a.providers.ASR
	if asrP == nil {
		asrP = unavailableASR{}
	}
	llmP := a.providers.LLM
	if llmP == nil {
		llmP = unavailableLLM{}
	}
	ttsP := a.providers.TTS
	if ttsP == nil {
		ttsP = unavailableTTS{}
	}

	orch, err := pipeline.New(pipeline.Config{
		ASR:         asrP,
		LLM:         llmP,
		TTS:         ttsP,
		ASRBreaker:  a.breakers["asr"],
		LLMBreaker:  a.breakers["llm"],
		TTSBreaker:  a.breakers["tts"],
		Fillers:     a.fillers,
		Repo:        a.repo,
		Bus:         a.bus,
		Voices:      voices,
		Language:    a.cfg.Pipeline.Language,
		FillerDelay: a.cfg.Pipeline.ResponseTimeout(),
		Metrics:     a.metrics,
		OnEndCall:   a.endCall,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// endCall hangs up on the carrier side and tears down the session. Invoked
// by the pipeline when a response segment carries the end_call action.
func (a *App) endCall(callControlID string) {
	if a.providers.Calls != nil {
		if err := a.providers.Calls.Hangup(context.Background(), callControlID); err != nil {
			slog.Warn("hangup after end_call", "call_control_id", callControlID, "error", err)
		}
	}
	a.sessions.End(callControlID, "agent ended call")
}

// initTelephony creates the webhook controller and media WebSocket server.
func (a *App) initTelephony() {
	a.ctrl = telephony.NewController(a.sessions, a.providers.Calls, a.cfg.Server.WebhookBaseURL)
	a.media = telephony.NewMediaServer(a.sessions, a.orch, vad.NewEnergyEngine(), vad.Config{
		SampleRate:      audio.AISampleRate,
		FrameSizeMs:     audio.ChunkDurationMs,
		SpeechThreshold: a.cfg.VAD.SpeechThreshold,
		MinSilence:      a.cfg.VAD.MinSilence(),
	})
}

// initGauges keeps the active-call gauge in step with call lifecycle events.
func (a *App) initGauges() {
	a.bus.Subscribe(events.CallStarted, func(events.Event) {
		a.metrics.CallStarted(context.Background())
	})
	a.bus.Subscribe(events.CallEnded, func(events.Event) {
		a.metrics.CallEnded(context.Background())
	})
}

// initHTTP assembles the route table. The media and admin-event WebSockets
// bypass the observability middleware; wrapping them would break the
// connection hijack.
func (a *App) initHTTP() {
	mw := observe.Middleware(a.metrics)
	wrap := func(h http.HandlerFunc) http.Handler { return mw(h) }

	mux := http.NewServeMux()

	// Carrier surface.
	mux.Handle("POST /telephony/webhook", wrap(a.ctrl.HandleWebhook))
	mux.HandleFunc("/media/{call_control_id}", a.media.Handle)

	// Admin surface.
	mux.Handle("GET /telephony", wrap(a.handleTelephonyStatus))
	mux.Handle("POST /telephony/answer", wrap(a.ctrl.HandleAnswer))
	mux.Handle("POST /telephony/hangup", wrap(a.ctrl.HandleHangup))
	mux.Handle("GET /stats", wrap(a.handleStats))
	mux.Handle("GET /events/history", wrap(a.handleEventHistory))
	mux.HandleFunc("GET /ws/events", a.bus.ServeWS)

	// Probes and metrics.
	checkers := []health.Checker{health.Breakers(a.breakers)}
	if p, ok := a.repo.(health.Pinger); ok {
		checkers = append([]health.Checker{health.Database(p)}, checkers...)
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.srv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: mux,
	}
}

// Handler returns the server's route table, for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

// handleTelephonyStatus reports live calls and media stream connections.
func (a *App) handleTelephonyStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"active_calls":  a.sessions.Count(),
		"media_streams": a.media.Connections(),
	})
}

// handleStats reports pipeline activity counters.
func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.orch.Stats())
}

// handleEventHistory returns recent bus events, optionally filtered by type.
func (a *App) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	t := events.Type(r.URL.Query().Get("type"))
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, a.bus.History(t, limit))
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Shutdown ends all calls, stops the HTTP server, and closes subsystems in
// order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.sessions.EndAll("server shutdown")
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Command callcore is the main entry point for the Nexus Miracle voice
// contact-center server.
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

	"github.com/nexusmiracle/callcore/internal/app"
	"github.com/nexusmiracle/callcore/internal/config"
	"github.com/nexusmiracle/callcore/internal/observe"
	"github.com/nexusmiracle/callcore/internal/telephony"
	"github.com/nexusmiracle/callcore/pkg/provider/asr"
	"github.com/nexusmiracle/callcore/pkg/provider/asr/deepgram"
	"github.com/nexusmiracle/callcore/pkg/provider/asr/whisper"
	"github.com/nexusmiracle/callcore/pkg/provider/llm"
	"github.com/nexusmiracle/callcore/pkg/provider/llm/anyllm"
	"github.com/nexusmiracle/callcore/pkg/provider/tts"
	"github.com/nexusmiracle/callcore/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callcore: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callcore: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callcore starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry providers (metrics via the Prometheus bridge, traces).
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "callcore",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders instantiates every capability that has credentials. A
// missing key leaves the slot nil; the app then runs that capability with a
// permanently open breaker.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	p := &app.Providers{}

	if entry := cfg.Providers.ASR; entry.APIKey != "" {
		prov, err := buildASR(entry, cfg.Pipeline.Language)
		if err != nil {
			return nil, fmt.Errorf("asr provider %q: %w", entry.Name, err)
		}
		p.ASR = prov
		slog.Info("asr provider ready", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.LLM; entry.APIKey != "" {
		prov, err := buildLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("llm provider %q: %w", entry.Name, err)
		}
		p.LLM = prov
		slog.Info("llm provider ready", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.TTS; entry.APIKey != "" {
		prov, err := buildTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("tts provider %q: %w", entry.Name, err)
		}
		p.TTS = prov
		slog.Info("tts provider ready", "name", entry.Name, "model", entry.Model)
	}

	if cfg.Providers.TelnyxAPIKey != "" {
		calls, err := telephony.NewCallControl(cfg.Providers.TelnyxAPIKey)
		if err != nil {
			return nil, fmt.Errorf("call control: %w", err)
		}
		p.Calls = calls
		slog.Info("carrier call control ready")
	}

	return p, nil
}

func buildASR(entry config.ProviderEntry, language string) (asr.Provider, error) {
	switch entry.Name {
	case "", "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if language != "" {
			opts = append(opts, deepgram.WithLanguage(language))
		}
		return deepgram.New(entry.APIKey, opts...)
	case "whisper":
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if language != "" {
			opts = append(opts, whisper.WithLanguage(language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, whisper.WithBaseURL(entry.BaseURL))
		}
		return whisper.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown asr provider %q", entry.Name)
	}
}

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	name := entry.Name
	if name == "" {
		name = "gemini"
	}
	opts := []anyllmlib.Option{anyllmlib.WithAPIKey(entry.APIKey)}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(name, entry.Model, opts...)
}

func buildTTS(entry config.ProviderEntry) (tts.Provider, error) {
	switch entry.Name {
	case "", "elevenlabs":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level.SlogLevel(),
	})
	return slog.New(h)
}

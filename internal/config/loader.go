package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"deepgram", "whisper"},
	"llm": {"gemini", "openai", "anthropic", "mistral", "groq", "ollama"},
	"tts": {"elevenlabs"},
}

// secretEnv maps environment variable names to the config field they
// override. Secrets set in the environment win over the YAML file.
var secretEnv = map[string]func(*Config, string){
	"TELNYX_API_KEY":     func(c *Config, v string) { c.Providers.TelnyxAPIKey = v },
	"DEEPGRAM_API_KEY":   func(c *Config, v string) { c.Providers.ASR.APIKey = v },
	"OPENAI_API_KEY":     func(c *Config, v string) { c.Providers.LLM.APIKey = v },
	"GEMINI_API_KEY":     func(c *Config, v string) { c.Providers.LLM.APIKey = v },
	"ELEVENLABS_API_KEY": func(c *Config, v string) { c.Providers.TTS.APIKey = v },
	"POSTGRES_DSN":       func(c *Config, v string) { c.Database.PostgresDSN = v },
}

// Load reads the YAML configuration file at path, applies environment
// overrides for secrets, and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv copies secret values from the environment into cfg. Only
// non-empty variables override the file.
func applyEnv(cfg *Config) {
	// GEMINI_API_KEY and OPENAI_API_KEY both target the LLM key; the one
	// matching the configured provider wins.
	for name, set := range secretEnv {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		if name == "OPENAI_API_KEY" && cfg.Providers.LLM.Name != "openai" {
			continue
		}
		if name == "GEMINI_API_KEY" && cfg.Providers.LLM.Name != "gemini" {
			continue
		}
		set(cfg, v)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WebhookBaseURL == "" {
		slog.Warn("server.webhook_base_url is empty; the carrier cannot be told where to stream media")
	}

	if cfg.VAD.SpeechThreshold <= 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range (0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.MinSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_ms %d must be positive", cfg.VAD.MinSilenceMs))
	}

	if cfg.Pipeline.ResponseTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.response_timeout_ms %d must be positive", cfg.Pipeline.ResponseTimeoutMs))
	}

	if cfg.Calls.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("calls.max_concurrent %d must be positive", cfg.Calls.MaxConcurrent))
	}
	if cfg.Calls.MaxDurationMinutes <= 0 {
		errs = append(errs, fmt.Errorf("calls.max_duration_minutes %d must be positive", cfg.Calls.MaxDurationMinutes))
	}

	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Missing keys degrade the capability rather than stop the server;
	// the breaker starts open and the caller hears the fallback line.
	if cfg.Providers.TelnyxAPIKey == "" {
		slog.Warn("providers.telnyx_api_key is empty; carrier commands will be disabled")
	}
	if cfg.Providers.ASR.APIKey == "" {
		slog.Warn("asr api key is empty; transcription will run with its breaker open", "provider", cfg.Providers.ASR.Name)
	}
	if cfg.Providers.LLM.APIKey == "" {
		slog.Warn("llm api key is empty; responses will run with their breaker open", "provider", cfg.Providers.LLM.Name)
	}
	if cfg.Providers.TTS.APIKey == "" {
		slog.Warn("tts api key is empty; synthesis will run with its breaker open", "provider", cfg.Providers.TTS.Name)
	}

	for _, persona := range []string{"sara", "nexus"} {
		voice, ok := cfg.Personas[persona]
		if !ok {
			errs = append(errs, fmt.Errorf("personas.%s is required", persona))
			continue
		}
		if voice.VoiceID == "" {
			errs = append(errs, fmt.Errorf("personas.%s.voice_id is required", persona))
		}
		if voice.Stability < 0 || voice.Stability > 1 {
			errs = append(errs, fmt.Errorf("personas.%s.stability %.2f is out of range [0, 1]", persona, voice.Stability))
		}
		if voice.Similarity < 0 || voice.Similarity > 1 {
			errs = append(errs, fmt.Errorf("personas.%s.similarity %.2f is out of range [0, 1]", persona, voice.Similarity))
		}
	}

	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; using the seeded in-memory clinic store")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

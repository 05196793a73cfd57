// Package config provides the configuration schema and loader for the
// callcore voice server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the callcore server.
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

// SlogLevel maps l to the corresponding slog level. Unknown values map to
// info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for callcore.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	VAD       VADConfig       `yaml:"vad"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Calls     CallsConfig     `yaml:"calls"`
	Providers ProvidersConfig `yaml:"providers"`
	Personas  PersonasConfig  `yaml:"personas"`
	Database  DatabaseConfig  `yaml:"database"`
	Fillers   FillersConfig   `yaml:"fillers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// WebhookBaseURL is the public HTTPS base of this service as seen by
	// the carrier; the media stream URL announced on answer is derived
	// from it.
	WebhookBaseURL string `yaml:"webhook_base_url"`
}

// VADConfig tunes utterance segmentation on the inbound audio.
type VADConfig struct {
	// SpeechThreshold is the speech probability above which a frame
	// counts as speech, in (0, 1].
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// MinSilenceMs is how long the caller must stay quiet before the
	// utterance is considered finished.
	MinSilenceMs int `yaml:"min_silence_ms"`
}

// MinSilence returns the silence window as a duration.
func (v VADConfig) MinSilence() time.Duration {
	return time.Duration(v.MinSilenceMs) * time.Millisecond
}

// PipelineConfig tunes the conversation turn pipeline.
type PipelineConfig struct {
	// ResponseTimeoutMs is how long a turn may run before a searching
	// filler is played to cover the wait.
	ResponseTimeoutMs int `yaml:"response_timeout_ms"`

	// Language is the BCP-47 language hint passed to the speech
	// providers.
	Language string `yaml:"language"`

	// SystemPrompt overrides the built-in receptionist prompt when set.
	SystemPrompt string `yaml:"system_prompt"`
}

// ResponseTimeout returns the filler delay as a duration.
func (p PipelineConfig) ResponseTimeout() time.Duration {
	return time.Duration(p.ResponseTimeoutMs) * time.Millisecond
}

// CallsConfig bounds call admission and duration.
type CallsConfig struct {
	// MaxConcurrent is the admission cap on simultaneous calls.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxDurationMinutes is the hard ceiling on a single call.
	MaxDurationMinutes int `yaml:"max_duration_minutes"`
}

// MaxDuration returns the call duration cap as a duration.
func (c CallsConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMinutes) * time.Minute
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage, plus the carrier credentials.
type ProvidersConfig struct {
	// TelnyxAPIKey authenticates Call Control commands to the carrier.
	TelnyxAPIKey string `yaml:"telnyx_api_key"`

	ASR ProviderEntry `yaml:"asr"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "deepgram",
	// "gemini", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When
	// empty the capability starts with its circuit breaker permanently
	// open and callers hear the fallback utterance instead.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2",
	// "eleven_flash_v2_5").
	Model string `yaml:"model"`
}

// PersonasConfig maps persona names to their synthesis voices. The "sara"
// and "nexus" personas must be present.
type PersonasConfig map[string]PersonaVoice

// PersonaVoice holds the TTS voice parameters for one persona.
type PersonaVoice struct {
	VoiceID    string  `yaml:"voice_id"`
	Stability  float64 `yaml:"stability"`
	Similarity float64 `yaml:"similarity"`
}

// DatabaseConfig selects the clinic data store.
type DatabaseConfig struct {
	// PostgresDSN is the connection string for the clinic database. When
	// empty the server falls back to the seeded in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FillersConfig locates the filler phrase catalogue.
type FillersConfig struct {
	// Dir holds filler_phrases.json and pre-rendered audio. When empty
	// the built-in catalogue is used.
	Dir string `yaml:"dir"`
}

// Default returns a Config populated with the production defaults. Loading
// decodes on top of it, so omitted fields keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		VAD: VADConfig{
			SpeechThreshold: 0.5,
			MinSilenceMs:    500,
		},
		Pipeline: PipelineConfig{
			ResponseTimeoutMs: 800,
			Language:          "ar",
		},
		Calls: CallsConfig{
			MaxConcurrent:      100,
			MaxDurationMinutes: 30,
		},
		Providers: ProvidersConfig{
			ASR: ProviderEntry{Name: "deepgram", Model: "nova-2"},
			LLM: ProviderEntry{Name: "gemini", Model: "gemini-2.0-flash"},
			TTS: ProviderEntry{Name: "elevenlabs", Model: "eleven_flash_v2_5"},
		},
		Personas: PersonasConfig{
			"sara":  {VoiceID: "EXAVITQu4vr4xnSDxMaL", Stability: 0.5, Similarity: 0.75},
			"nexus": {VoiceID: "21m00Tcm4TlvDq8ikWAM", Stability: 0.6, Similarity: 0.75},
		},
	}
}

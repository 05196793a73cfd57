// Package asr defines the Provider interface for speech recognition backends.
//
// An ASR provider wraps a remote transcription service (e.g., Deepgram or
// OpenAI Whisper) and exposes a uniform interface for the turn pipeline. The
// primary entry point is Transcribe, which converts one buffered utterance
// into text. Providers that support live streaming additionally implement
// [StreamingProvider].
//
// Implementations must be safe for concurrent use; multiple calls may be
// transcribed in parallel.
package asr

import (
	"context"
	"time"
)

// Result is a finished transcription of one utterance.
type Result struct {
	// Text is the recognised transcript. May be empty when the audio carried
	// no intelligible speech.
	Text string

	// Confidence is the provider's confidence score (0.0–1.0), or 0 when the
	// provider does not report one.
	Confidence float64

	// Language is the BCP-47 language code the provider detected or was
	// configured with.
	Language string

	// Latency is the wall-clock duration of the provider call.
	Latency time.Duration
}

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe converts a single utterance of little-endian PCM16 16 kHz
	// mono audio into text. language is a BCP-47 hint; empty selects the
	// provider default.
	//
	// Implementations must respect ctx cancellation and return promptly when
	// the deadline passes.
	Transcribe(ctx context.Context, pcm []byte, language string) (*Result, error)
}

// StreamConfig configures a live streaming transcription session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Language is the BCP-47 language hint. Empty selects the provider default.
	Language string

	// MinBuffer is how much buffered speech triggers an interim result.
	MinBuffer time.Duration
}

// SessionHandle is a live streaming transcription session.
type SessionHandle interface {
	// SendAudio queues a PCM chunk for delivery to the provider. Returns an
	// error once the session is closed.
	SendAudio(chunk []byte) error

	// Results returns the channel of transcription results. The channel is
	// closed when the session ends.
	Results() <-chan Result

	// Close flushes pending audio and terminates the session. Calling Close
	// more than once is safe.
	Close() error
}

// StreamingProvider is implemented by backends that support live streaming
// transcription in addition to unary [Provider.Transcribe].
type StreamingProvider interface {
	Provider

	// StartStream opens a streaming transcription session.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

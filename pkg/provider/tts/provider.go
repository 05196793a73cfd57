// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents both a unary interface, which synthesizes one response segment
// into a PCM buffer, and a streaming interface whose first audio chunk can
// enter the playback sequencer while later chunks are still arriving.
//
// Implementations must be safe for concurrent use; multiple segments may be
// synthesized in parallel.
package tts

import "context"

// Voice is a provider voice selection plus its tuning parameters. The persona
// to voice mapping is resolved from configuration once at startup.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Stability is the ElevenLabs stability setting (0.0–1.0).
	Stability float64

	// Similarity is the ElevenLabs similarity boost setting (0.0–1.0).
	Similarity float64
}

// Provider is the abstraction over any TTS backend. Audio output is always
// little-endian mono PCM16 at 16 kHz.
type Provider interface {
	// Synthesize converts text into one PCM buffer. Returns an error when
	// the provider rejects the request or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits PCM chunks as they are synthesised. The
	// audio channel is closed when all text has been synthesised or ctx is
	// cancelled; callers must drain it. Errors during synthesis are signalled
	// by closing the channel early — check ctx.Err() to distinguish
	// cancellation from provider failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)
}

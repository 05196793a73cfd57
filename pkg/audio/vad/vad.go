// Package vad provides voice activity detection for the inbound media stream.
//
// A VAD engine surfaces a stateful, per-call session: each session consumes
// fixed-size PCM frames and classifies every frame into exactly one of four
// events (speech start, speech continue, speech end, silence). Sessions keep
// their own smoothing state so concurrent calls are processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency receive loop that
// gates ASR input.
//
// Engines must be safe for concurrent use. A single SessionHandle must not be
// shared across goroutines.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame is
	// classified as speech. Range: (0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// MinSilence is how much accumulated silence ends an active utterance.
	// Silences shorter than this are absorbed into the utterance.
	// Typical: 500 ms.
	MinSilence time.Duration
}

// EventType enumerates the per-frame detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech, including brief silences
	// shorter than the configured minimum.
	SpeechContinue

	// SpeechEnd indicates the utterance has just ended. Emitted exactly once
	// per utterance.
	SpeechEnd

	// Silence indicates no active utterance.
	Silence
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Event is the detection result for a single audio frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Probability is the speech probability score (0.0–1.0) for this frame.
	Probability float64
}

// SessionHandle is an active VAD session for a single call's audio stream.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM16 at the configured
	// SampleRate and FrameSizeMs. Returns an error on a frame-size mismatch.
	//
	// ProcessFrame is called synchronously from the receive loop and must not
	// block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset returns the detector to its initial state for a new stream,
	// discarding any in-progress utterance.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

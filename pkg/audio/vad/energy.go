package vad

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Compile-time interface assertions.
var (
	_ Engine        = (*EnergyEngine)(nil)
	_ SessionHandle = (*energySession)(nil)
)

// rmsKnee is the RMS amplitude at which the speech probability reaches 0.5.
// Telephone speech sits well above this; line noise well below.
const rmsKnee = 1500.0

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session is closed")

// EnergyEngine is an energy-based [Engine]. It scores each frame by RMS
// amplitude mapped through a soft knee, then runs the utterance state machine
// on top. It needs no model weights and processes a 20 ms frame in well under
// a millisecond.
type EnergyEngine struct{}

// NewEnergyEngine creates an energy-based VAD engine.
func NewEnergyEngine() *EnergyEngine {
	return &EnergyEngine{}
}

// NewSession implements [Engine].
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: sample rate %d is invalid", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("vad: frame size %dms is invalid", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("vad: speech threshold %.2f is out of range (0, 1]", cfg.SpeechThreshold)
	}
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = 500 * time.Millisecond
	}

	samplesPerFrame := cfg.SampleRate / 1000 * cfg.FrameSizeMs
	return &energySession{
		threshold:         cfg.SpeechThreshold,
		frameBytes:        samplesPerFrame * 2,
		samplesPerFrame:   samplesPerFrame,
		minSilenceSamples: int(int64(cfg.SampleRate) * cfg.MinSilence.Milliseconds() / 1000),
	}, nil
}

// energySession holds the per-stream utterance state machine.
type energySession struct {
	threshold         float64
	frameBytes        int
	samplesPerFrame   int
	minSilenceSamples int

	isSpeaking     bool
	silenceSamples int
	speechSamples  int
	closed         bool
}

// ProcessFrame implements [SessionHandle]. Exactly one event is emitted per
// frame; a single SpeechEnd terminates each utterance.
func (s *energySession) ProcessFrame(frame []byte) (Event, error) {
	if s.closed {
		return Event{}, ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return Event{}, fmt.Errorf("vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := speechProbability(frame)
	ev := Event{Probability: prob}

	if prob >= s.threshold {
		s.silenceSamples = 0
		s.speechSamples += s.samplesPerFrame
		if s.isSpeaking {
			ev.Type = SpeechContinue
		} else {
			s.isSpeaking = true
			ev.Type = SpeechStart
		}
		return ev, nil
	}

	if !s.isSpeaking {
		ev.Type = Silence
		return ev, nil
	}

	// Silent frame inside an utterance: absorb until the silence budget runs
	// out, then end the utterance.
	s.silenceSamples += s.samplesPerFrame
	if s.silenceSamples >= s.minSilenceSamples {
		s.isSpeaking = false
		s.silenceSamples = 0
		s.speechSamples = 0
		ev.Type = SpeechEnd
		return ev, nil
	}
	ev.Type = SpeechContinue
	return ev, nil
}

// Reset implements [SessionHandle].
func (s *energySession) Reset() {
	s.isSpeaking = false
	s.silenceSamples = 0
	s.speechSamples = 0
}

// Close implements [SessionHandle].
func (s *energySession) Close() error {
	s.closed = true
	return nil
}

// speechProbability maps the frame's RMS amplitude to a score in [0, 1)
// through a soft knee: rms/(rms+knee). Monotone in energy, 0.5 at the knee.
func speechProbability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	return rms / (rms + rmsKnee)
}

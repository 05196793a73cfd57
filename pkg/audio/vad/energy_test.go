package vad

import (
	"errors"
	"math"
	"testing"
	"time"
)

const (
	testRate    = 16000
	testFrameMs = 20
)

func newTestSession(t *testing.T) SessionHandle {
	t.Helper()
	sess, err := NewEnergyEngine().NewSession(Config{
		SampleRate:      testRate,
		FrameSizeMs:     testFrameMs,
		SpeechThreshold: 0.5,
		MinSilence:      500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

// voicedFrame returns 20 ms of a loud 440 Hz tone.
func voicedFrame() []byte {
	n := testRate / 1000 * testFrameMs
	frame := make([]byte, n*2)
	for i := range n {
		s := int16(12000 * math.Sin(2*math.Pi*440*float64(i)/testRate))
		frame[i*2] = byte(s)
		frame[i*2+1] = byte(s >> 8)
	}
	return frame
}

// silentFrame returns 20 ms of digital silence.
func silentFrame() []byte {
	return make([]byte, testRate/1000*testFrameMs*2)
}

func process(t *testing.T, s SessionHandle, frame []byte) Event {
	t.Helper()
	ev, err := s.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev
}

func TestUtteranceLifecycle(t *testing.T) {
	sess := newTestSession(t)

	if ev := process(t, sess, silentFrame()); ev.Type != Silence {
		t.Fatalf("initial frame: got %v, want Silence", ev.Type)
	}
	if ev := process(t, sess, voicedFrame()); ev.Type != SpeechStart {
		t.Fatalf("first voiced frame: got %v, want SpeechStart", ev.Type)
	}
	for i := range 10 {
		if ev := process(t, sess, voicedFrame()); ev.Type != SpeechContinue {
			t.Fatalf("voiced frame %d: got %v, want SpeechContinue", i, ev.Type)
		}
	}

	// 500 ms of silence is 25 frames of 20 ms. Frames 1..24 are absorbed,
	// frame 25 ends the utterance.
	for i := range 24 {
		if ev := process(t, sess, silentFrame()); ev.Type != SpeechContinue {
			t.Fatalf("absorbed silence frame %d: got %v, want SpeechContinue", i, ev.Type)
		}
	}
	if ev := process(t, sess, silentFrame()); ev.Type != SpeechEnd {
		t.Fatalf("silence budget exhausted: got %v, want SpeechEnd", ev.Type)
	}

	// SpeechEnd fires exactly once: further silence is plain Silence.
	if ev := process(t, sess, silentFrame()); ev.Type != Silence {
		t.Fatalf("after utterance end: got %v, want Silence", ev.Type)
	}
}

func TestBriefSilenceAbsorbed(t *testing.T) {
	sess := newTestSession(t)

	process(t, sess, voicedFrame())
	// 200 ms pause, well under the 500 ms minimum.
	for range 10 {
		if ev := process(t, sess, silentFrame()); ev.Type != SpeechContinue {
			t.Fatalf("brief pause: got %v, want SpeechContinue", ev.Type)
		}
	}
	// Resuming speech stays in the same utterance.
	if ev := process(t, sess, voicedFrame()); ev.Type != SpeechContinue {
		t.Fatalf("resumed speech: got %v, want SpeechContinue", ev.Type)
	}
}

func TestSilenceCounterResetsOnSpeech(t *testing.T) {
	sess := newTestSession(t)
	process(t, sess, voicedFrame())

	// Two pauses of 300 ms each, separated by speech, must never sum to an
	// utterance end.
	for range 2 {
		for range 15 {
			if ev := process(t, sess, silentFrame()); ev.Type == SpeechEnd {
				t.Fatal("utterance ended although each pause was under the minimum")
			}
		}
		process(t, sess, voicedFrame())
	}
}

func TestReset(t *testing.T) {
	sess := newTestSession(t)
	process(t, sess, voicedFrame())
	sess.Reset()

	if ev := process(t, sess, silentFrame()); ev.Type != Silence {
		t.Fatalf("after reset: got %v, want Silence", ev.Type)
	}
	if ev := process(t, sess, voicedFrame()); ev.Type != SpeechStart {
		t.Fatalf("after reset: got %v, want SpeechStart", ev.Type)
	}
}

func TestFrameSizeMismatch(t *testing.T) {
	sess := newTestSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatal("ProcessFrame accepted a wrong-sized frame")
	}
}

func TestClosedSession(t *testing.T) {
	sess := newTestSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sess.ProcessFrame(silentFrame()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("ProcessFrame after Close: err = %v, want ErrSessionClosed", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	eng := NewEnergyEngine()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero sample rate", Config{FrameSizeMs: 20, SpeechThreshold: 0.5}},
		{"zero frame size", Config{SampleRate: 16000, SpeechThreshold: 0.5}},
		{"threshold too high", Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5}},
		{"threshold zero", Config{SampleRate: 16000, FrameSizeMs: 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.NewSession(tt.cfg); err == nil {
				t.Error("NewSession accepted an invalid config")
			}
		})
	}
}

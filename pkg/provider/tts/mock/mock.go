// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled PCM buffers and to verify the text and
// voice that consumers pass to the TTS backend.
package mock

import (
	"context"
	"sync"

	"github.com/nexusmiracle/callcore/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// PCM is returned by every Synthesize call. When nil, a short non-empty
	// buffer is returned so sequencer tests have audio to pace.
	PCM []byte

	// Err, if non-nil, is returned by every call.
	Err error

	// Delay, if set, is waited (or the context cancelled) before Synthesize
	// returns.
	Delay func(ctx context.Context) error

	// SynthesizeCalls records every Synthesize call in order.
	SynthesizeCalls []SynthesizeCall

	// StreamCalls records every SynthesizeStream call in order.
	StreamCalls []SynthesizeCall
}

// defaultPCM is one 20 ms frame of silence at 16 kHz.
var defaultPCM = make([]byte, 640)

// Synthesize records the call and returns the configured PCM buffer.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	err := p.Err
	pcm := p.PCM
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return nil, derr
		}
	}
	if err != nil {
		return nil, err
	}
	if pcm == nil {
		pcm = defaultPCM
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

// SynthesizeStream records the call and emits the configured PCM buffer as a
// single chunk, draining the text channel like a real provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, SynthesizeCall{Ctx: ctx, Voice: voice})
	err := p.Err
	pcm := p.PCM
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if pcm == nil {
		pcm = defaultPCM
	}

	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		for range text {
		}
		select {
		case ch <- pcm:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.StreamCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

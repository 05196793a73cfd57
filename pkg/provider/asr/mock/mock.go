// Package mock provides a test double for the asr.Provider interface.
//
// Use Provider to script transcription results and to verify the audio and
// language that consumers pass to the ASR backend.
package mock

import (
	"context"
	"sync"

	"github.com/nexusmiracle/callcore/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Language is the language hint passed to Transcribe.
	Language string
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Results is the sequence of results returned by successive Transcribe
	// calls. When exhausted, the last entry is repeated. When empty, a zero
	// Result is returned.
	Results []asr.Result

	// Err, if non-nil, is returned by every Transcribe call instead of a
	// result.
	Err error

	// Delay, if set, is waited (or the context cancelled) before returning.
	Delay func(ctx context.Context) error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, language string) (*asr.Result, error) {
	p.mu.Lock()
	pcmCopy := make([]byte, len(pcm))
	copy(pcmCopy, pcm)
	n := len(p.TranscribeCalls)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: pcmCopy, Language: language})
	err := p.Err
	var res asr.Result
	if len(p.Results) > 0 {
		res = p.Results[min(n, len(p.Results)-1)]
	}
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
	return &res, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

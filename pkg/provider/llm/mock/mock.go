// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider to script completion responses and to verify the requests
// consumers send to the model.
package mock

import (
	"context"
	"sync"

	"github.com/nexusmiracle/callcore/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete or StreamCompletion.
type CompleteCall struct {
	// Ctx is the context passed to the call.
	Ctx context.Context
	// Req is the request passed to the call.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is the sequence of response contents returned by successive
	// Complete calls. When exhausted, the last entry is repeated.
	Responses []string

	// Err, if non-nil, is returned by every Complete call, and by
	// StreamCompletion before a channel is opened.
	Err error

	// Delay, if set, is waited (or the context cancelled) before Complete
	// returns. Used to exercise the delayed-filler and cancellation paths.
	Delay func(ctx context.Context) error

	// CompleteCalls records every Complete call in order.
	CompleteCalls []CompleteCall

	// StreamCalls records every StreamCompletion call in order.
	StreamCalls []CompleteCall
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	err := p.Err
	var content string
	if len(p.Responses) > 0 {
		content = p.Responses[min(n, len(p.Responses)-1)]
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
	return &llm.CompletionResponse{Content: content}, nil
}

// StreamCompletion records the call and emits the next scripted response as a
// single chunk followed by a "stop" chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, CompleteCall{Ctx: ctx, Req: req})
	err := p.Err
	var content string
	if len(p.Responses) > 0 {
		content = p.Responses[min(n, len(p.Responses)-1)]
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: content}
	ch <- llm.Chunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

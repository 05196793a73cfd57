package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/nexusmiracle/callcore/pkg/provider/llm"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "gemini-2.0-flash"); err == nil {
		t.Error("New accepted an empty provider name")
	}
	if _, err := New("gemini", ""); err == nil {
		t.Error("New accepted an empty model")
	}
	if _, err := New("not-a-provider", "model", anyllmlib.WithAPIKey("k")); err == nil {
		t.Error("New accepted an unknown provider name")
	}
}

func completionRequest() llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: "أنت سارة، موظفة استقبال العيادة.",
		Messages: []llm.Message{
			{Role: "assistant", Content: "مرحباً!"},
			{Role: "user", Content: "أبغى موعد"},
		},
		Temperature: 0.7,
		MaxTokens:   512,
	}
}

func TestBuildParams(t *testing.T) {
	p, err := NewGemini("gemini-2.0-flash", anyllmlib.WithAPIKey("test"))
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}

	params := p.buildParams(completionRequest())

	if params.Model != "gemini-2.0-flash" {
		t.Errorf("Model = %q, want gemini-2.0-flash", params.Model)
	}
	// System prompt is prepended as the first message.
	if len(params.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[2].Content != "أبغى موعد" {
		t.Errorf("last message content = %q", params.Messages[2].Content)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("Temperature not carried through: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("MaxTokens not carried through: %v", params.MaxTokens)
	}
}

func TestBuildParamsZeroOptionals(t *testing.T) {
	p, _ := NewGemini("gemini-2.0-flash", anyllmlib.WithAPIKey("test"))
	req := completionRequest()
	req.Temperature = 0
	req.MaxTokens = 0

	params := p.buildParams(req)
	if params.Temperature != nil {
		t.Error("zero Temperature should be left to the provider default")
	}
	if params.MaxTokens != nil {
		t.Error("zero MaxTokens should be left to the provider default")
	}
}

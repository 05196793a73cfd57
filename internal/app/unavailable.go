package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nexusmiracle/callcore/pkg/provider/asr"
	"github.com/nexusmiracle/callcore/pkg/provider/llm"
	"github.com/nexusmiracle/callcore/pkg/provider/tts"
)

// errUnavailable should never surface: stand-in providers sit behind
// permanently open breakers that reject calls before dispatch.
var errUnavailable = errors.New("app: capability not configured")

type unavailableASR struct{}

var _ asr.Provider = unavailableASR{}

func (unavailableASR) Transcribe(context.Context, []byte, string) (*asr.Result, error) {
	return nil, errUnavailable
}

type unavailableLLM struct{}

var _ llm.Provider = unavailableLLM{}

func (unavailableLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errUnavailable
}

func (unavailableLLM) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, errUnavailable
}

type unavailableTTS struct{}

var _ tts.Provider = unavailableTTS{}

func (unavailableTTS) Synthesize(context.Context, string, tts.Voice) ([]byte, error) {
	return nil, errUnavailable
}

func (unavailableTTS) SynthesizeStream(context.Context, <-chan string, tts.Voice) (<-chan []byte, error) {
	return nil, errUnavailable
}

// writeJSON encodes v with the JSON content type.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

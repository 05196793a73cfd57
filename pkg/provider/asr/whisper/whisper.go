// Package whisper provides an OpenAI Whisper-backed ASR provider using the
// hosted transcription API. It implements the unary asr.Provider interface
// and serves as the fallback when the streaming provider is unavailable.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nexusmiracle/callcore/pkg/provider/asr"
)

const (
	defaultModel      = "whisper-1"
	defaultSampleRate = 16000
)

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Whisper Provider.
type Option func(*Provider)

// WithModel sets the transcription model (e.g., "whisper-1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default ISO-639-1 language hint.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the OpenAI API base URL (e.g., for a compatible
// self-hosted gateway).
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// Provider implements asr.Provider backed by the OpenAI transcription API.
type Provider struct {
	client   oai.Client
	model    string
	language string
	baseURL  string
}

// New creates a new Whisper Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("whisper: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Transcribe implements asr.Provider. The raw PCM utterance is wrapped in a
// minimal WAV container, since the API does not accept headerless audio.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, language string) (*asr.Result, error) {
	lang := language
	if lang == "" {
		lang = p.language
	}
	if len(pcm) == 0 {
		return &asr.Result{Language: lang}, nil
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("whisper: %d byte utterance is not sample aligned", len(pcm))
	}

	wav := wrapWAV(pcm, defaultSampleRate)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}

	start := time.Now()
	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("whisper: transcribe: %w", err)
	}

	return &asr.Result{
		Text:     resp.Text,
		Language: lang,
		Latency:  time.Since(start),
	}, nil
}

// wrapWAV prefixes little-endian mono PCM16 data with a canonical 44-byte
// RIFF/WAVE header.
func wrapWAV(pcm []byte, sampleRate int) []byte {
	const headerLen = 44
	buf := make([]byte, headerLen+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // linear PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))

	copy(buf[headerLen:], pcm)
	return buf
}

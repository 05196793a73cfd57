// Package deepgram provides a Deepgram-backed ASR provider. Unary
// transcription uses the prerecorded REST API; live transcription uses the
// streaming WebSocket API. It implements asr.Provider and
// asr.StreamingProvider.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nexusmiracle/callcore/pkg/provider/asr"
)

const (
	restEndpoint   = "https://api.deepgram.com/v1/listen"
	streamEndpoint = "wss://api.deepgram.com/v1/listen"

	defaultModel      = "nova-3"
	defaultLanguage   = "ar"
	defaultSampleRate = 16000
)

// Compile-time interface assertion.
var _ asr.StreamingProvider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "ar", "en").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithHTTPClient overrides the HTTP client used for unary transcription.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements asr.StreamingProvider backed by the Deepgram API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements asr.Provider using the prerecorded REST endpoint.
// The audio is sent as raw linear16 with the rate declared in the query.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, language string) (*asr.Result, error) {
	if len(pcm) == 0 {
		return &asr.Result{Language: p.lang(language)}, nil
	}

	u, err := p.buildURL(restEndpoint, asr.StreamConfig{SampleRate: defaultSampleRate, Language: language})
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(pcm))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/l16")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: transcribe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram: transcribe: status %d: %s", resp.StatusCode, body)
	}

	var pr prerecordedResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("deepgram: decode response: %w", err)
	}

	result := &asr.Result{Language: p.lang(language), Latency: time.Since(start)}
	if len(pr.Results.Channels) > 0 && len(pr.Results.Channels[0].Alternatives) > 0 {
		alt := pr.Results.Channels[0].Alternatives[0]
		result.Text = alt.Transcript
		result.Confidence = alt.Confidence
	}
	return result, nil
}

// StartStream implements asr.StreamingProvider by opening a WebSocket session
// against the Deepgram live endpoint.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(streamEndpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		language: p.lang(cfg.Language),
		results:  make(chan asr.Result, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// lang resolves the effective language for a request.
func (p *Provider) lang(override string) string {
	if override != "" {
		return override
	}
	return p.language
}

// buildURL constructs a Deepgram endpoint URL with the shared query set.
func (p *Provider) buildURL(endpoint string, cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.lang(cfg.Language))
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── REST response ────────────────────────────────────────────────────────────

// prerecordedResponse is the JSON structure returned by the prerecorded API.
type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// ─── streaming session ────────────────────────────────────────────────────────

// streamResponse is the JSON structure of a Deepgram live Results event.
type streamResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements asr.SessionHandle.
type session struct {
	conn     *websocket.Conn
	language string
	results  chan asr.Result
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Results returns the channel of final transcripts.
func (s *session) Results() <-chan asr.Result { return s.results }

// Close terminates the session cleanly, flushing pending audio.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches final
// transcripts to the results channel. Interim results are dropped; the turn
// pipeline only acts on finals.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			return
		}

		r, ok := parseStreamResponse(msg, s.language)
		if !ok {
			continue
		}

		select {
		case s.results <- r:
		case <-s.done:
		}
	}
}

// parseStreamResponse parses a raw Deepgram live message into a Result.
// Returns (zero, false) for non-final or non-Results messages.
func parseStreamResponse(data []byte, language string) (asr.Result, bool) {
	var resp streamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return asr.Result{}, false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return asr.Result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return asr.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return asr.Result{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Language:   language,
	}, true
}

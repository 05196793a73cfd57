package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/nexusmiracle/callcore/pkg/provider/asr"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New accepted an empty API key")
	}
}

func TestBuildURL(t *testing.T) {
	p, err := New("key", WithModel("nova-3"), WithLanguage("ar"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.buildURL(streamEndpoint, asr.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse built URL: %v", err)
	}

	q := u.Query()
	for key, want := range map[string]string{
		"model":       "nova-3",
		"language":    "ar",
		"encoding":    "linear16",
		"sample_rate": "16000",
		"channels":    "1",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildURLLanguageOverride(t *testing.T) {
	p, _ := New("key", WithLanguage("ar"))
	raw, err := p.buildURL(streamEndpoint, asr.StreamConfig{Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if !strings.Contains(raw, "language=en") {
		t.Errorf("URL %q does not carry the per-stream language override", raw)
	}
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key" {
			t.Errorf("Authorization = %q, want %q", got, "Token key")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"أبغى موعد","confidence":0.93}]}]}}`))
	}))
	defer srv.Close()

	p, _ := New("key")
	p.httpClient = srv.Client()

	// Point the request at the test server by rewriting through the client
	// transport.
	p.httpClient.Transport = rewriteHost(srv)

	res, err := p.Transcribe(context.Background(), make([]byte, 640), "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "أبغى موعد" {
		t.Errorf("Text = %q, want %q", res.Text, "أبغى موعد")
	}
	if res.Confidence != 0.93 {
		t.Errorf("Confidence = %v, want 0.93", res.Confidence)
	}
	if res.Language != "ar" {
		t.Errorf("Language = %q, want %q", res.Language, "ar")
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	p, _ := New("key")
	res, err := p.Transcribe(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("Transcribe(empty): %v", err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
}

func TestParseStreamResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantOK   bool
		wantText string
	}{
		{
			name:     "final result",
			raw:      `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"مرحبا","confidence":0.9}]}}`,
			wantOK:   true,
			wantText: "مرحبا",
		},
		{
			name:   "interim result ignored",
			raw:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"مر","confidence":0.4}]}}`,
			wantOK: false,
		},
		{
			name:   "metadata ignored",
			raw:    `{"type":"Metadata"}`,
			wantOK: false,
		},
		{
			name:   "malformed json ignored",
			raw:    `{nope`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := parseStreamResponse([]byte(tt.raw), "ar")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && r.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", r.Text, tt.wantText)
			}
		})
	}
}

// rewriteHost redirects every request to the test server regardless of the
// original URL.
func rewriteHost(srv *httptest.Server) http.RoundTripper {
	target, _ := url.Parse(srv.URL)
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		r.URL.Scheme = target.Scheme
		r.URL.Host = target.Host
		return http.DefaultTransport.RoundTrip(r)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

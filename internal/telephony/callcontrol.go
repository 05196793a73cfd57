// Package telephony binds the carrier to the call core: the Telnyx webhook
// handler drives call lifecycle, the media WebSocket server moves audio in
// both directions, and the Call Control client issues commands back to the
// carrier.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	telnyxBaseURL = "https://api.telnyx.com/v2"

	// callControlTimeout is the hard deadline for one carrier API call.
	callControlTimeout = 5 * time.Second
)

// CallControl is a minimal Telnyx Call Control REST client.
type CallControl struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// CallControlOption configures the client.
type CallControlOption func(*CallControl)

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(u string) CallControlOption {
	return func(c *CallControl) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) CallControlOption {
	return func(c *CallControl) { c.httpClient = hc }
}

// NewCallControl creates a client. apiKey must be non-empty.
func NewCallControl(apiKey string, opts ...CallControlOption) (*CallControl, error) {
	if apiKey == "" {
		return nil, errors.New("telephony: telnyx api key must not be empty")
	}
	c := &CallControl{
		baseURL:    telnyxBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Answer answers the call and starts media streaming toward streamURL.
func (c *CallControl) Answer(ctx context.Context, callControlID, streamURL string) error {
	if err := c.action(ctx, callControlID, "answer", map[string]any{}); err != nil {
		return err
	}
	if streamURL == "" {
		return nil
	}
	return c.action(ctx, callControlID, "streaming_start", map[string]any{
		"stream_url":   streamURL,
		"stream_track": "both_tracks",
	})
}

// Hangup terminates the call.
func (c *CallControl) Hangup(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "hangup", map[string]any{})
}

// StopStreaming stops media streaming for the call.
func (c *CallControl) StopStreaming(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "streaming_stop", map[string]any{})
}

// StopPlayback stops any carrier-side audio playback on the call.
func (c *CallControl) StopPlayback(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "playback_stop", map[string]any{})
}

// action posts one Call Control command.
func (c *CallControl) action(ctx context.Context, callControlID, name string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, callControlTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, callControlID, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telephony: build %s request: %w", name, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telephony: %s: status %d: %s", name, resp.StatusCode, msg)
	}
	return nil
}

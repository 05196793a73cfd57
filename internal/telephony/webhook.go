package telephony

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nexusmiracle/callcore/internal/session"
)

// webhookEnvelope is the Telnyx webhook event wrapper.
type webhookEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			HangupCause   string `json:"hangup_cause,omitempty"`
			Digit         string `json:"digit,omitempty"`
		} `json:"payload"`
	} `json:"data"`
}

// webhookResponse is the JSON body returned for every webhook POST.
type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Controller handles carrier webhooks and admin call commands.
type Controller struct {
	sessions *session.Manager
	calls    *CallControl

	// webhookBaseURL is the public HTTPS base of this service; the media
	// stream URL announced to the carrier is derived from it.
	webhookBaseURL string
}

// NewController creates the webhook controller. calls may be nil in tests;
// carrier commands are then skipped.
func NewController(sessions *session.Manager, calls *CallControl, webhookBaseURL string) *Controller {
	return &Controller{
		sessions:       sessions,
		calls:          calls,
		webhookBaseURL: strings.TrimSuffix(webhookBaseURL, "/"),
	}
}

// StreamURL returns the media WebSocket URL for a call, derived from the
// public webhook base URL.
func (c *Controller) StreamURL(callControlID string) string {
	base := c.webhookBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return fmt.Sprintf("%s/media/%s", base, callControlID)
}

// HandleWebhook is the POST handler for carrier events. Unknown event types
// are acknowledged with 200/ok so the carrier does not retry them.
func (c *Controller) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respond(w, http.StatusBadRequest, webhookResponse{Status: "error", Message: "malformed envelope"})
		return
	}

	eventType := env.Data.EventType
	p := env.Data.Payload
	slog.Info("carrier webhook", "event_type", eventType, "call_control_id", p.CallControlID)

	switch eventType {
	case "call.initiated":
		if err := c.handleInitiated(r, p.CallControlID, p.From, p.To); err != nil {
			slog.Error("answer call", "call_control_id", p.CallControlID, "error", err)
			respond(w, http.StatusOK, webhookResponse{Status: "error", Message: err.Error()})
			return
		}
		respond(w, http.StatusOK, webhookResponse{Status: "ok", Message: "call answered"})

	case "call.answered", "streaming.started", "streaming.stopped":
		respond(w, http.StatusOK, webhookResponse{Status: "ok"})

	case "call.hangup":
		c.sessions.End(p.CallControlID, "hangup: "+p.HangupCause)
		respond(w, http.StatusOK, webhookResponse{Status: "ok", Message: "call ended"})

	case "call.dtmf.received":
		if sess, ok := c.sessions.Get(p.CallControlID); ok {
			sess.AddDTMF(p.Digit)
		}
		respond(w, http.StatusOK, webhookResponse{Status: "ok"})

	default:
		respond(w, http.StatusOK, webhookResponse{Status: "ok"})
	}
}

// handleInitiated creates the session and answers the call with the media
// stream URL.
func (c *Controller) handleInitiated(r *http.Request, id, from, to string) error {
	if _, err := c.sessions.Create(r.Context(), id, from, to); err != nil {
		return err
	}
	if c.calls == nil {
		return nil
	}
	if err := c.calls.Answer(r.Context(), id, c.StreamURL(id)); err != nil {
		c.sessions.End(id, "answer failed")
		return err
	}
	return nil
}

// callCommand is the body of the admin answer/hangup POSTs.
type callCommand struct {
	CallControlID string `json:"call_control_id"`
}

// HandleHangup is the admin POST that hangs up a live call.
func (c *Controller) HandleHangup(w http.ResponseWriter, r *http.Request) {
	var cmd callCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.CallControlID == "" {
		respond(w, http.StatusBadRequest, webhookResponse{Status: "error", Message: "call_control_id required"})
		return
	}
	if c.calls != nil {
		if err := c.calls.Hangup(r.Context(), cmd.CallControlID); err != nil {
			slog.Warn("admin hangup", "call_control_id", cmd.CallControlID, "error", err)
		}
	}
	c.sessions.End(cmd.CallControlID, "admin hangup")
	respond(w, http.StatusOK, webhookResponse{Status: "ok"})
}

// HandleAnswer is the admin POST that manually answers a call.
func (c *Controller) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	var cmd callCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.CallControlID == "" {
		respond(w, http.StatusBadRequest, webhookResponse{Status: "error", Message: "call_control_id required"})
		return
	}
	if err := c.handleInitiated(r, cmd.CallControlID, "", ""); err != nil {
		respond(w, http.StatusOK, webhookResponse{Status: "error", Message: err.Error()})
		return
	}
	respond(w, http.StatusOK, webhookResponse{Status: "ok", Message: "call answered"})
}

func respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

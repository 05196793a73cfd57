// Package events is the process-wide in-memory pub/sub bus. Components
// publish typed events (appointment changes, call lifecycle, settings
// changes); subscribers receive them concurrently, and every publish is also
// fanned out to connected admin WebSocket observers and kept in a bounded
// history ring for diagnostics.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Type identifies an event category on the bus.
type Type string

const (
	AppointmentCreated   Type = "appointment.created"
	AppointmentUpdated   Type = "appointment.updated"
	AppointmentCancelled Type = "appointment.cancelled"
	AppointmentConfirmed Type = "appointment.confirmed"

	CallStarted Type = "call.started"
	CallEnded   Type = "call.ended"
	CallError   Type = "call.error"

	SettingsUpdated      Type = "settings.updated"
	VoiceSettingsUpdated Type = "voice_settings.updated"
	FillersUpdated       Type = "fillers.updated"
	PromptUpdated        Type = "prompt.updated"

	SystemHealthCheck Type = "system.health_check"
)

// Event is one bus message. CorrelationID groups events belonging to the
// same call or admin action.
type Event struct {
	Type          Type           `json:"type"`
	Data          map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Handler receives a published event. Handlers run concurrently on their
// own goroutines; a panicking handler is isolated and logged.
type Handler func(Event)

const maxHistory = 100

// Bus is the pub/sub hub. The zero value is not usable; construct with
// [NewBus]. All methods are safe for concurrent use.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Type][]Handler
	clients     []*wsClient
	history     []Event // ring of the last maxHistory events
}

// wsClient is one admin observer connection.
type wsClient struct {
	conn *websocket.Conn
	ctx  context.Context
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Handler)}
}

// Subscribe registers handler for events of the given type.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], handler)
}

// Publish records the event in history and delivers it to subscribers and
// admin observers. Source defaults to "system"; a correlation ID is
// generated when none is supplied. Delivery happens outside the bus lock.
func (b *Bus) Publish(t Type, data map[string]any, opts ...PublishOption) {
	ev := Event{
		Type:      t,
		Data:      data,
		Timestamp: time.Now(),
		Source:    "system",
	}
	for _, o := range opts {
		o(&ev)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	handlers := make([]Handler, len(b.subscribers[t]))
	copy(handlers, b.subscribers[t])
	clients := make([]*wsClient, len(b.clients))
	copy(clients, b.clients)
	b.mu.Unlock()

	slog.Debug("event published", "type", t, "source", ev.Source)

	for _, h := range handlers {
		go b.safeCall(h, ev)
	}
	if len(clients) > 0 {
		go b.broadcast(clients, ev)
	}
}

// PublishOption customizes a published event.
type PublishOption func(*Event)

// WithSource sets the publishing component name.
func WithSource(source string) PublishOption {
	return func(ev *Event) { ev.Source = source }
}

// WithCorrelationID ties the event to a call or admin action.
func WithCorrelationID(id string) PublishOption {
	return func(ev *Event) { ev.CorrelationID = id }
}

// safeCall invokes the handler with panic isolation.
func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// broadcast sends the event to every observer, lazily evicting clients whose
// write fails.
func (b *Bus) broadcast(clients []*wsClient, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal event for broadcast", "type", ev.Type, "error", err)
		return
	}

	var dead []*wsClient
	for _, c := range clients {
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		b.evict(dead)
	}
}

// evict removes failed observer connections from the client list.
func (b *Bus) evict(dead []*wsClient) {
	b.mu.Lock()
	kept := b.clients[:0]
	for _, c := range b.clients {
		failed := false
		for _, d := range dead {
			if c == d {
				failed = true
				break
			}
		}
		if !failed {
			kept = append(kept, c)
		}
	}
	b.clients = kept
	remaining := len(b.clients)
	b.mu.Unlock()

	for _, d := range dead {
		d.conn.Close(websocket.StatusNormalClosure, "write failed")
	}
	slog.Info("evicted event observers", "evicted", len(dead), "remaining", remaining)
}

// History returns up to limit most recent events, newest last, optionally
// filtered by type (empty matches all).
func (b *Bus) History(t Type, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	var out []Event
	for _, ev := range b.history {
		if t == "" || ev.Type == t {
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ServeWS upgrades the request to a WebSocket and registers it as a
// read-only event observer. The connection stays registered until the
// client disconnects or a broadcast write fails.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("accept event observer", "error", err)
		return
	}

	client := &wsClient{conn: conn, ctx: context.WithoutCancel(r.Context())}
	b.mu.Lock()
	b.clients = append(b.clients, client)
	total := len(b.clients)
	b.mu.Unlock()
	slog.Info("event observer connected", "total", total)

	// Observers have no back-channel; the read loop only detects close.
	go func() {
		for {
			if _, _, err := conn.Read(client.ctx); err != nil {
				b.evict([]*wsClient{client})
				return
			}
		}
	}()
}

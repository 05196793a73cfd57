package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexusmiracle/callcore/internal/events"
)

// ErrTooManyCalls is returned by Create when the admission cap is reached.
var ErrTooManyCalls = errors.New("session: concurrent call limit reached")

// DefaultSystemPrompt is Sara's receptionist persona used when no prompt is
// configured.
const DefaultSystemPrompt = `أنت سارة، موظفة استقبال في عيادة نكسوس مراكل في الرياض. تتحدثين باللهجة السعودية بأسلوب ودود ومهني.
مهامك: حجز المواعيد، التحقق من التأمين، الإجابة عن أسئلة العيادة.
أجيبي دائماً بصيغة JSON: مصفوفة من المقاطع، كل مقطع {"persona": "sara", "text": "...", "emotion": "neutral", "action": "none"}.
الإجراءات المتاحة: none, transfer_persona, book_appointment, check_insurance, end_call.`

// Config tunes the Manager.
type Config struct {
	// MaxConcurrentCalls caps live sessions. Default: 100.
	MaxConcurrentCalls int

	// MaxCallDuration bounds a single call. Default: 30m.
	MaxCallDuration time.Duration

	// SystemPrompt is given to every new session. Default:
	// [DefaultSystemPrompt].
	SystemPrompt string
}

// Manager owns all live sessions. Safe for concurrent use.
type Manager struct {
	cfg Config
	bus *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager publishing lifecycle events to bus.
func NewManager(cfg Config, bus *events.Bus) *Manager {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 100
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 30 * time.Minute
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for the call. It fails when the call is
// already known or the admission cap is reached.
func (m *Manager) Create(ctx context.Context, id, from, to string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: call %s already active", id)
	}
	if len(m.sessions) >= m.cfg.MaxConcurrentCalls {
		m.mu.Unlock()
		return nil, ErrTooManyCalls
	}
	s := newSession(ctx, id, from, to, m.cfg.SystemPrompt, m.cfg.MaxCallDuration)
	m.sessions[id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	slog.Info("session created", "call_control_id", id, "from", from, "active", active)
	m.bus.Publish(events.CallStarted, map[string]any{
		"call_control_id": id,
		"from":            from,
		"to":              to,
	}, events.WithSource("session"), events.WithCorrelationID(id))

	// Self-terminate when the max duration elapses.
	go func() {
		<-s.Context().Done()
		m.End(id, "context done")
	}()

	return s, nil
}

// Get returns the live session for the call, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// End tears the session down: cancels in-flight work, closes the sequencer
// and VAD session, and publishes call.ended with the final metrics.
// Idempotent.
func (m *Manager) End(id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok || !s.end() {
		return
	}

	metrics := s.Metrics()
	duration := time.Since(s.StartedAt)
	slog.Info("session ended",
		"call_control_id", id,
		"reason", reason,
		"duration", duration,
		"turns", metrics.Turns)

	m.bus.Publish(events.CallEnded, map[string]any{
		"call_control_id": id,
		"reason":          reason,
		"duration_ms":     duration.Milliseconds(),
		"turns":           metrics.Turns,
		"avg_latency_ms":  metrics.AvgLatencyMS,
		"barge_ins":       metrics.BargeIns,
	}, events.WithSource("session"), events.WithCorrelationID(id))
}

// EndAll terminates every live session, for shutdown.
func (m *Manager) EndAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.End(id, reason)
	}
}

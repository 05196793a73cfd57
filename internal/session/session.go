// Package session tracks per-call conversation state: history, active
// persona, the utterance buffer fed by VAD, and turn metrics. The [Manager]
// owns all live sessions and enforces the concurrent-call admission cap.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexusmiracle/callcore/internal/sequencer"
	"github.com/nexusmiracle/callcore/pkg/audio/vad"
)

// Message is one history entry. Role is "user" or a persona name ("sara",
// "nexus").
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics accumulates per-session turn statistics.
type Metrics struct {
	Turns        int           `json:"turns"`
	TotalLatency time.Duration `json:"-"`
	AvgLatencyMS float64       `json:"avg_latency_ms"`
	BargeIns     int64         `json:"barge_ins"`
}

// Session is the single source of truth for one active call. State mutation
// goes through its methods; the pipeline is the only writer of history and
// the utterance buffer per the single-writer contract, while reads are safe
// from any goroutine.
type Session struct {
	CallControlID string
	From          string
	To            string
	StartedAt     time.Time

	// Sequencer is the call's playback queue. Its output is bound by the
	// media transport once the WebSocket is up.
	Sequencer *sequencer.Sequencer

	ctx    context.Context
	cancel context.CancelFunc

	turn atomic.Int64 // generation counter; bumped on barge-in

	mu           sync.Mutex
	persona      string
	systemPrompt string
	history      []Message
	utterance    []byte
	vadSession   vad.SessionHandle
	output       func([]byte)
	dtmf         []string
	turns        int
	totalLatency time.Duration
	terminal     bool
}

// newSession is called by the Manager.
func newSession(parent context.Context, id, from, to, systemPrompt string, maxDuration time.Duration) *Session {
	ctx, cancel := context.WithTimeout(parent, maxDuration)
	s := &Session{
		CallControlID: id,
		From:          from,
		To:            to,
		StartedAt:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		persona:       "sara",
		systemPrompt:  systemPrompt,
	}
	s.Sequencer = sequencer.New(s.emit)
	return s
}

// Context is cancelled when the session ends or exceeds its max duration.
func (s *Session) Context() context.Context { return s.ctx }

// emit forwards a paced chunk to the bound media output, dropping audio
// while no transport is attached.
func (s *Session) emit(chunk []byte) {
	s.mu.Lock()
	out := s.output
	s.mu.Unlock()
	if out != nil {
		out(chunk)
	}
}

// BindOutput attaches the media transport's send function.
func (s *Session) BindOutput(fn func([]byte)) {
	s.mu.Lock()
	s.output = fn
	s.mu.Unlock()
}

// BindVAD attaches the call's VAD session so teardown can close it.
func (s *Session) BindVAD(v vad.SessionHandle) {
	s.mu.Lock()
	s.vadSession = v
	s.mu.Unlock()
}

// Persona returns the active speaking persona.
func (s *Session) Persona() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// SetPersona switches the active persona (transfer_persona action).
func (s *Session) SetPersona(p string) {
	s.mu.Lock()
	s.persona = p
	s.mu.Unlock()
}

// SystemPrompt returns the session's LLM system prompt.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt
}

// AppendUser appends a user turn to history.
func (s *Session) AppendUser(text string) {
	s.append(Message{Role: "user", Content: text, Timestamp: time.Now()})
}

// AppendAssistant appends an assistant turn attributed to a persona.
func (s *Session) AppendAssistant(persona, text string) {
	s.append(Message{Role: persona, Content: text, Timestamp: time.Now()})
}

func (s *Session) append(m Message) {
	s.mu.Lock()
	s.history = append(s.history, m)
	s.mu.Unlock()
}

// History returns a copy of the conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// AppendAudio grows the utterance buffer while VAD reports speech. pcm must
// be sample-aligned (even length).
func (s *Session) AppendAudio(pcm []byte) {
	s.mu.Lock()
	s.utterance = append(s.utterance, pcm...)
	s.mu.Unlock()
}

// DrainUtterance atomically takes the buffered utterance, leaving the
// buffer empty.
func (s *Session) DrainUtterance() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.utterance
	s.utterance = nil
	return out
}

// AddDTMF records a received DTMF digit as a user-intent hint.
func (s *Session) AddDTMF(digit string) {
	s.mu.Lock()
	s.dtmf = append(s.dtmf, digit)
	s.mu.Unlock()
}

// DTMF returns the digits received so far.
func (s *Session) DTMF() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.dtmf))
	copy(out, s.dtmf)
	return out
}

// BeginTurn bumps and returns the turn generation. A pipeline task captures
// the value at turn start and discards its results if the generation moved
// on (barge-in) before they were ready.
func (s *Session) BeginTurn() int64 {
	return s.turn.Add(1)
}

// CurrentTurn returns the live turn generation.
func (s *Session) CurrentTurn() int64 {
	return s.turn.Load()
}

// InvalidateTurn advances the generation without starting a turn, so
// in-flight work for the previous generation is discarded.
func (s *Session) InvalidateTurn() {
	s.turn.Add(1)
}

// RecordTurn accumulates one completed turn's latency.
func (s *Session) RecordTurn(latency time.Duration) {
	s.mu.Lock()
	s.turns++
	s.totalLatency += latency
	s.mu.Unlock()
}

// Metrics returns a snapshot of the session's turn statistics.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		Turns:        s.turns,
		TotalLatency: s.totalLatency,
		BargeIns:     s.Sequencer.BargeIns(),
	}
	if s.turns > 0 {
		m.AvgLatencyMS = float64(s.totalLatency.Milliseconds()) / float64(s.turns)
	}
	return m
}

// Terminal reports whether the session has been ended.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// end cancels all session work and releases resources. Idempotent; returns
// false on repeat calls.
func (s *Session) end() bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return false
	}
	s.terminal = true
	v := s.vadSession
	s.mu.Unlock()

	s.cancel()
	s.Sequencer.Close()
	if v != nil {
		v.Close()
	}
	return true
}

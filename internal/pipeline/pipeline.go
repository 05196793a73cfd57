// Package pipeline orchestrates one conversational turn per caller
// utterance: ASR transcription, filler scheduling, LLM completion, and
// per-segment TTS synthesis feeding the playback sequencer. It also runs the
// barge-in watcher that stops playback the moment the caller speaks over
// the agent.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexusmiracle/callcore/internal/events"
	"github.com/nexusmiracle/callcore/internal/filler"
	"github.com/nexusmiracle/callcore/internal/resilience"
	"github.com/nexusmiracle/callcore/internal/sequencer"
	"github.com/nexusmiracle/callcore/internal/session"
	"github.com/nexusmiracle/callcore/internal/store"
	"github.com/nexusmiracle/callcore/pkg/audio/vad"
	"github.com/nexusmiracle/callcore/pkg/provider/asr"
	"github.com/nexusmiracle/callcore/pkg/provider/llm"
	"github.com/nexusmiracle/callcore/pkg/provider/tts"
)

const (
	// DefaultFillerDelay is how long after the utterance ends a searching
	// filler is enqueued if the response is still pending.
	DefaultFillerDelay = 800 * time.Millisecond

	// providerTimeout is the hard deadline for each provider call.
	providerTimeout = 5 * time.Second

	// Greeting is played and recorded when the media stream starts.
	Greeting = "مرحباً! أنا سارة من عيادة نكسوس مراكل. كيف أقدر أساعدك اليوم؟"

	// genericErrorText is played when a turn produced no audio at all.
	genericErrorText = "عذراً، في مشكلة تقنية. ممكن تعيد من فضلك؟"
)

// AudioEvent pairs one 20 ms PCM16 frame with its VAD classification. The
// media transport produces these on a bounded channel per call.
type AudioEvent struct {
	Type vad.EventType
	PCM  []byte
}

// Config wires the orchestrator's capabilities.
type Config struct {
	ASR asr.Provider
	LLM llm.Provider
	TTS tts.Provider

	ASRBreaker *resilience.CircuitBreaker
	LLMBreaker *resilience.CircuitBreaker
	TTSBreaker *resilience.CircuitBreaker

	Fillers *filler.Cache
	Repo    store.Repository
	Bus     *events.Bus

	// Voices maps persona name to its TTS voice. Missing personas fall back
	// to "sara".
	Voices map[string]tts.Voice

	// Language is the ASR language hint. Default "ar".
	Language string

	// FillerDelay overrides [DefaultFillerDelay] when positive.
	FillerDelay time.Duration

	// Metrics receives latency and counter updates. Optional.
	Metrics Recorder

	// OnEndCall is invoked when a segment carries the end_call action.
	// Optional.
	OnEndCall func(callControlID string)
}

// Recorder is the metrics surface the pipeline reports to.
type Recorder interface {
	RecordProviderLatency(ctx context.Context, capability string, d time.Duration, failed bool)
	RecordTurnLatency(ctx context.Context, d time.Duration)
	CountBargeIn(ctx context.Context)
	CountFiller(ctx context.Context, category string)
}

// Stats summarizes process-wide pipeline activity.
type Stats struct {
	Turns        int64   `json:"turns"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	BargeIns     int64   `json:"barge_ins"`
	Fallbacks    int64   `json:"fallbacks"`

	ASRBreaker string `json:"asr_breaker"`
	LLMBreaker string `json:"llm_breaker"`
	TTSBreaker string `json:"tts_breaker"`
}

// Orchestrator runs turns for all calls. Safe for concurrent use; per-call
// state lives in the [session.Session].
type Orchestrator struct {
	cfg Config

	turns          atomic.Int64
	totalLatencyMS atomic.Int64
	bargeIns       atomic.Int64
	fallbacks      atomic.Int64
}

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.ASR == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, fmt.Errorf("pipeline: all capability providers are required")
	}
	if cfg.ASRBreaker == nil || cfg.LLMBreaker == nil || cfg.TTSBreaker == nil {
		return nil, fmt.Errorf("pipeline: all breakers are required")
	}
	if cfg.Fillers == nil {
		cfg.Fillers = filler.Default()
	}
	if cfg.Language == "" {
		cfg.Language = "ar"
	}
	if cfg.FillerDelay <= 0 {
		cfg.FillerDelay = DefaultFillerDelay
	}
	return &Orchestrator{cfg: cfg}, nil
}

// RunCall consumes the call's audio events until the channel closes or ctx
// is cancelled. SPEECH_END launches a turn; SPEECH_START during playback is
// a barge-in that stops the sequencer and cancels the in-flight turn.
func (o *Orchestrator) RunCall(ctx context.Context, sess *session.Session, eventCh <-chan AudioEvent) {
	var cancelTurn context.CancelFunc
	defer func() {
		if cancelTurn != nil {
			cancelTurn()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			switch ev.Type {
			case vad.SpeechStart:
				if sess.Sequencer.Playing() {
					o.bargeIn(ctx, sess, &cancelTurn)
				}
				sess.AppendAudio(ev.PCM)

			case vad.SpeechContinue:
				sess.AppendAudio(ev.PCM)

			case vad.SpeechEnd:
				pcm := sess.DrainUtterance()
				if len(pcm) == 0 {
					continue
				}
				if cancelTurn != nil {
					cancelTurn()
				}
				turnCtx, cancel := context.WithCancel(ctx)
				cancelTurn = cancel
				go o.ProcessTurn(turnCtx, sess, pcm)

			case vad.Silence:
				// Nothing buffered during silence.
			}
		}
	}
}

// bargeIn stops playback and invalidates the in-flight turn so any
// completed-but-unconsumed LLM output is discarded.
func (o *Orchestrator) bargeIn(ctx context.Context, sess *session.Session, cancelTurn *context.CancelFunc) {
	sess.Sequencer.Stop()
	sess.InvalidateTurn()
	if *cancelTurn != nil {
		(*cancelTurn)()
		*cancelTurn = nil
	}
	o.bargeIns.Add(1)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.CountBargeIn(ctx)
	}
	slog.Debug("barge-in", "call_control_id", sess.CallControlID)
}

// ProcessTurn runs one full ASR→LLM→TTS turn for a drained utterance.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sess *session.Session, pcm []byte) {
	gen := sess.BeginTurn()
	start := time.Now()

	// A blank or whitespace-only transcript is noise, not a user turn: it is
	// discarded without touching history or the LLM.
	text, ok := o.transcribe(ctx, sess, pcm)
	if !ok || text == "" {
		return
	}
	sess.AppendUser(text)

	// An empathy filler plays before the real response arrives.
	if phrase, matched := o.cfg.Fillers.Empathy(text); matched {
		o.enqueueFiller(ctx, sess, phrase, sequencer.PriorityHigh)
	}

	// The searching filler fires only if the LLM is still pending after the
	// configured delay. Once fired it plays; it is low priority and is
	// naturally preempted by the response.
	delayed := time.AfterFunc(o.cfg.FillerDelay, func() {
		if ctx.Err() != nil || gen != sess.CurrentTurn() {
			return
		}
		o.enqueueFiller(ctx, sess, o.cfg.Fillers.Random("searching"), sequencer.PriorityLow)
	})
	defer delayed.Stop()

	segments, ok := o.complete(ctx, sess, text)
	delayed.Stop()
	if !ok {
		return
	}

	// Discard output that completed after a barge-in invalidated the turn.
	if gen != sess.CurrentTurn() || ctx.Err() != nil {
		slog.Debug("turn output discarded", "call_control_id", sess.CallControlID)
		return
	}

	o.speak(ctx, sess, gen, segments)

	latency := time.Since(start)
	sess.RecordTurn(latency)
	o.turns.Add(1)
	o.totalLatencyMS.Add(latency.Milliseconds())
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordTurnLatency(ctx, latency)
	}
}

// transcribe runs ASR through its breaker. On failure the ASR fallback
// utterance is played and history is not advanced.
func (o *Orchestrator) transcribe(ctx context.Context, sess *session.Session, pcm []byte) (string, bool) {
	var result *asr.Result
	start := time.Now()
	err := o.cfg.ASRBreaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		defer cancel()
		var err error
		result, err = o.cfg.ASR.Transcribe(callCtx, pcm, o.cfg.Language)
		return err
	})
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordProviderLatency(ctx, "asr", time.Since(start), err != nil)
	}
	if err != nil {
		o.playCapabilityFallback(ctx, sess, "asr", err)
		return "", false
	}
	return strings.TrimSpace(result.Text), true
}

// complete runs the LLM through its breaker and parses the reply. On failure
// the LLM fallback is played and no assistant turn is appended.
func (o *Orchestrator) complete(ctx context.Context, sess *session.Session, userText string) ([]ResponseSegment, bool) {
	dbContext := ""
	if o.cfg.Repo != nil {
		dbContext = store.Snapshot(ctx, o.cfg.Repo, sess.From)
	}

	req := llm.CompletionRequest{
		Messages:     historyToMessages(sess.History()),
		SystemPrompt: sess.SystemPrompt(),
	}
	if dbContext != "" {
		req.SystemPrompt += "\n\nمعلومات العيادة الحالية:\n" + dbContext
	}

	var resp *llm.CompletionResponse
	start := time.Now()
	err := o.cfg.LLMBreaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		defer cancel()
		var err error
		resp, err = o.cfg.LLM.Complete(callCtx, req)
		return err
	})
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordProviderLatency(ctx, "llm", time.Since(start), err != nil)
	}
	if err != nil {
		o.playCapabilityFallback(ctx, sess, "llm", err)
		return nil, false
	}

	segments := parseSegments(resp.Content)
	if len(segments) == 0 {
		return nil, false
	}
	return segments, true
}

// speak synthesizes segments concurrently, enqueues them in declaration
// order at NORMAL priority, appends each segment's text to history, and
// applies segment actions. A failed segment is skipped; if no segment
// produced audio, a generic error utterance is played.
func (o *Orchestrator) speak(ctx context.Context, sess *session.Session, gen int64, segments []ResponseSegment) {
	reorder := sequencer.NewReorder(sess.Sequencer)
	var produced atomic.Int64

	var g errgroup.Group
	for i, seg := range segments {
		sess.AppendAssistant(seg.Persona, seg.Text)
		g.Go(func() error {
			pcm, err := o.synthesize(ctx, seg.Text, seg.Persona)
			if err != nil || gen != sess.CurrentTurn() {
				reorder.Skip(i)
				return nil
			}
			reorder.Submit(i, sequencer.Segment{
				PCM:       pcm,
				Persona:   seg.Persona,
				Priority:  sequencer.PriorityNormal,
				TextLabel: seg.Text,
			})
			produced.Add(1)
			return nil
		})
	}
	g.Wait()

	for _, seg := range segments {
		o.applyAction(ctx, sess, seg)
	}

	if produced.Load() == 0 && gen == sess.CurrentTurn() {
		o.playFallbackText(ctx, sess, genericErrorText)
	}
}

// synthesize runs TTS through its breaker with the persona's voice.
func (o *Orchestrator) synthesize(ctx context.Context, text, persona string) ([]byte, error) {
	var pcm []byte
	start := time.Now()
	err := o.cfg.TTSBreaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		defer cancel()
		var err error
		pcm, err = o.cfg.TTS.Synthesize(callCtx, text, o.voiceFor(persona))
		return err
	})
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordProviderLatency(ctx, "tts", time.Since(start), err != nil)
	}
	if err != nil {
		slog.Warn("segment synthesis failed", "error", err)
		return nil, err
	}
	return pcm, nil
}

// applyAction reacts to a segment's structured action.
func (o *Orchestrator) applyAction(ctx context.Context, sess *session.Session, seg ResponseSegment) {
	switch seg.Action {
	case ActionTransferPersona:
		sess.SetPersona(seg.Persona)
	case ActionBookAppointment:
		if o.cfg.Bus != nil {
			o.cfg.Bus.Publish(events.AppointmentCreated, map[string]any{
				"call_control_id": sess.CallControlID,
				"phone":           sess.From,
			}, events.WithSource("pipeline"), events.WithCorrelationID(sess.CallControlID))
		}
	case ActionCheckInsurance:
		// Coverage details already flow through the db context; nothing to
		// mutate.
	case ActionEndCall:
		if o.cfg.OnEndCall != nil {
			o.cfg.OnEndCall(sess.CallControlID)
		}
	}
}

// PlayGreeting synthesizes and enqueues the opening greeting, recording it
// as the first assistant message.
func (o *Orchestrator) PlayGreeting(ctx context.Context, sess *session.Session) {
	pcm, err := o.synthesize(ctx, Greeting, "sara")
	if err != nil {
		return
	}
	sess.Sequencer.Enqueue(sequencer.Segment{
		PCM:       pcm,
		Persona:   "sara",
		Priority:  sequencer.PriorityNormal,
		TextLabel: Greeting,
	})
	sess.AppendAssistant("sara", Greeting)
}

// enqueueFiller plays a filler phrase, using its pre-synthesized PCM when
// available and TTS otherwise. Filler failures are silent.
func (o *Orchestrator) enqueueFiller(ctx context.Context, sess *session.Session, phrase filler.Phrase, pri sequencer.Priority) {
	pcm := phrase.PCM
	if pcm == nil {
		var err error
		pcm, err = o.synthesize(ctx, phrase.Text, sess.Persona())
		if err != nil {
			return
		}
	}
	sess.Sequencer.Enqueue(sequencer.Segment{
		PCM:       pcm,
		Persona:   sess.Persona(),
		Priority:  pri,
		TextLabel: phrase.Text,
	})
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.CountFiller(ctx, phrase.Category)
	}
}

// playCapabilityFallback plays the capability's Arabic fallback utterance at
// HIGH priority.
func (o *Orchestrator) playCapabilityFallback(ctx context.Context, sess *session.Session, capability string, err error) {
	o.fallbacks.Add(1)

	text := genericErrorText
	if boe, ok := resilience.IsBreakerOpen(err); ok && boe.FallbackText != "" {
		text = boe.FallbackText
	} else {
		switch capability {
		case "asr":
			text = "عذراً، ما سمعتك زين. ممكن تعيد؟"
		case "llm":
			text = "النظام مشغول حالياً، لحظة من فضلك"
		}
	}
	slog.Warn("capability failed, playing fallback",
		"capability", capability,
		"call_control_id", sess.CallControlID,
		"error", err)
	o.playFallbackText(ctx, sess, text)
}

// playFallbackText synthesizes and enqueues an utterance at HIGH priority.
// When synthesis itself is unavailable it plays pre-rendered filler audio
// instead, and with none cached it ends the call rather than leaving the
// caller in dead air.
func (o *Orchestrator) playFallbackText(ctx context.Context, sess *session.Session, text string) {
	pcm, err := o.synthesize(ctx, text, sess.Persona())
	if err == nil {
		sess.Sequencer.Enqueue(sequencer.Segment{
			PCM:       pcm,
			Persona:   sess.Persona(),
			Priority:  sequencer.PriorityHigh,
			TextLabel: text,
		})
		return
	}

	if phrase, ok := o.cfg.Fillers.Prerendered("thinking"); ok {
		sess.Sequencer.Enqueue(sequencer.Segment{
			PCM:       phrase.PCM,
			Persona:   sess.Persona(),
			Priority:  sequencer.PriorityHigh,
			TextLabel: phrase.Text,
		})
		return
	}

	slog.Error("no fallback audio available, ending call",
		"call_control_id", sess.CallControlID)
	if o.cfg.OnEndCall != nil {
		o.cfg.OnEndCall(sess.CallControlID)
	}
}

// voiceFor resolves a persona's configured voice, defaulting to sara's.
func (o *Orchestrator) voiceFor(persona string) tts.Voice {
	if v, ok := o.cfg.Voices[persona]; ok {
		return v
	}
	return o.cfg.Voices["sara"]
}

// Stats returns process-wide pipeline counters and breaker states.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Turns:      o.turns.Load(),
		BargeIns:   o.bargeIns.Load(),
		Fallbacks:  o.fallbacks.Load(),
		ASRBreaker: o.cfg.ASRBreaker.State().String(),
		LLMBreaker: o.cfg.LLMBreaker.State().String(),
		TTSBreaker: o.cfg.TTSBreaker.State().String(),
	}
	if s.Turns > 0 {
		s.AvgLatencyMS = float64(o.totalLatencyMS.Load()) / float64(s.Turns)
	}
	return s
}

// historyToMessages maps session history to LLM messages, collapsing
// persona roles onto "assistant".
func historyToMessages(history []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := m.Role
		if role != "user" {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

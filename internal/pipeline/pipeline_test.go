package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nexusmiracle/callcore/internal/events"
	"github.com/nexusmiracle/callcore/internal/filler"
	"github.com/nexusmiracle/callcore/internal/resilience"
	"github.com/nexusmiracle/callcore/internal/sequencer"
	"github.com/nexusmiracle/callcore/internal/session"
	"github.com/nexusmiracle/callcore/internal/store"
	"github.com/nexusmiracle/callcore/pkg/audio/vad"
	"github.com/nexusmiracle/callcore/pkg/provider/asr"
	asrmock "github.com/nexusmiracle/callcore/pkg/provider/asr/mock"
	llmmock "github.com/nexusmiracle/callcore/pkg/provider/llm/mock"
	"github.com/nexusmiracle/callcore/pkg/provider/tts"
	ttsmock "github.com/nexusmiracle/callcore/pkg/provider/tts/mock"
)

// fixture bundles an orchestrator with its mocks and a fresh session.
type fixture struct {
	orch *Orchestrator
	sess *session.Session
	mgr  *session.Manager

	asr *asrmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
}

func newBreaker(service string) *resilience.CircuitBreaker {
	return resilience.New(resilience.Config{
		Service:      service,
		FallbackText: "fallback " + service,
		MaxFailures:  3,
	})
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		asr: &asrmock.Provider{},
		llm: &llmmock.Provider{},
		tts: &ttsmock.Provider{},
	}

	cfg := Config{
		ASR:        f.asr,
		LLM:        f.llm,
		TTS:        f.tts,
		ASRBreaker: newBreaker("asr"),
		LLMBreaker: newBreaker("llm"),
		TTSBreaker: newBreaker("tts"),
		Fillers:    filler.Default(),
		Repo:       store.NewMem(),
		Bus:        events.NewBus(),
		Voices: map[string]tts.Voice{
			"sara":  {ID: "voice-sara"},
			"nexus": {ID: "voice-nexus"},
		},
		FillerDelay: time.Hour, // effectively off unless a test lowers it
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch

	f.mgr = session.NewManager(session.Config{}, events.NewBus())
	sess, err := f.mgr.Create(context.Background(), "call-1", "+966551234567", "+966112220000")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess.BindOutput(func([]byte) {})
	f.sess = sess
	t.Cleanup(func() { f.mgr.EndAll("test done") })

	return f
}

// synthesizedTexts returns every text passed to the TTS mock.
func (f *fixture) synthesizedTexts() []string {
	var out []string
	for _, c := range f.tts.SynthesizeCalls {
		out = append(out, c.Text)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within 2s")
}

func utterance() []byte { return make([]byte, 640*10) }

func TestHappyPathTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "أبغى أحجز موعد مع دكتور أسنان"}}
	f.llm.Responses = []string{`[
		{"persona": "sara", "text": "أكيد، عندنا د. فهد", "emotion": "happy", "action": "none"},
		{"persona": "sara", "text": "أي يوم يناسبك؟", "emotion": "neutral", "action": "none"}
	]`}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	h := f.sess.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3 (user + 2 assistant)", len(h))
	}
	if h[0].Role != "user" || h[0].Content != "أبغى أحجز موعد مع دكتور أسنان" {
		t.Errorf("user entry = %+v", h[0])
	}
	if h[1].Role != "sara" || h[2].Content != "أي يوم يناسبك؟" {
		t.Errorf("assistant entries = %+v, %+v", h[1], h[2])
	}

	texts := f.synthesizedTexts()
	if len(texts) != 2 {
		t.Fatalf("TTS called %d times, want 2: %v", len(texts), texts)
	}

	// The LLM saw the system prompt and the user message.
	if len(f.llm.CompleteCalls) != 1 {
		t.Fatalf("LLM called %d times, want 1", len(f.llm.CompleteCalls))
	}
	req := f.llm.CompleteCalls[0].Req
	if req.SystemPrompt == "" {
		t.Error("system prompt not forwarded")
	}
	if req.Messages[len(req.Messages)-1].Role != "user" {
		t.Error("last message to the LLM is not the user turn")
	}

	if f.orch.Stats().Turns != 1 {
		t.Errorf("Stats().Turns = %d, want 1", f.orch.Stats().Turns)
	}
}

func TestEmptyTranscriptReleasesTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: ""}}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	if len(f.sess.History()) != 0 {
		t.Error("history advanced on empty transcript")
	}
	if len(f.llm.CompleteCalls) != 0 {
		t.Error("LLM invoked on empty transcript")
	}
}

func TestWhitespaceTranscriptDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "   \n\t"}}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	if len(f.sess.History()) != 0 {
		t.Error("history advanced on whitespace-only transcript")
	}
	if len(f.llm.CompleteCalls) != 0 {
		t.Error("LLM invoked on whitespace-only transcript")
	}
}

func TestASRBreakerOpenPlaysFallback(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ASRBreaker = resilience.NewDisabled(resilience.Config{
			Service:      "asr",
			FallbackText: "عذراً، ما سمعتك",
		})
	})

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	if len(f.sess.History()) != 0 {
		t.Error("history advanced although ASR was unavailable")
	}
	texts := f.synthesizedTexts()
	if len(texts) != 1 || texts[0] != "عذراً، ما سمعتك" {
		t.Errorf("synthesized texts = %v, want the ASR fallback", texts)
	}
}

func TestLLMFailurePlaysFallbackWithoutAssistantTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "مرحبا"}}
	f.llm.Err = errors.New("upstream 500")

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	h := f.sess.History()
	if len(h) != 1 || h[0].Role != "user" {
		t.Fatalf("history = %+v, want only the user turn", h)
	}
	texts := f.synthesizedTexts()
	if len(texts) != 1 || texts[0] != "النظام مشغول حالياً، لحظة من فضلك" {
		t.Errorf("synthesized texts = %v, want the LLM fallback", texts)
	}
}

func TestEmpathyFillerEnqueued(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "أنا تعبان ومريض"}}
	f.llm.Responses = []string{`[{"persona": "sara", "text": "الله يعافيك", "action": "none"}]`}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	// First synthesis is the empathy filler, before the response segment.
	texts := f.synthesizedTexts()
	if len(texts) != 2 {
		t.Fatalf("TTS called %d times, want 2: %v", len(texts), texts)
	}
	empathyTexts := map[string]bool{}
	for _, p := range filler.Default().Phrases("empathy") {
		empathyTexts[p.Text] = true
	}
	if !empathyTexts[texts[0]] {
		t.Errorf("first synthesized text %q is not an empathy filler", texts[0])
	}
}

func TestDelayedFillerFiresWhileLLMPending(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.FillerDelay = 50 * time.Millisecond
	})
	f.asr.Results = []asr.Result{{Text: "وش عندكم تخصصات؟"}}
	f.llm.Responses = []string{`[{"persona": "sara", "text": "عندنا أسنان وجلدية", "action": "none"}]`}
	f.llm.Delay = func(ctx context.Context) error {
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	searching := map[string]bool{}
	for _, p := range filler.Default().Phrases("searching") {
		searching[p.Text] = true
	}
	texts := f.synthesizedTexts()
	foundFiller := false
	for _, txt := range texts {
		if searching[txt] {
			foundFiller = true
		}
	}
	if !foundFiller {
		t.Errorf("no searching filler synthesized while LLM was pending: %v", texts)
	}

	// The filler never enters history; only the real assistant text does.
	h := f.sess.History()
	if len(h) != 2 || h[1].Content != "عندنا أسنان وجلدية" {
		t.Errorf("history = %+v", h)
	}
}

func TestDelayedFillerNotFiredOnFastLLM(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.FillerDelay = time.Hour
	})
	f.asr.Results = []asr.Result{{Text: "مرحبا"}}
	f.llm.Responses = []string{`[{"persona": "sara", "text": "أهلاً", "action": "none"}]`}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	texts := f.synthesizedTexts()
	if len(texts) != 1 || texts[0] != "أهلاً" {
		t.Errorf("synthesized texts = %v, want only the response", texts)
	}
}

func TestBargeInDiscardsCompletedOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "سؤال"}}
	f.llm.Responses = []string{`[{"persona": "sara", "text": "جواب", "action": "none"}]`}

	llmStarted := make(chan struct{})
	release := make(chan struct{})
	f.llm.Delay = func(ctx context.Context) error {
		close(llmStarted)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.orch.ProcessTurn(context.Background(), f.sess, utterance())
	}()

	<-llmStarted
	// Caller barges in while the LLM is still working.
	f.sess.InvalidateTurn()
	close(release)
	<-done

	// The completed LLM output is discarded: no synthesis, no assistant turn.
	if len(f.tts.SynthesizeCalls) != 0 {
		t.Errorf("TTS called for a cancelled turn: %v", f.synthesizedTexts())
	}
	h := f.sess.History()
	if len(h) != 1 || h[0].Role != "user" {
		t.Errorf("history = %+v, want only the user turn", h)
	}
}

func TestTTSFailureSkipsSegmentKeepsHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "مرحبا"}}
	f.llm.Responses = []string{`[{"persona": "sara", "text": "أهلاً", "action": "none"}]`}
	f.tts.Err = errors.New("tts down")

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	// Assistant text stays in history even though its audio failed.
	h := f.sess.History()
	if len(h) != 2 || h[1].Content != "أهلاً" {
		t.Errorf("history = %+v", h)
	}
}

// prerenderedFillers builds a cache whose thinking phrase carries preloaded
// audio, as produced by a catalogue directory with cached PCM files.
func prerenderedFillers(t *testing.T) *filler.Cache {
	t.Helper()
	dir := t.TempDir()
	catalogue := `{"thinking": {"phrases": [{"id": "think_1", "text": "لحظة من فضلك", "audio_file": "think_1.pcm"}]}}`
	if err := os.WriteFile(filepath.Join(dir, "filler_phrases.json"), []byte(catalogue), 0o644); err != nil {
		t.Fatalf("write catalogue: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "audio"), 0o755); err != nil {
		t.Fatalf("mkdir audio: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "audio", "think_1.pcm"), make([]byte, 640), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	cache, err := filler.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cache
}

func TestTTSUnavailableFallbackUsesCachedAudio(t *testing.T) {
	cache := prerenderedFillers(t)
	ended := false
	f := newFixture(t, func(cfg *Config) {
		cfg.TTSBreaker = resilience.NewDisabled(resilience.Config{Service: "tts"})
		cfg.Fillers = cache
		cfg.OnEndCall = func(string) { ended = true }
	})
	f.asr.Results = []asr.Result{{Text: "مرحبا"}}
	f.llm.Err = errors.New("upstream 500")

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	if len(f.tts.SynthesizeCalls) != 0 {
		t.Errorf("TTS invoked although its breaker is open: %v", f.synthesizedTexts())
	}
	if got := cache.Stats().TotalUses; got != 1 {
		t.Errorf("cached filler uses = %d, want 1", got)
	}
	if ended {
		t.Error("call ended although cached fallback audio was available")
	}
}

func TestTTSUnavailableWithoutCachedAudioEndsCall(t *testing.T) {
	var endedID string
	f := newFixture(t, func(cfg *Config) {
		cfg.TTSBreaker = resilience.NewDisabled(resilience.Config{Service: "tts"})
		cfg.OnEndCall = func(id string) { endedID = id }
	})
	f.asr.Results = []asr.Result{{Text: "مرحبا"}}
	f.llm.Err = errors.New("upstream 500")

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	// The embedded catalogue has no cached audio, so nothing can be played:
	// the call must be ended rather than left up in silence.
	if endedID != "call-1" {
		t.Errorf("OnEndCall received %q, want call-1", endedID)
	}
}

func TestEndCallAction(t *testing.T) {
	var endedID string
	f := newFixture(t, func(cfg *Config) {
		cfg.OnEndCall = func(id string) { endedID = id }
	})
	f.asr.Results = []asr.Result{{Text: "شكراً مع السلامة"}}
	f.llm.Responses = []string{`[{"persona": "sara", "text": "مع السلامة!", "action": "end_call"}]`}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	if endedID != "call-1" {
		t.Errorf("OnEndCall received %q, want call-1", endedID)
	}
}

func TestTransferPersonaAction(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "أبغى أكلم التقني"}}
	f.llm.Responses = []string{`[{"persona": "nexus", "text": "معك نكسس", "action": "transfer_persona"}]`}

	f.orch.ProcessTurn(context.Background(), f.sess, utterance())

	if f.sess.Persona() != "nexus" {
		t.Errorf("persona = %q, want nexus", f.sess.Persona())
	}
	// The segment used the nexus voice.
	if got := f.tts.SynthesizeCalls[0].Voice.ID; got != "voice-nexus" {
		t.Errorf("voice = %q, want voice-nexus", got)
	}
}

func TestPlayGreeting(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.PlayGreeting(context.Background(), f.sess)

	h := f.sess.History()
	if len(h) != 1 || h[0].Role != "sara" || !strings.Contains(h[0].Content, "سارة") {
		t.Errorf("history = %+v", h)
	}
	if len(f.tts.SynthesizeCalls) != 1 {
		t.Fatalf("TTS called %d times, want 1", len(f.tts.SynthesizeCalls))
	}
}

func TestRunCallProcessesUtterance(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Results = []asr.Result{{Text: "مرحبا"}}
	f.llm.Responses = []string{`[{"persona": "sara", "text": "أهلاً", "action": "none"}]`}

	ch := make(chan AudioEvent, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orch.RunCall(ctx, f.sess, ch)

	frame := make([]byte, 640)
	ch <- AudioEvent{Type: vad.SpeechStart, PCM: frame}
	ch <- AudioEvent{Type: vad.SpeechContinue, PCM: frame}
	ch <- AudioEvent{Type: vad.SpeechEnd}

	waitFor(t, func() bool { return len(f.sess.History()) == 2 })

	// ASR received the buffered utterance (two frames).
	if got := len(f.asr.TranscribeCalls[0].PCM); got != 1280 {
		t.Errorf("ASR received %d bytes, want 1280", got)
	}
}

func TestRunCallBargeInStopsSequencer(t *testing.T) {
	f := newFixture(t, nil)

	ch := make(chan AudioEvent, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orch.RunCall(ctx, f.sess, ch)

	// Long segment keeps the sequencer busy.
	f.sess.Sequencer.Enqueue(sequencer.Segment{
		PCM:      make([]byte, 640*100),
		Persona:  "sara",
		Priority: sequencer.PriorityNormal,
	})
	waitFor(t, func() bool { return f.sess.Sequencer.Playing() })

	gen := f.sess.CurrentTurn()
	ch <- AudioEvent{Type: vad.SpeechStart, PCM: make([]byte, 640)}

	waitFor(t, func() bool { return !f.sess.Sequencer.Playing() })
	if f.sess.Sequencer.QueueLen() != 0 {
		t.Error("queue not cleared on barge-in")
	}
	waitFor(t, func() bool { return f.sess.CurrentTurn() != gen })
}

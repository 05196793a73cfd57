package events

import (
	"sync"
	"testing"
	"time"
)

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

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(CallStarted, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	b.Publish(CallStarted, map[string]any{"call_control_id": "c1"},
		WithSource("telephony"), WithCorrelationID("c1"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	ev := got[0]
	if ev.Type != CallStarted {
		t.Errorf("Type = %q", ev.Type)
	}
	if ev.Source != "telephony" {
		t.Errorf("Source = %q, want telephony", ev.Source)
	}
	if ev.CorrelationID != "c1" {
		t.Errorf("CorrelationID = %q, want c1", ev.CorrelationID)
	}
	if ev.Data["call_control_id"] != "c1" {
		t.Errorf("Data = %v", ev.Data)
	}
}

func TestPublishOnlyMatchingType(t *testing.T) {
	b := NewBus()

	var calls sync.WaitGroup
	calls.Add(1)
	b.Subscribe(CallEnded, func(Event) { calls.Done() })

	wrongType := make(chan struct{}, 1)
	b.Subscribe(CallStarted, func(Event) { wrongType <- struct{}{} })

	b.Publish(CallEnded, nil)
	calls.Wait()

	select {
	case <-wrongType:
		t.Fatal("handler for a different type was invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDefaultsApplied(t *testing.T) {
	b := NewBus()
	b.Publish(SystemHealthCheck, nil)

	hist := b.History(SystemHealthCheck, 1)
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Source != "system" {
		t.Errorf("Source = %q, want system", hist[0].Source)
	}
	if hist[0].CorrelationID == "" {
		t.Error("CorrelationID not generated")
	}
	if hist[0].Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestPanickingHandlerIsolated(t *testing.T) {
	b := NewBus()

	b.Subscribe(CallError, func(Event) { panic("boom") })

	delivered := make(chan struct{}, 1)
	b.Subscribe(CallError, func(Event) { delivered <- struct{}{} })

	b.Publish(CallError, nil)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestHistoryBounded(t *testing.T) {
	b := NewBus()

	for range 150 {
		b.Publish(SystemHealthCheck, nil)
	}

	if got := len(b.History("", 200)); got != maxHistory {
		t.Errorf("history length = %d, want %d", got, maxHistory)
	}
}

func TestHistoryFilterAndLimit(t *testing.T) {
	b := NewBus()

	b.Publish(CallStarted, map[string]any{"n": 1})
	b.Publish(CallEnded, nil)
	b.Publish(CallStarted, map[string]any{"n": 2})

	hist := b.History(CallStarted, 10)
	if len(hist) != 2 {
		t.Fatalf("filtered history length = %d, want 2", len(hist))
	}
	// Newest last.
	if hist[1].Data["n"] != 2 {
		t.Errorf("last event Data = %v", hist[1].Data)
	}

	if got := len(b.History("", 2)); got != 2 {
		t.Errorf("limited history length = %d, want 2", got)
	}
}

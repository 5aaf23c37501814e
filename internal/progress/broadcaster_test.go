package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stemforge/api/internal/model"
)

// captureSink records every published event for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (s *captureSink) Publish(event model.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) all() []model.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProgressEvent, len(s.events))
	copy(out, s.events)
	return out
}

func TestPredictedProgressStaysBelowCap(t *testing.T) {
	estimated := 100 * time.Second
	for _, elapsed := range []time.Duration{0, time.Second, 50 * time.Second, 99 * time.Second, 200 * time.Second} {
		pct := PredictedProgress(elapsed, estimated)
		if pct < 0 || pct >= 95 {
			t.Errorf("elapsed=%v: progress %v outside [0, 95)", elapsed, pct)
		}
	}
	if got := PredictedProgress(time.Second, 0); got != 0 {
		t.Errorf("expected 0 for zero estimate, got %v", got)
	}
}

func TestPredictedProgressIncreases(t *testing.T) {
	estimated := 60 * time.Second
	prev := -1.0
	for elapsed := time.Second; elapsed < estimated; elapsed += 5 * time.Second {
		pct := PredictedProgress(elapsed, estimated)
		if pct <= prev {
			t.Fatalf("progress not increasing at elapsed=%v: %v <= %v", elapsed, pct, prev)
		}
		prev = pct
	}
	// The curve should be near the midpoint at half the estimate.
	mid := PredictedProgress(30*time.Second, estimated)
	if mid < 40 || mid > 55 {
		t.Errorf("expected midpoint near 47.5, got %v", mid)
	}
}

func TestEstimateDuration(t *testing.T) {
	cases := []struct {
		stage    string
		duration float64
		want     time.Duration
	}{
		{"separation", 120, 180 * time.Second},
		{"separation", 0, 180 * time.Second},
		{"transcription", 120, 80 * time.Second},
		{"transcription", 0, 45 * time.Second},
		{"karaoke", 100, 15 * time.Second},
		{"karaoke", 0, 15 * time.Second},
		{"musicgen", 0, 30 * time.Second},
		{"musicgen", 90, 90 * time.Second},
	}
	for _, tc := range cases {
		if got := EstimateDuration(tc.stage, tc.duration); got != tc.want {
			t.Errorf("EstimateDuration(%q, %v) = %v, want %v", tc.stage, tc.duration, got, tc.want)
		}
	}
}

func TestStageCompleteEmitsExactHundred(t *testing.T) {
	sink := &captureSink{}
	b := NewBroadcaster(sink)

	stage := b.StartPredictive("job-1", "separation", 10*time.Second)
	stage.Complete("separation complete")
	// Complete is idempotent.
	stage.Complete("again")

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Progress != 100 {
		t.Errorf("expected progress 100, got %v", events[0].Progress)
	}
	if events[0].Stage != "separation" {
		t.Errorf("expected stage separation, got %s", events[0].Stage)
	}
	if events[0].Event != model.WSEventProgress {
		t.Errorf("expected event type %s, got %s", model.WSEventProgress, events[0].Event)
	}
}

func TestStageFailEmitsError(t *testing.T) {
	sink := &captureSink{}
	b := NewBroadcaster(sink)

	stage := b.StartPredictive("job-1", "transcription", 10*time.Second)
	stage.Fail("model crashed")
	stage.Complete("should be ignored")

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Error != "model crashed" {
		t.Errorf("expected error field set, got %q", events[0].Error)
	}
}

func TestPredictiveTicksThrottled(t *testing.T) {
	sink := &captureSink{}
	b := NewBroadcaster(sink)

	stage := b.StartPredictive("job-1", "separation", 3*time.Second)
	time.Sleep(1500 * time.Millisecond)
	stage.Complete("done")

	events := sink.all()
	if len(events) < 2 {
		t.Fatalf("expected predictive ticks before completion, got %d events", len(events))
	}
	prev := -1.0
	for _, ev := range events {
		if ev.Progress <= prev {
			t.Errorf("progress went backward: %v after %v", ev.Progress, prev)
		}
		prev = ev.Progress
	}
	last := events[len(events)-1]
	if last.Progress != 100 {
		t.Errorf("expected final event at 100, got %v", last.Progress)
	}
}

func TestEmitObserved(t *testing.T) {
	sink := &captureSink{}
	b := NewBroadcaster(sink)

	b.EmitObserved("upload-1", "upload", 512, 1024)
	b.EmitObserved("upload-1", "upload", 512, 0) // ignored

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Progress != 50 {
		t.Errorf("expected 50%% progress, got %v", events[0].Progress)
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	b := NewBroadcaster(nil)
	b.EmitComplete("job-1", "stage", "done")
	stage := b.StartPredictive("job-1", "stage", time.Second)
	stage.Complete("done")
}

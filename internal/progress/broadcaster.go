// Package progress emits stage/percentage events for operations whose
// true completion cannot always be observed. Upload progress is derived
// from byte counts; processing stages use a time-based sigmoid estimate
// capped below 100 until the stage is explicitly completed.
package progress

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stemforge/api/internal/model"
)

// Sink receives every emitted event. The WebSocket hub implements it.
type Sink interface {
	Publish(event model.ProgressEvent)
}

const (
	// predictiveCap keeps the estimated curve from claiming completion
	// before the processor actually returns.
	predictiveCap = 95.0

	// sigmoid scaling: t/T mapped onto [-6, 6].
	sigmoidSteepness = 12.0

	tickInterval = 500 * time.Millisecond

	// minDelta throttles emissions to one per whole percentage point.
	minDelta = 1.0
)

// Broadcaster fans progress events out to a sink.
type Broadcaster struct {
	sink Sink
}

// NewBroadcaster creates a Broadcaster. A nil sink drops all events,
// which keeps callers free of nil checks in tests.
func NewBroadcaster(sink Sink) *Broadcaster {
	return &Broadcaster{sink: sink}
}

func (b *Broadcaster) publish(ev model.ProgressEvent) {
	if b == nil || b.sink == nil {
		return
	}
	ev.Event = model.WSEventProgress
	if ev.Progress < 0 {
		ev.Progress = 0
	}
	if ev.Progress > 100 {
		ev.Progress = 100
	}
	b.sink.Publish(ev)
}

// EmitObserved reports byte-level progress, e.g. on upload chunk
// boundaries.
func (b *Broadcaster) EmitObserved(jobID, stage string, received, total int64) {
	if total <= 0 {
		return
	}
	pct := float64(received) / float64(total) * 100
	mb := func(n int64) float64 { return float64(n) / (1024 * 1024) }
	b.publish(model.ProgressEvent{
		JobID:    jobID,
		Stage:    stage,
		Progress: pct,
		Message:  fmt.Sprintf("Uploading: %.1f/%.1f MB", mb(received), mb(total)),
	})
}

// EmitComplete reports the final 100% for a stage.
func (b *Broadcaster) EmitComplete(jobID, stage, message string) {
	b.publish(model.ProgressEvent{
		JobID:    jobID,
		Stage:    stage,
		Progress: 100,
		Message:  message,
	})
}

// EmitError reports a failed stage.
func (b *Broadcaster) EmitError(jobID, stage, errMessage string) {
	b.publish(model.ProgressEvent{
		JobID:   jobID,
		Stage:   stage,
		Message: "Error: " + errMessage,
		Error:   errMessage,
	})
}

// Stage is a predictive progress timer for one processing stage. It
// self-cancels when elapsed time reaches the estimate; Complete and
// Fail cancel it deterministically so a late tick can never race the
// real completion.
type Stage struct {
	b         *Broadcaster
	jobID     string
	name      string
	estimated time.Duration
	started   time.Time

	cancel context.CancelFunc
	done   sync.Once
}

// StartPredictive begins emitting sigmoid-estimated progress for a
// stage expected to take estimated wall time.
func (b *Broadcaster) StartPredictive(jobID, stage string, estimated time.Duration) *Stage {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stage{
		b:         b,
		jobID:     jobID,
		name:      stage,
		estimated: estimated,
		started:   time.Now(),
		cancel:    cancel,
	}
	if estimated > 0 {
		go s.run(ctx)
	}
	return s
}

func (s *Stage) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	last := 0.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsed := time.Since(s.started)
		if elapsed >= s.estimated {
			return
		}

		pct := PredictedProgress(elapsed, s.estimated)
		if pct-last < minDelta {
			continue
		}
		last = pct

		remaining := (s.estimated - elapsed).Seconds()
		s.b.publish(model.ProgressEvent{
			JobID:                     s.jobID,
			Stage:                     s.name,
			Progress:                  pct,
			Message:                   fmt.Sprintf("%s... %ds elapsed, ~%ds remaining", s.name, int(elapsed.Seconds()), int(remaining)),
			EstimatedSecondsRemaining: &remaining,
		})
	}
}

// Complete stops the timer and emits the explicit 100% event.
func (s *Stage) Complete(message string) {
	s.done.Do(func() {
		s.cancel()
		s.b.EmitComplete(s.jobID, s.name, message)
	})
}

// Fail stops the timer and emits an error event.
func (s *Stage) Fail(errMessage string) {
	s.done.Do(func() {
		s.cancel()
		s.b.EmitError(s.jobID, s.name, errMessage)
	})
}

// PredictedProgress maps elapsed time onto a bounded sigmoid: fast
// start, slow middle, fast end, never reaching the cap before the
// explicit completion signal.
func PredictedProgress(elapsed, estimated time.Duration) float64 {
	if estimated <= 0 {
		return 0
	}
	t := elapsed.Seconds()/estimated.Seconds()*sigmoidSteepness - sigmoidSteepness/2
	return predictiveCap / (1 + math.Exp(-t))
}

// EstimateDuration returns the static heuristic for how long a stage
// will run, given the audio duration in seconds (0 when unknown).
func EstimateDuration(stage string, audioDuration float64) time.Duration {
	seconds := func(v float64) time.Duration {
		return time.Duration(v * float64(time.Second))
	}
	switch stage {
	case "separation", "demucs":
		if audioDuration > 0 {
			return seconds(audioDuration * 1.5)
		}
		return 180 * time.Second
	case "transcription", "whisper":
		if audioDuration > 0 {
			return seconds(20 + audioDuration*0.5)
		}
		return 45 * time.Second
	case "karaoke":
		if audioDuration > 0 {
			return seconds(10 + audioDuration*0.05)
		}
		return 15 * time.Second
	default:
		if audioDuration > 30 {
			return seconds(audioDuration)
		}
		return 30 * time.Second
	}
}

package websocket

import (
	"testing"
	"time"

	"github.com/stemforge/api/internal/model"
)

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub()
	// No Run loop draining the broadcast channel: once the buffer fills,
	// further events must be dropped instead of blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(model.ProgressEvent{JobID: "job-1", Progress: float64(i % 100)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full broadcast buffer")
	}
}

func TestClientCountStartsEmpty(t *testing.T) {
	hub := NewHub()
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("expected 0 clients, got %d", n)
	}
}

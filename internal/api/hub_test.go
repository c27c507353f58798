package api_test

import (
	"testing"
	"time"

	"github.com/fidus/capital-engine/internal/api"
	"github.com/fidus/capital-engine/internal/model"
)

func TestEventHub_PublishNeverBlocks(t *testing.T) {
	hub := api.NewEventHub()

	done := make(chan struct{})
	go func() {
		// Run is not started, so the buffer fills and the rest are dropped.
		for i := 0; i < 1000; i++ {
			hub.Publish(model.Event{Type: "allocation_allocate", FundCode: "CORE", Version: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full buffer")
	}
}

func TestEventHub_CloseStopsRun(t *testing.T) {
	hub := api.NewEventHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()

	hub.Close()
	hub.Close() // idempotent

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if n := hub.Clients(); n != 0 {
		t.Errorf("expected no clients, got %d", n)
	}
}

package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type stubBus struct {
	ch chan []byte
}

func (b *stubBus) Publish(context.Context, string, []byte) error { return nil }

func (b *stubBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-b.ch:
				if !ok {
					return
				}
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubBroadcast(t *testing.T) {
	bus := &stubBus{ch: make(chan []byte, 1)}
	hub := NewHub(bus, "positions", discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hub.Run(ctx) }()

	c := &client{hub: hub, send: make(chan []byte, 4)}
	if !hub.add(c) {
		t.Fatal("add refused on a live hub")
	}

	payload := `{"type":"Opened","position_id":7}`
	bus.ch <- []byte(payload)

	select {
	case got := <-c.send:
		if string(got) != payload {
			t.Fatalf("payload = %s, want %s", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}

	cancel()
	<-errc
}

// After Run has shut down there is no receiver on the register and unregister
// channels; add and remove must still return instead of parking the pump
// goroutines forever.
func TestHubShutdownUnblocksPumps(t *testing.T) {
	bus := &stubBus{ch: make(chan []byte)}
	hub := NewHub(bus, "positions", discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hub.Run(ctx) }()

	c := &client{hub: hub, send: make(chan []byte, 1)}
	if !hub.add(c) {
		t.Fatal("add refused on a live hub")
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		hub.remove(c)
		if hub.add(&client{hub: hub, send: make(chan []byte, 1)}) {
			t.Error("add accepted a client after shutdown")
		}
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("add/remove blocked after shutdown")
	}
}

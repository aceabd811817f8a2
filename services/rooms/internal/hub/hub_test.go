package hub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc, <-chan error) {
	t.Helper()
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(cancel)
	return h, cancel, done
}

func receive(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatalf("send queue closed")
		}
		return string(msg)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return ""
}

func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("send queue not closed")
		}
	}
}

func waitSubscribers(t *testing.T, h *Hub, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.Subscribers(room) != want {
		if time.Now().After(deadline) {
			t.Fatalf("room %s: expected %d subscribers, got %d", room, want, h.Subscribers(room))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHubBroadcastsPerRoom(t *testing.T) {
	h, _, _ := startHub(t)
	ctx := context.Background()
	a1 := NewClient(nil, "ROOMA", "p1")
	a2 := NewClient(nil, "ROOMA", "p2")
	b := NewClient(nil, "ROOMB", "p3")
	for _, c := range []*Client{a1, a2, b} {
		if err := h.Subscribe(ctx, c, nil); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := h.Broadcast(ctx, "ROOMA", []byte(`{"type":"story_changed"}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := h.Broadcast(ctx, "ROOMB", []byte(`{"type":"room_reset"}`)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, c := range []*Client{a1, a2} {
		if got := receive(t, c); got != `{"type":"story_changed"}` {
			t.Fatalf("unexpected message %s", got)
		}
	}
	if got := receive(t, b); got != `{"type":"room_reset"}` {
		t.Fatalf("room B got %s", got)
	}
	waitSubscribers(t, h, "ROOMA", 2)
	waitSubscribers(t, h, "ROOMB", 1)
}

func TestHubInitialMessageComesFirst(t *testing.T) {
	h, _, _ := startHub(t)
	ctx := context.Background()
	c := NewClient(nil, "ROOMA", "p1")
	if err := h.Subscribe(ctx, c, []byte("state")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = h.Broadcast(ctx, "ROOMA", []byte("one"))
	_ = h.Direct(ctx, c, []byte("private"))
	_ = h.Broadcast(ctx, "ROOMA", []byte("two"))

	for _, want := range []string{"state", "one", "private", "two"} {
		if got := receive(t, c); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestHubUnsubscribeClosesOnce(t *testing.T) {
	h, _, _ := startHub(t)
	c := NewClient(nil, "ROOMA", "p1")
	_ = h.Subscribe(context.Background(), c, nil)
	h.Unsubscribe(c)
	h.Unsubscribe(c)
	waitClosed(t, c)
	waitSubscribers(t, h, "ROOMA", 0)

	_ = h.Direct(context.Background(), c, []byte("late"))
	_ = h.Broadcast(context.Background(), "ROOMA", []byte("late"))
	waitSubscribers(t, h, "ROOMA", 0)
}

func TestHubCloseRoomSendsFinalMessage(t *testing.T) {
	h, _, _ := startHub(t)
	ctx := context.Background()
	a1 := NewClient(nil, "ROOMA", "p1")
	a2 := NewClient(nil, "ROOMA", "p2")
	b := NewClient(nil, "ROOMB", "p3")
	for _, c := range []*Client{a1, a2, b} {
		_ = h.Subscribe(ctx, c, nil)
	}
	_ = h.Broadcast(ctx, "ROOMA", []byte("one"))
	if err := h.CloseRoom(ctx, "ROOMA", []byte(`{"type":"room_deleted"}`)); err != nil {
		t.Fatalf("close room: %v", err)
	}

	for _, c := range []*Client{a1, a2} {
		if got := receive(t, c); got != "one" {
			t.Fatalf("expected one, got %s", got)
		}
		if got := receive(t, c); got != `{"type":"room_deleted"}` {
			t.Fatalf("expected room_deleted, got %s", got)
		}
		waitClosed(t, c)
	}
	waitSubscribers(t, h, "ROOMA", 0)
	waitSubscribers(t, h, "ROOMB", 1)

	_ = h.Broadcast(ctx, "ROOMB", []byte("still here"))
	if got := receive(t, b); got != "still here" {
		t.Fatalf("room B got %s", got)
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h, _, _ := startHub(t)
	ctx := context.Background()
	slow := NewClient(nil, "ROOMA", "slow")
	_ = h.Subscribe(ctx, slow, nil)
	for range sendBuffer + 1 {
		if err := h.Broadcast(ctx, "ROOMA", []byte("x")); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	waitClosed(t, slow)
	waitSubscribers(t, h, "ROOMA", 0)
}

func TestHubStops(t *testing.T) {
	h, cancel, done := startHub(t)
	c := NewClient(nil, "ROOMA", "p1")
	_ = h.Subscribe(context.Background(), c, nil)
	waitSubscribers(t, h, "ROOMA", 1)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("hub did not stop")
	}
	waitClosed(t, c)
	if err := h.Broadcast(context.Background(), "ROOMA", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	late := NewClient(nil, "ROOMA", "p2")
	if err := h.Subscribe(context.Background(), late, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	waitClosed(t, late)
}

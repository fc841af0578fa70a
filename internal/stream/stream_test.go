package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := New()
	a := feed.Subscribe(ctx)
	b := feed.Subscribe(ctx)

	feed.Publish(Event{ID: "e1", Action: "LOGIN_SUCCESS"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.ID != "e1" {
				t.Fatalf("expected e1, got %q", evt.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("expected event")
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := New()
	feed.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			feed.Publish(Event{ID: "e"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestSubscribeClosesOnContextEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := New()
	ch := feed.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context end")
	}
}

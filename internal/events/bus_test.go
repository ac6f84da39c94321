package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(Connected, 1)

	b.Publish(Event{Topic: Connected})

	select {
	case ev := <-ch:
		if ev.Topic != Connected {
			t.Fatalf("expected Connected, got %v", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(Error, 1)

	b.Publish(Event{Topic: Error})
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Topic: Error})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
	<-ch
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe(Reconnected, 1)
	b.Unsubscribe(Reconnected, ch)

	b.Publish(Event{Topic: Reconnected})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

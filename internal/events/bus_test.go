package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventNewTradeDetected, 4)
	defer unsub()

	bus.Publish(Notification{Type: EventNewTradeDetected, AccountID: 1})
	bus.Publish(Notification{Type: EventPositionPnLUpdate, AccountID: 1})

	select {
	case n := <-ch:
		if n.Type != EventNewTradeDetected || n.AccountID != 1 {
			t.Fatalf("unexpected notification: %#v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	select {
	case n := <-ch:
		t.Fatalf("received event for an unsubscribed topic: %#v", n)
	default:
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventNewTradeDetected, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Notification{Type: EventNewTradeDetected, AccountID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventAccountInvalid, 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(Notification{Type: EventAccountInvalid})
}

package eventbus

import (
	"testing"
	"time"

	"sorelay/internal/domain"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeNotificationCreated, Data: NotificationEvent{AccountID: 1}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeNotificationCreated {
				t.Fatalf("unexpected type %q", ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish did not stamp time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypePollBackoff, Data: PollEvent{AccountID: domain.AccountID(i)}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// The channel is closed; publish must survive.
	b.Publish(Event{Type: TypePollFailed})

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}

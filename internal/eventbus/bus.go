package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"sorelay/internal/domain"
)

// Event types published by the relay pipeline.
const (
	TypeNotificationCreated = "notification.created"
	TypePollFailed          = "poll.failed"
	TypePollBackoff         = "poll.backoff"
)

// NotificationEvent is the payload for notification.created. The
// notification has already been durably persisted when this fires.
type NotificationEvent struct {
	AccountID    domain.AccountID    `json:"account_id"`
	Notification domain.Notification `json:"notification"`
}

// PollEvent is the payload for poll.failed / poll.backoff.
type PollEvent struct {
	AccountID domain.AccountID `json:"account_id"`
	Err       string           `json:"err,omitempty"`
	Backoff   time.Duration    `json:"backoff,omitempty"`
}

// Event is a lightweight in-memory signal decoupling the poller from the
// pusher and any other interested component. Publish never blocks;
// subscribers own a bounded buffer and may lose events when they fall
// behind. Anything that must not be lost belongs in storage, not here.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; slow subscribers drop. If a subscriber
		// unsubscribes concurrently and the channel closes, recover from
		// the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Package hub fans freshly stored notifications out to live subscribers.
//
// Delivery is best effort: every subscriber owns a bounded queue, a full
// queue drops its oldest entry to make room, and a drop marks the
// subscription degraded so the consumer knows to resync from storage.
// Publishing never blocks on a slow consumer.
package hub

import (
	"sync"
	"sync/atomic"

	"sorelay/internal/domain"
	"sorelay/pkg/logx"
)

const defaultQueueDepth = 64

// Subscription is one consumer's view of an account's notification feed.
type Subscription struct {
	accountID domain.AccountID
	ch        chan domain.Notification
	degraded  atomic.Bool
	dropped   atomic.Uint64
	closed    bool // guarded by hub.mu
}

// C is the receive channel. It is closed when the subscription is
// cancelled or the hub shuts down.
func (s *Subscription) C() <-chan domain.Notification { return s.ch }

// AccountID reports which account this subscription follows.
func (s *Subscription) AccountID() domain.AccountID { return s.accountID }

// Degraded reports whether any notification was dropped since Subscribe.
// A degraded consumer has a gap and should resync from storage.
func (s *Subscription) Degraded() bool { return s.degraded.Load() }

// Dropped returns the number of notifications dropped so far.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

type Hub struct {
	log   logx.Logger
	depth int

	mu     sync.Mutex
	subs   map[domain.AccountID]map[*Subscription]struct{}
	closed bool
}

func New(queueDepth int, log logx.Logger) *Hub {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Hub{
		log:   log,
		depth: queueDepth,
		subs:  map[domain.AccountID]map[*Subscription]struct{}{},
	}
}

// Subscribe registers interest in one account. The returned subscription
// only sees notifications published after this call.
func (h *Hub) Subscribe(accountID domain.AccountID) *Subscription {
	sub := &Subscription{
		accountID: accountID,
		ch:        make(chan domain.Notification, h.depth),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	set := h.subs[accountID]
	if set == nil {
		set = map[*Subscription]struct{}{}
		h.subs[accountID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Calling it
// again, or with a subscription the hub never saw, is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set, ok := h.subs[sub.accountID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.accountID)
		}
	}
}

// Publish delivers n to every subscriber of its account. It never blocks:
// a full queue sheds its oldest entry, and the subscription is marked
// degraded. Publish after Close is a no-op.
func (h *Hub) Publish(n domain.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs[n.AccountID] {
		for {
			select {
			case sub.ch <- n:
			default:
				// Queue full: drop the oldest and retry the send.
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
					if sub.degraded.CompareAndSwap(false, true) {
						h.log.Warn("hub: subscriber degraded, dropping oldest",
							logx.Int64("account_id", int64(n.AccountID)))
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers reports the live subscription count for an account.
func (h *Hub) Subscribers(accountID domain.AccountID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[accountID])
}

// Close shuts the hub down, closing every subscriber channel. Further
// Subscribe calls return already-closed subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			sub.closed = true
			close(sub.ch)
		}
	}
	h.subs = map[domain.AccountID]map[*Subscription]struct{}{}
}

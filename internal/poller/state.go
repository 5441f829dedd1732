package poller

import (
	"math/rand"
	"time"

	"sorelay/internal/domain"
)

type phase int

const (
	phaseIdle phase = iota
	phasePolling
	phaseBackoff
	phaseBroken
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phasePolling:
		return "polling"
	case phaseBackoff:
		return "backoff"
	case phaseBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// accountState is the scheduler's view of one registered account.
// All fields are guarded by Poller.mu; a worker only touches them through
// the transition methods below.
type accountState struct {
	token    domain.AccessToken
	phase    phase
	failures int
	// eligibleAt gates the next attempt while in backoff.
	eligibleAt time.Time
}

// due reports whether the account should be enqueued this tick.
func (s *accountState) due(now time.Time) bool {
	switch s.phase {
	case phaseIdle:
		return true
	case phaseBackoff:
		return !now.Before(s.eligibleAt)
	default:
		// polling (in flight) or broken: never enqueue
		return false
	}
}

// succeed records a completed cycle and returns the account to idle.
func (s *accountState) succeed() {
	s.phase = phaseIdle
	s.failures = 0
	s.eligibleAt = time.Time{}
}

// fail records a transient failure and schedules the next attempt. The
// floor, when positive, enforces a server-directed minimum wait.
func (s *accountState) fail(now time.Time, base, cap, floor time.Duration, rng *rand.Rand) time.Duration {
	s.phase = phaseBackoff
	s.failures++
	d := backoffDelay(base, cap, s.failures, rng)
	if floor > d {
		d = floor
	}
	s.eligibleAt = now.Add(d)
	return d
}

// breakPermanently takes the account out of rotation until re-registered.
func (s *accountState) breakPermanently() {
	s.phase = phaseBroken
	s.eligibleAt = time.Time{}
}

// backoffDelay computes the delay before retry number n (n >= 1):
// exponential growth from base, capped, with equal jitter so that herds
// of accounts failing together spread back out.
func backoffDelay(base, cap time.Duration, n int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cap || d < 0 {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	half := d / 2
	return half + time.Duration(rng.Int63n(int64(half)+1))
}

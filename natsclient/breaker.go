package natsclient

import (
	"sync"
	"time"
)

const initialBackoff = time.Second

// breaker stops connection attempts after repeated failures. Every
// threshold failures the circuit opens for the current backoff, which then
// doubles up to max. When the backoff elapses the circuit half-opens and
// one more attempt may run.
type breaker struct {
	threshold int32
	max       time.Duration

	mu       sync.Mutex
	total    int32
	round    int32
	backoff  time.Duration
	lastFail time.Time
	open     bool
	timer    *time.Timer
}

func newBreaker(threshold int32, maxBackoff time.Duration) *breaker {
	return &breaker{threshold: threshold, max: maxBackoff, backoff: initialBackoff}
}

// fail counts one failed attempt and reports whether it opened the
// circuit, and for how long.
func (b *breaker) fail() (opened bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.round++
	b.lastFail = time.Now()
	if b.round < b.threshold {
		return false, 0
	}

	b.round = 0
	wait = b.backoff
	b.backoff = min(b.backoff*2, b.max)
	if b.open {
		return false, 0
	}
	b.open = true
	b.timer = time.AfterFunc(wait, b.halfOpen)
	return true, wait
}

func (b *breaker) halfOpen() {
	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.total, b.round = 0, 0
	b.backoff = initialBackoff
	b.lastFail = time.Time{}
	b.open = false
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *breaker) snapshot() (total int32, backoff time.Duration, lastFail time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.backoff, b.lastFail
}

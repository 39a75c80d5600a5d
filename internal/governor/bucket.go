package governor

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling token bucket. Tokens accrue
// fractionally at capacity/window per unit time; Acquire suspends the
// caller until a token is available, serving waiters in FIFO order.
type TokenBucket struct {
	mu sync.Mutex

	rate     float64 // tokens per second
	capacity float64

	tokens     float64
	lastRefill time.Time

	waiters []*bucketWaiter
	timer   *time.Timer
}

type bucketWaiter struct {
	ch       chan struct{}
	canceled bool
}

// NewTokenBucket creates a full bucket admitting capacity tokens per
// window.
func NewTokenBucket(capacity int, window time.Duration) *TokenBucket {
	c := float64(capacity)
	return &TokenBucket{
		rate:       c / window.Seconds(),
		capacity:   c,
		tokens:     c,
		lastRefill: time.Now(),
	}
}

// TryAcquire takes a token if one is available without blocking.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	// Queued waiters keep priority over opportunistic callers.
	if len(b.waiters) > 0 || b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Acquire blocks until a token is available or ctx is done. Waiters are
// served in arrival order.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	b.refillLocked()
	if len(b.waiters) == 0 && b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}

	w := &bucketWaiter{ch: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	b.scheduleDrainLocked()
	b.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		select {
		case <-w.ch:
			// Drain granted the token before cancellation was observed.
			// Return it.
			b.tokens++
		default:
			w.canceled = true
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Available returns the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// refillLocked adds tokens for the time elapsed since the last refill,
// capped at capacity.
func (b *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// scheduleDrainLocked arms the drain timer for the moment the next token
// becomes available. The timer reschedules itself while waiters remain.
func (b *TokenBucket) scheduleDrainLocked() {
	if b.timer != nil {
		return
	}
	delay := b.delayForNextTokenLocked()
	b.timer = time.AfterFunc(delay, b.drain)
}

func (b *TokenBucket) delayForNextTokenLocked() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.rate * float64(time.Second))
}

// drain hands tokens to queued waiters in FIFO order, then reschedules
// itself if waiters remain.
func (b *TokenBucket) drain() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timer = nil
	b.refillLocked()

	for len(b.waiters) > 0 && b.tokens >= 1 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		if w.canceled {
			continue
		}
		b.tokens--
		close(w.ch)
	}

	if len(b.waiters) > 0 {
		b.scheduleDrainLocked()
	}
}

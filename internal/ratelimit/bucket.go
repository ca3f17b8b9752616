// Package ratelimit implements the token bucket that gates each new item a
// discovery loop yields.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go-groupwatch/internal/clock"
)

var (
	ErrExceedsCapacity = errors.New("ratelimit: request exceeds bucket capacity")
	ErrInvalidAmount   = errors.New("ratelimit: token amount must be positive")
)

// Bucket is a lazily refilled token bucket. One bucket belongs to one
// discovery loop; it is not meant to be shared between groups.
type Bucket struct {
	capacity float64
	rate     float64 // tokens per second
	clock    clock.Clock

	mu     sync.Mutex
	tokens float64
	last   time.Time

	// OnWait, when set, is called with every computed wait. Used for metrics.
	OnWait func(time.Duration)
}

// New returns a full bucket.
func New(capacity, refillPerSecond float64, c clock.Clock) (*Bucket, error) {
	if capacity <= 0 || refillPerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity and refill rate must be positive (got %v, %v)", capacity, refillPerSecond)
	}
	if c == nil {
		c = clock.Real()
	}
	return &Bucket{
		capacity: capacity,
		rate:     refillPerSecond,
		clock:    c,
		tokens:   capacity,
		last:     c.Now(),
	}, nil
}

// Consume blocks until n tokens are available and debits them. Consuming
// zero tokens is a no-op.
func (b *Bucket) Consume(ctx context.Context, n float64) error {
	switch {
	case n == 0:
		return nil
	case n < 0 || math.IsNaN(n):
		return fmt.Errorf("%w: %v", ErrInvalidAmount, n)
	}
	if n > b.capacity {
		return fmt.Errorf("%w: %v > %v", ErrExceedsCapacity, n, b.capacity)
	}
	for {
		wait, ok := b.tryTake(n)
		if ok {
			return nil
		}
		if b.OnWait != nil {
			b.OnWait(wait)
		}
		if err := b.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Tokens returns the current level after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *Bucket) tryTake(n float64) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return 0, true
	}
	needed := n - b.tokens
	// Round up so a single sleep always covers the shortfall.
	wait := time.Duration(math.Ceil(needed / b.rate * float64(time.Second)))
	return wait, false
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now
}

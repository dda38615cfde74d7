package queue

import (
	"context"
	"time"
)

const (
	DefaultInitialDelay    = 1 * time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultLivenessTimeout = 120 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
)

// Backoff yields Initial, 2*Initial, 4*Initial, ... capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	next    time.Duration
}

func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &Backoff{Initial: initial, Max: maxDelay, next: initial}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset goes back to the initial delay; called after a successful connect.
func (b *Backoff) Reset() {
	b.next = b.Initial
}

// sleepCtx sleeps for d or until ctx is cancelled or stop is closed.
// Returns false if interrupted.
func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

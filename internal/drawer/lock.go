package drawer

import (
	"context"
	"time"
)

// WriteLock guards the single physical channel to the device.
// It is a one-slot semaphore so acquisition can be bounded by a timeout.
type WriteLock struct {
	ch chan struct{}
}

// NewWriteLock returns an unlocked WriteLock.
func NewWriteLock() *WriteLock {
	return &WriteLock{ch: make(chan struct{}, 1)}
}

// TryAcquire waits up to timeout for the lock and reports whether it was
// acquired. It returns false early when ctx is done.
func (l *WriteLock) TryAcquire(ctx context.Context, timeout time.Duration) bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release unlocks. Releasing an unlocked WriteLock is a no-op.
func (l *WriteLock) Release() {
	select {
	case <-l.ch:
	default:
	}
}

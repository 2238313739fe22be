package job

// limiter.go bounds how many batch jobs one process runs at a time. A
// semaphore channel holds the slots; Submit waits up to maxWait for one and
// fails with ErrTooManyJobs when the service is saturated. WaitForDrain
// supports graceful shutdown by blocking until every slot is back.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyJobs is returned when every job slot is occupied and the wait
// budget runs out. Callers should retry later.
var ErrTooManyJobs = errors.New("too many concurrent jobs, try again later")

const (
	defaultMaxConcurrentJobs = 3
	defaultSlotWait          = 30 * time.Second
)

// Limiter is a semaphore over job slots.
type Limiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu     sync.RWMutex
	active int
}

// NewLimiter builds a limiter with maxConcurrent slots. Non-positive
// arguments fall back to defaults.
func NewLimiter(maxConcurrent int, maxWait time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentJobs
	}
	if maxWait <= 0 {
		maxWait = defaultSlotWait
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot, waiting up to the limiter's budget. The caller must
// Release exactly once per successful Acquire.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.slots <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyJobs
	}
}

// TryAcquire takes a slot without waiting.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.slots
}

// ActiveCount returns how many slots are currently held.
func (l *Limiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxConcurrent returns the slot capacity.
func (l *Limiter) MaxConcurrent() int { return cap(l.slots) }

// Available returns how many slots are free.
func (l *Limiter) Available() int { return cap(l.slots) - len(l.slots) }

// WaitForDrain blocks until every slot is released or ctx ends.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

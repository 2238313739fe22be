package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiter_AcquireRelease(t *testing.T) {
	l := NewLimiter(2, time.Second)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := l.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
	if got := l.Available(); got != 0 {
		t.Errorf("Available = %d, want 0", got)
	}

	l.Release()
	if got := l.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount after release = %d, want 1", got)
	}
}

func TestLimiter_SaturationReturnsErrTooManyJobs(t *testing.T) {
	l := NewLimiter(1, 10*time.Millisecond)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	err := l.Acquire(context.Background())
	if !errors.Is(err, ErrTooManyJobs) {
		t.Fatalf("saturated Acquire = %v, want ErrTooManyJobs", err)
	}
}

func TestLimiter_WaitSucceedsWhenSlotFrees(t *testing.T) {
	l := NewLimiter(1, time.Second)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Release()
	}()

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("waiting Acquire = %v, want slot after release", err)
	}
}

func TestLimiter_CanceledContextWinsOverSaturation(t *testing.T) {
	l := NewLimiter(1, time.Minute)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire with canceled ctx = %v, want context.Canceled", err)
	}
}

func TestLimiter_TryAcquire(t *testing.T) {
	l := NewLimiter(1, time.Second)

	if !l.TryAcquire() {
		t.Fatal("TryAcquire on empty limiter failed")
	}
	if l.TryAcquire() {
		t.Fatal("TryAcquire on full limiter succeeded")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("TryAcquire after release failed")
	}
}

func TestLimiter_ConcurrentHoldersNeverExceedCap(t *testing.T) {
	const capacity = 3
	l := NewLimiter(capacity, time.Second)

	var mu sync.Mutex
	holding, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			holding++
			if holding > peak {
				peak = holding
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holding--
			mu.Unlock()
			l.Release()
		}()
	}
	wg.Wait()

	if peak > capacity {
		t.Errorf("peak concurrent holders = %d, want <= %d", peak, capacity)
	}
	if got := l.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after drain = %d, want 0", got)
	}
}

func TestLimiter_WaitForDrain(t *testing.T) {
	l := NewLimiter(2, time.Second)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.WaitForDrain(ctx); err == nil {
		t.Fatal("WaitForDrain returned nil while a slot was held")
	}

	l.Release()
	if err := l.WaitForDrain(context.Background()); err != nil {
		t.Fatalf("WaitForDrain after release: %v", err)
	}
}

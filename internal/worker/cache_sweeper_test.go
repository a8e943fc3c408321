package worker

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeAgedCache struct {
	mu     sync.Mutex
	sweeps int
	gotAge time.Duration
}

func (f *fakeAgedCache) ClearOlderThan(_ context.Context, age time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	f.gotAge = age
	return 2, nil
}

// Given a positive max age, when the interval elapses, then the cache is
// swept with that age.
func TestCacheSweeper_SweepsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := &fakeAgedCache{}
	sweeper := NewCacheSweeper(cache, 20*time.Millisecond, 48*time.Hour)

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		cache.mu.Lock()
		sweeps := cache.sweeps
		cache.mu.Unlock()
		if sweeps >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never fired twice")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cache.mu.Lock()
	gotAge := cache.gotAge
	cache.mu.Unlock()
	if gotAge != 48*time.Hour {
		t.Errorf("ClearOlderThan age = %v, want 48h", gotAge)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop on context cancellation")
	}
}

// Given a non-positive max age, when the sweeper runs, then it never
// touches the cache.
func TestCacheSweeper_DisabledByZeroMaxAge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cache := &fakeAgedCache{}
	sweeper := NewCacheSweeper(cache, time.Millisecond, 0)

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.sweeps != 0 {
		t.Errorf("sweeps = %d, want 0 when max age disabled", cache.sweeps)
	}
}

package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// alternating fails on odd calls and succeeds on even ones.
func alternating(calls *atomic.Int32) Probe {
	return func(context.Context) bool {
		return calls.Add(1)%2 == 0
	}
}

func TestCheckCachesWithinWarmupWindow(t *testing.T) {
	var calls atomic.Int32
	clock := newFakeClock()
	c := New(alternating(&calls), time.Second, WithClock(clock.Now))
	ctx := context.Background()

	assert.False(t, c.Check(ctx), "first probe fails")
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(500 * time.Millisecond)
	assert.False(t, c.Check(ctx), "cached failure inside 1s")
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(600 * time.Millisecond)
	assert.True(t, c.Check(ctx), "window expired, second probe succeeds")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCheckUsesLongWindowAfterFirstSuccess(t *testing.T) {
	var calls atomic.Int32
	clock := newFakeClock()
	c := New(alternating(&calls), time.Second, WithClock(clock.Now))
	ctx := context.Background()

	require.False(t, c.Check(ctx))
	clock.Advance(WarmupWindow)
	require.True(t, c.Check(ctx))

	clock.Advance(14 * time.Second)
	assert.True(t, c.Check(ctx), "cached success inside 15s")
	assert.Equal(t, int32(2), calls.Load())

	clock.Advance(time.Second)
	assert.False(t, c.Check(ctx), "third probe fails")
	assert.Equal(t, int32(3), calls.Load())

	// The sticky flag keeps the long window even after a failure.
	clock.Advance(10 * time.Second)
	assert.False(t, c.Check(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheckSingleflight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	probe := func(context.Context) bool {
		calls.Add(1)
		<-release
		return true
	}
	c := New(probe, 0)

	const callers = 50
	results := make(chan bool, callers)
	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			started.Done()
			results <- c.Check(context.Background())
		}()
	}
	started.Wait()
	// Let every goroutine reach the wait before the probe completes.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		select {
		case ok := <-results:
			assert.True(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("caller never released")
		}
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckCallerContextDoesNotCancelProbe(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	c := New(func(ctx context.Context) bool {
		calls.Add(1)
		select {
		case <-release:
			return true
		case <-ctx.Done():
			return false
		}
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.Check(ctx), "impatient caller gives up")

	close(release)
	assert.True(t, c.Check(context.Background()), "joins the same probe")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckProbeTimeout(t *testing.T) {
	c := New(func(ctx context.Context) bool {
		<-ctx.Done()
		return false
	}, 20*time.Millisecond)

	start := time.Now()
	assert.False(t, c.Check(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckPanickingProbe(t *testing.T) {
	c := New(func(context.Context) bool { panic("boom") }, 0)
	assert.False(t, c.Check(context.Background()))
}

func TestAll(t *testing.T) {
	var second atomic.Bool
	yes := func(context.Context) bool { return true }
	no := func(context.Context) bool { return false }
	track := func(context.Context) bool { second.Store(true); return true }

	assert.True(t, All(yes, track)(context.Background()))
	assert.True(t, second.Load())

	second.Store(false)
	assert.False(t, All(no, track)(context.Background()))
	assert.False(t, second.Load(), "stops at first failure")
}

package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	executed := false
	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		executed = true
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	expectedErr := errors.New("task failed")
	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		return expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
}

func TestCommandQueue_TaskPanicBecomesError(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		panic("boom")
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandQueue_SerialExecutionInLane(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cq.Enqueue(context.Background(), SessionLane("abc"), func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Equal(t, 0, cq.QueueSize(SessionLane("abc")))
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}, nil)
		}(i)
		assert.Eventually(t, func() bool { return cq.QueueSize("fifo") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	bothRunning := make(chan struct{})
	var arrived int32
	task := func(ctx context.Context) error {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(bothRunning)
		}
		select {
		case <-bothRunning:
			return nil
		case <-time.After(time.Second):
			return errors.New("lanes did not run concurrently")
		}
	}

	errs := make(chan error, 2)
	go func() { errs <- cq.Enqueue(context.Background(), "lane1", task, nil) }()
	go func() { errs <- cq.Enqueue(context.Background(), "lane2", task, nil) }()

	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	done := make(chan error, 1)
	go func() {
		done <- cq.Enqueue(ctx, "lane", func(ctx context.Context) error {
			ran = true
			return nil
		}, nil)
	}()
	assert.Eventually(t, func() bool { return cq.QueueSize("lane") == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, cq.QueueSize("lane"))

	close(release)
	require.NoError(t, cq.WaitForActive(context.Background()))
	assert.False(t, ran)
}

func TestCommandQueue_OnDemandLanesAreDropped(t *testing.T) {
	cq := New(Config{Lanes: map[string]int{"main": 2}})
	defer cq.Close()

	require.NoError(t, cq.Enqueue(context.Background(), SessionLane("x"), func(ctx context.Context) error { return nil }, nil))

	stats := cq.Stats()
	assert.NotContains(t, stats, SessionLane("x"))
	assert.Equal(t, LaneStats{Concurrency: 2}, stats["main"])
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			errs <- cq.Enqueue(context.Background(), "test", func(ctx context.Context) error { return nil }, nil)
		}()
	}
	assert.Eventually(t, func() bool { return cq.QueueSize("test") == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, 3, cq.ClearLane("test"))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, ErrLaneCleared)
	}
	close(release)
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	errs := make(chan error, 1)
	go func() {
		errs <- cq.Enqueue(context.Background(), "test", func(ctx context.Context) error { return nil }, nil)
	}()
	assert.Eventually(t, func() bool { return cq.QueueSize("test") == 1 }, time.Second, time.Millisecond)

	cq.ResetLane("test")
	assert.ErrorIs(t, <-errs, ErrLaneReset)
	close(release)
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	cq.SetConcurrency("test", 3)

	stats := cq.Stats()
	assert.Equal(t, 3, stats["test"].Concurrency)
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Enqueue(context.Background(), "slow", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	waited := make(chan int, 1)
	go func() {
		_ = cq.Enqueue(context.Background(), "slow", func(ctx context.Context) error { return nil }, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
			OnWait: func(wait time.Duration, queuePos int) {
				waited <- queuePos
			},
		})
	}()

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait was not called")
	}
	close(release)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	go func() {
		_ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		}, nil)
	}()
	assert.Eventually(t, func() bool { return cq.RunningCount("test") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cq.WaitForActive(ctx))
}

func TestCommandQueue_CloseCancelsRunningTasks(t *testing.T) {
	cq := New(Config{})

	started := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		errs <- cq.Enqueue(context.Background(), "test", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, nil)
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errs, context.Canceled)

	err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommandQueue_Events(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	var mu sync.Mutex
	var events []Event
	record := func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	cq.On(EventEnqueued, record)
	cq.On(EventCompleted, record)

	require.NoError(t, cq.Enqueue(context.Background(), "test", func(ctx context.Context) error { return nil }, nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, EventEnqueued, events[0].Type)
	assert.Equal(t, "test", events[0].Lane)
	assert.NotEmpty(t, events[0].TaskID)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, events[0].TaskID, events[1].TaskID)
	assert.NoError(t, events[1].Err)
	mu.Unlock()

	cq.Off(EventEnqueued)
	cq.Off(EventCompleted)
	require.NoError(t, cq.Enqueue(context.Background(), "test", func(ctx context.Context) error { return nil }, nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, 2)
}

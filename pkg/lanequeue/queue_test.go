package lanequeue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueReturnsResult(t *testing.T) {
	q := newTestQueue(t)

	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		return "result", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.Equal(t, 0, q.Size("test"))
}

func TestEnqueuePropagatesError(t *testing.T) {
	q := newTestQueue(t)
	expected := errors.New("task failed")

	result, err := q.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		return nil, expected
	}, nil)

	assert.ErrorIs(t, err, expected)
	assert.Nil(t, result)
}

func TestSerialLaneOrderAndTiming(t *testing.T) {
	q := newTestQueue(t)

	var (
		mu       sync.Mutex
		finished []int
		wg       sync.WaitGroup
	)

	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
				time.Sleep(50 * time.Millisecond)
				return i, nil
			}, nil)
			assert.NoError(t, err)
			mu.Lock()
			finished = append(finished, i)
			mu.Unlock()
		}(i)

		// Make the enqueue order deterministic.
		require.Eventually(t, func() bool { return q.Size(LaneMain) == i+1 },
			time.Second, time.Millisecond)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, finished)
}

func TestLanesRunInParallel(t *testing.T) {
	q := newTestQueue(t)

	var wg sync.WaitGroup
	start := time.Now()
	for _, lane := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(lane string) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
				time.Sleep(60 * time.Millisecond)
				return nil, nil
			}, nil)
			assert.NoError(t, err)
		}(lane)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 160*time.Millisecond)
}

func TestConcurrencyLimit(t *testing.T) {
	q := newTestQueue(t)
	q.SetConcurrency("pool", 2)

	var (
		current int32
		peak    int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "pool", func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestSetConcurrencyClamps(t *testing.T) {
	q := newTestQueue(t)
	q.SetConcurrency("x", 0)
	q.SetConcurrency("y", -3)

	stats := q.Stats()
	assert.Equal(t, 1, stats["x"].Concurrency)
	assert.Equal(t, 1, stats["y"].Concurrency)
}

func TestFailureAndPanicStillPump(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "fragile", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}, nil)
	require.Error(t, err)

	_, err = q.Enqueue(ctx, "fragile", func(ctx context.Context) (any, error) {
		panic("kaboom")
	}, nil)
	require.ErrorIs(t, err, ErrTaskPanic)

	result, err := q.Enqueue(ctx, "fragile", func(ctx context.Context) (any, error) {
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestOnWaitFiresAtAdmission(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	release := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		_, _ = q.Enqueue(ctx, LaneMain, func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Size(LaneMain) == 1 }, time.Second, time.Millisecond)

	var (
		called atomic.Bool
		waited time.Duration
		ahead  int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Enqueue(ctx, LaneMain, func(ctx context.Context) (any, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 20 * time.Millisecond,
			OnWait: func(w time.Duration, queuedAhead int) {
				waited = w
				ahead = queuedAhead
				called.Store(true)
			},
		})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called.Load(), "OnWait fires at admission, not while queued")

	close(release)
	<-blockerDone
	<-done

	assert.True(t, called.Load())
	assert.GreaterOrEqual(t, waited, 20*time.Millisecond)
	assert.Equal(t, 0, ahead)
}

func TestOnWaitNotCalledUnderThreshold(t *testing.T) {
	q := newTestQueue(t)
	called := false
	_, err := q.Enqueue(context.Background(), LaneMain, func(ctx context.Context) (any, error) {
		return nil, nil
	}, &TaskOptions{OnWait: func(time.Duration, int) { called = true }})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestSizeCountsQueuedAndActive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, "busy", func(ctx context.Context) (any, error) {
				<-release
				return nil, nil
			}, nil)
		}()
	}

	require.Eventually(t, func() bool { return q.Size("busy") == 3 }, time.Second, time.Millisecond)
	stats := q.Stats()["busy"]
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 3, q.TotalSize())

	close(release)
	wg.Wait()
	assert.Equal(t, 0, q.Size("busy"))
}

func TestClearRejectsQueued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	release := make(chan struct{})

	go func() {
		_, _ = q.Enqueue(ctx, "c", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Size("c") == 1 }, time.Second, time.Millisecond)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Enqueue(ctx, "c", func(ctx context.Context) (any, error) {
				return nil, nil
			}, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return q.Size("c") == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, 2, q.Clear("c"))
	assert.ErrorIs(t, <-errs, ErrLaneCleared)
	assert.ErrorIs(t, <-errs, ErrLaneCleared)

	close(release)
	require.Eventually(t, func() bool { return q.Size("c") == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, q.Clear("missing"))
}

func TestResetBumpsGeneration(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	release := make(chan struct{})
	blockerDone := make(chan struct{})

	go func() {
		defer close(blockerDone)
		_, _ = q.Enqueue(ctx, "r", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Size("r") == 1 }, time.Second, time.Millisecond)

	q.Reset("r")
	assert.Equal(t, 1, q.Stats()["r"].Generation)

	// The stuck task no longer occupies the lane.
	result, err := q.Enqueue(ctx, "r", func(ctx context.Context) (any, error) {
		return "fresh", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", result)

	close(release)
	<-blockerDone
	assert.Equal(t, 0, q.Size("r"))
}

func TestCancelWhileQueued(t *testing.T) {
	q := newTestQueue(t)
	release := make(chan struct{})
	blockerDone := make(chan struct{})

	go func() {
		defer close(blockerDone)
		_, _ = q.Enqueue(context.Background(), "k", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Size("k") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ran := false
	_, err := q.Enqueue(ctx, "k", func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Size("k"))

	close(release)
	<-blockerDone
	assert.False(t, ran)
}

func TestEvents(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var seen []EventType
	record := func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}
	q.On(EventEnqueued, record)
	q.On(EventCompleted, record)

	_, err := q.Enqueue(context.Background(), "ev", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	q.Off(EventEnqueued)
	q.Off(EventCompleted)
	_, err = q.Enqueue(context.Background(), "ev", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventEnqueued, EventCompleted}, seen)
}

func TestSessionLane(t *testing.T) {
	assert.Equal(t, "session:abc", SessionLane("abc"))
}

func TestBlankLaneIsMain(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "  ", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)
	_, ok := q.Stats()[LaneMain]
	assert.True(t, ok)
}

func TestCloseCancelsRunningAndRejectsNew(t *testing.T) {
	q := New(Config{Logger: zerolog.Nop()})

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "long", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		errCh <- err
	}()
	<-started

	require.NoError(t, q.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := q.Enqueue(context.Background(), "long", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, q.Close())
}

func TestCloseLogsDrainOncePerLane(t *testing.T) {
	var buf bytes.Buffer
	q := New(Config{Logger: zerolog.New(zerolog.SyncWriter(&buf))})

	started := make(chan struct{})
	results := make(chan error, 2)
	go func() {
		_, err := q.Enqueue(context.Background(), "a", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		results <- err
	}()
	<-started
	go func() {
		_, err := q.Enqueue(context.Background(), "a", func(ctx context.Context) (any, error) {
			return nil, nil
		}, nil)
		results <- err
	}()
	require.Eventually(t, func() bool { return q.Size("a") == 2 }, time.Second, 5*time.Millisecond)
	q.SetConcurrency("idle", 1)

	require.NoError(t, q.Close())
	errs := []error{<-results, <-results}
	assert.Contains(t, errs, ErrClosed)

	q.SetConcurrency("a", 3)
	q.SetConcurrency("idle", 2)

	assert.Equal(t, 1, strings.Count(buf.String(), "Lane drained"), buf.String())
}

func TestCloseRacingEnqueue(t *testing.T) {
	for round := 0; round < 20; round++ {
		q := New(Config{Logger: zerolog.Nop()})
		q.SetConcurrency("burst", 4)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := q.Enqueue(context.Background(), "burst", func(ctx context.Context) (any, error) {
					return nil, ctx.Err()
				}, nil)
				if err != nil {
					assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled), err.Error())
				}
			}()
		}
		require.NoError(t, q.Close())
		wg.Wait()
		assert.Equal(t, 0, q.TotalSize())
	}
}

func TestWaitForActive(t *testing.T) {
	q := newTestQueue(t)
	go func() {
		_, _ = q.Enqueue(context.Background(), "w", func(ctx context.Context) (any, error) {
			time.Sleep(40 * time.Millisecond)
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return q.Size("w") == 1 }, time.Second, time.Millisecond)

	assert.False(t, q.WaitForActive(5*time.Millisecond))
	assert.True(t, q.WaitForActive(time.Second))
}

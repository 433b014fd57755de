package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const testProducer = "retained"

func newTestWriter(t *testing.T, cfg Config, opts ...Option) *Writer {
	t.Helper()
	w, err := New(cfg, []string{testProducer}, opts...)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w
}

func wait[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

// noopExecutor never runs drain loops.
type noopExecutor struct{}

func (noopExecutor) Go(func())                      {}
func (noopExecutor) Shutdown(context.Context) error { return nil }

func TestNew_Validation(t *testing.T) {
	t.Run("bucket count must be a power of two", func(t *testing.T) {
		_, err := New(Config{BucketCount: 12}, []string{testProducer})
		require.Error(t, err)
	})

	t.Run("requires a producer", func(t *testing.T) {
		_, err := New(Config{BucketCount: 4}, nil)
		require.ErrorIs(t, err, ErrUnknownProducer)
	})

	t.Run("rejects duplicate producers", func(t *testing.T) {
		_, err := New(Config{BucketCount: 4}, []string{"a", "a"})
		require.ErrorIs(t, err, ErrUnknownProducer)
	})

	t.Run("threads normalised to a power of two", func(t *testing.T) {
		w := newTestWriter(t, Config{BucketCount: 64, Threads: 5})
		assert.Equal(t, 8, w.Config().Threads)
	})
}

func TestIncrementNonemptyQueueCounter(t *testing.T) {
	w := newTestWriter(t, Config{
		BucketCount:         64,
		Threads:             64,
		ShutdownGracePeriod: 10 * time.Millisecond,
	}, withExecutor(noopExecutor{}))

	const n = 10
	for i := 0; i < n; i++ {
		w.incrementNonemptyQueueCounter()
	}

	assert.Equal(t, int64(n), w.NonEmptyQueues())
	assert.Equal(t, int64(n), w.RunningWorkers())
}

func TestReleaseWorker_ReclaimsSlotAfterMissedWake(t *testing.T) {
	w := newTestWriter(t, Config{
		BucketCount:         4,
		Threads:             2,
		ShutdownGracePeriod: 10 * time.Millisecond,
	}, withExecutor(noopExecutor{}))

	require.True(t, w.tryAcquireWorker())
	require.True(t, w.tryAcquireWorker())

	// A queue turns non-empty while both slots are held, so its wake is lost.
	seen := w.wakeups.Load()
	w.incrementNonemptyQueueCounter()
	require.Equal(t, int64(2), w.RunningWorkers())

	assert.True(t, w.releaseWorker(seen))
	assert.Equal(t, int64(2), w.RunningWorkers())

	// Nothing new since the scan: the slot is given up.
	assert.False(t, w.releaseWorker(w.wakeups.Load()))
	assert.Equal(t, int64(1), w.RunningWorkers())
}

func TestSubmit_BlockedBucketDoesNotStallOthers(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 2, Threads: 2, ShutdownGracePeriod: time.Second})
	p := w.Producer(testProducer)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := SubmitBucket(p, 0, func(int) (int, error) {
		close(started)
		<-release
		return 0, nil
	})
	<-started
	queued := SubmitBucket(p, 0, func(b int) (int, error) { return b, nil })

	for i := 0; i < 500; i++ {
		v, err := wait(t, SubmitBucket(p, 1, func(b int) (int, error) { return b, nil }))
		require.NoError(t, err, "iteration %d", i)
		require.Equal(t, 1, v)
	}
	select {
	case <-queued.Done():
		t.Fatal("bucket 0 ran past its blocked task")
	default:
	}

	close(release)
	_, err := wait(t, blocker)
	require.NoError(t, err)
	_, err = wait(t, queued)
	require.NoError(t, err)
}

func TestStop_Idempotent(t *testing.T) {
	w, err := New(Config{BucketCount: 4, ShutdownGracePeriod: 50 * time.Millisecond}, []string{testProducer})
	require.NoError(t, err)

	w.Stop()
	require.True(t, w.Terminated())

	require.NotPanics(t, w.Stop)
	assert.True(t, w.Terminated())

	select {
	case <-w.checkerDone:
	default:
		t.Fatal("checker still running after stop")
	}
}

func TestSubmit_AfterStopIsRejected(t *testing.T) {
	w, err := New(Config{BucketCount: 4}, []string{testProducer})
	require.NoError(t, err)
	w.Stop()

	f := Submit(w.Producer(testProducer), "topic", func(int) (int, error) { return 1, nil })
	_, err = wait(t, f)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestSubmit_RoutesToBucketOfKey(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 16})
	p := w.Producer(testProducer)

	for _, key := range []string{"a", "b/c", "sensors/1/temp", "$SYS/uptime"} {
		got, err := wait(t, Submit(p, key, func(b int) (int, error) { return b, nil }))
		require.NoError(t, err)
		assert.Equal(t, w.Router().BucketOf(key), got)
	}
}

func TestSubmitBucket_InvalidArguments(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 4})
	p := w.Producer(testProducer)

	_, err := wait(t, SubmitBucket(p, 4, func(int) (int, error) { return 0, nil }))
	require.ErrorIs(t, err, ErrInvalidBucket)

	_, err = wait(t, SubmitBucket(p, -1, func(int) (int, error) { return 0, nil }))
	require.ErrorIs(t, err, ErrInvalidBucket)

	_, err = wait(t, SubmitBucket[int](p, 0, nil))
	require.ErrorIs(t, err, ErrNilTask)
}

func TestSubmit_SameBucketPreservesOrder(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 8, Threads: 8, CreditsPerExecution: 3})
	p := w.Producer(testProducer)

	// Collect keys that share a bucket.
	var keys []string
	target := w.Router().BucketOf("k0")
	for i := 0; len(keys) < 20; i++ {
		k := fmt.Sprintf("k%d", i)
		if w.Router().BucketOf(k) == target {
			keys = append(keys, k)
		}
	}

	var order []string // only touched by the bucket's single writer
	var futures []*Future[struct{}]
	for round := 0; round < 10; round++ {
		for _, k := range keys {
			key := fmt.Sprintf("%s#%d", k, round)
			futures = append(futures, Submit(p, k, func(int) (struct{}, error) {
				order = append(order, key)
				return struct{}{}, nil
			}))
		}
	}

	_, err := JoinAll(context.Background(), futures)
	require.NoError(t, err)

	var want []string
	for round := 0; round < 10; round++ {
		for _, k := range keys {
			want = append(want, fmt.Sprintf("%s#%d", k, round))
		}
	}
	assert.Equal(t, want, order)
}

func TestSubmit_MutualExclusionPerBucket(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 16, Threads: 8, CreditsPerExecution: 2})
	p := w.Producer(testProducer)

	active := make([]atomic.Int32, 16)
	var violations atomic.Int32
	var concurrent, maxConcurrent atomic.Int32

	var futures []*Future[struct{}]
	for i := 0; i < 2000; i++ {
		futures = append(futures, SubmitBucket(p, i%16, func(b int) (struct{}, error) {
			if active[b].Add(1) > 1 {
				violations.Add(1)
			}
			c := concurrent.Add(1)
			for {
				m := maxConcurrent.Load()
				if c <= m || maxConcurrent.CompareAndSwap(m, c) {
					break
				}
			}
			time.Sleep(10 * time.Microsecond)
			concurrent.Add(-1)
			active[b].Add(-1)
			return struct{}{}, nil
		}))
	}

	_, err := JoinAll(context.Background(), futures)
	require.NoError(t, err)
	assert.Zero(t, violations.Load(), "two tasks of one bucket ran concurrently")
	assert.LessOrEqual(t, maxConcurrent.Load(), int32(8), "more tasks ran than threads")
}

func TestSubmit_TaskFailureIsIsolated(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 1, Threads: 1})
	p := w.Producer(testProducer)
	boom := errors.New("boom")

	failed := SubmitBucket(p, 0, func(int) (int, error) { return 0, boom })
	panicked := SubmitBucket(p, 0, func(int) (int, error) { panic("bad task") })
	ok := SubmitBucket(p, 0, func(int) (int, error) { return 42, nil })

	_, err := wait(t, failed)
	require.ErrorIs(t, err, boom)

	_, err = wait(t, panicked)
	require.ErrorIs(t, err, ErrTaskPanic)

	v, err := wait(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSubmit_CreditsBoundABucketVisit(t *testing.T) {
	const credits = 2
	w := newTestWriter(t, Config{BucketCount: 2, Threads: 1, CreditsPerExecution: credits})
	p := w.Producer(testProducer)

	release := make(chan struct{})
	started := make(chan struct{})
	var order []int
	var mu sync.Mutex
	record := func(b int) (struct{}, error) {
		mu.Lock()
		order = append(order, b)
		mu.Unlock()
		return struct{}{}, nil
	}

	blocker := SubmitBucket(p, 0, func(b int) (struct{}, error) {
		close(started)
		<-release
		return record(b)
	})
	<-started

	var futures []*Future[struct{}]
	futures = append(futures, blocker)
	for i := 0; i < 9; i++ {
		futures = append(futures, SubmitBucket(p, 0, record))
	}
	for i := 0; i < 2; i++ {
		futures = append(futures, SubmitBucket(p, 1, record))
	}
	close(release)

	_, err := JoinAll(context.Background(), futures)
	require.NoError(t, err)
	require.Len(t, order, 12)

	// Bucket 1 must be served before bucket 0 drains completely: after the
	// current visit and at most one more visit of bucket 0.
	lastBucket1 := -1
	for i, b := range order {
		if b == 1 {
			lastBucket1 = i
		}
	}
	assert.Less(t, lastBucket1, 2*credits+2, "order: %v", order)
}

func TestStop_CancelsQueuedTasksAfterGracePeriod(t *testing.T) {
	w, err := New(Config{BucketCount: 1, Threads: 1, ShutdownGracePeriod: 50 * time.Millisecond}, []string{testProducer})
	require.NoError(t, err)
	p := w.Producer(testProducer)

	release := make(chan struct{})
	started := make(chan struct{})
	running := SubmitBucket(p, 0, func(int) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	<-started
	queued := SubmitBucket(p, 0, func(int) (int, error) { return 2, nil })

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	_, err = wait(t, queued)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, ErrShutdown)
	assert.True(t, queued.Cancelled())

	close(release)
	v, err := wait(t, running)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.True(t, w.Terminated())
	assert.Equal(t, int64(0), w.NonEmptyQueues())
}

func TestStop_DrainsQueuedWorkWithinGracePeriod(t *testing.T) {
	w, err := New(Config{BucketCount: 4, Threads: 2, ShutdownGracePeriod: 5 * time.Second}, []string{testProducer})
	require.NoError(t, err)
	p := w.Producer(testProducer)

	var futures []*Future[int]
	for i := 0; i < 100; i++ {
		futures = append(futures, SubmitBucket(p, i%4, func(b int) (int, error) { return b, nil }))
	}
	w.Stop()

	for _, f := range futures {
		_, err := f.Result()
		require.NoError(t, err)
	}
}

func TestSubmitToAllBucketsParallel(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 8})
	p := w.Producer(testProducer)

	futures := SubmitToAllBucketsParallel(p, func(bucket int) Task[int] {
		return func(b int) (int, error) {
			assert.Equal(t, bucket, b)
			return b * 10, nil
		}
	})
	require.Len(t, futures, 8)

	results, err := JoinAll(context.Background(), futures)
	require.NoError(t, err)
	for b, v := range results {
		assert.Equal(t, b*10, v)
	}
}

func TestAll_WaitsForAllAndJoinsErrors(t *testing.T) {
	w := newTestWriter(t, Config{BucketCount: 4})
	p := w.Producer(testProducer)
	errOdd := errors.New("odd bucket")

	var completed atomic.Int32
	futures := SubmitToAllBucketsParallel(p, func(int) Task[int] {
		return func(b int) (int, error) {
			completed.Add(1)
			if b%2 == 1 {
				return 0, errOdd
			}
			return b, nil
		}
	})

	_, err := wait(t, All(futures))
	require.ErrorIs(t, err, errOdd)
	assert.Contains(t, err.Error(), "bucket 1")
	assert.Contains(t, err.Error(), "bucket 3")
	assert.Equal(t, int32(4), completed.Load(), "sibling buckets must still run")
}

func TestStats(t *testing.T) {
	w, err := New(Config{BucketCount: 4, Threads: 1}, []string{"retained", "sessions"})
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := SubmitBucket(w.Producer("retained"), 0, func(int) (int, error) {
		close(started)
		<-release
		return 0, nil
	})
	<-started
	queued := SubmitBucket(w.Producer("sessions"), 2, func(int) (int, error) { return 0, nil })

	stats := w.Stats()
	assert.Equal(t, 4, stats.Buckets)
	assert.Equal(t, 1, stats.Threads)
	assert.Equal(t, 1, stats.Pending["sessions"])
	assert.Equal(t, 0, stats.Pending["retained"])
	assert.GreaterOrEqual(t, stats.NonEmptyQueues, int64(1))

	close(release)
	_, err = wait(t, blocker)
	require.NoError(t, err)
	_, err = wait(t, queued)
	require.NoError(t, err)
}

func TestMetrics_RecordsTasksAndGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	w := newTestWriter(t, Config{BucketCount: 2}, WithMeter(mp.Meter("test")))
	p := w.Producer(testProducer)

	_, err := wait(t, SubmitBucket(p, 0, func(int) (int, error) { return 1, nil }))
	require.NoError(t, err)
	_, err = wait(t, SubmitBucket(p, 1, func(int) (int, error) { return 0, errors.New("nope") }))
	require.Error(t, err)

	// Task metrics are recorded after the future resolves.
	require.Eventually(t, func() bool {
		outcomes, sawGauge := collectWriterMetrics(t, reader)
		return outcomes["success"] == 1 && outcomes["error"] == 1 && sawGauge
	}, 2*time.Second, 10*time.Millisecond)
}

func collectWriterMetrics(t *testing.T, reader *sdkmetric.ManualReader) (map[string]int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	outcomes := map[string]int64{}
	var sawGauge bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "bucketstore_writer_tasks_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					v, _ := dp.Attributes.Value("outcome")
					outcomes[v.AsString()] += dp.Value
				}
			case "bucketstore_writer_non_empty_queues":
				sawGauge = true
			}
		}
	}
	return outcomes, sawGauge
}

package reclaim_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZipRecruiter/gradle/reclaim"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type payload struct {
	name string
}

type countingCloser struct {
	closed atomic.Int32
	err    error
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return c.err
}

type reportRecorder struct {
	lock   sync.Mutex
	errors []error
	extras []map[string]string
}

func (r *reportRecorder) report(ctx context.Context, err error, extras ...map[string]string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.errors = append(r.errors, err)
	r.extras = append(r.extras, extras...)
}

func (r *reportRecorder) reported() []error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]error(nil), r.errors...)
}

func newRegistry(t *testing.T, opts ...reclaim.Option) (*reclaim.Registry, <-chan reclaim.CleanupResult) {
	t.Helper()

	results := make(chan reclaim.CleanupResult, 16)
	opts = append(opts, reclaim.WithObserver(func(result reclaim.CleanupResult) {
		results <- result
	}))

	registry, err := reclaim.NewRegistry(opts...)
	require.NoError(t, err)

	return registry, results
}

// The payload is only reachable from this frame, so it can be reclaimed once we return.
//
//go:noinline
func registerUnreachable(registry *reclaim.Registry, key string, action reclaim.CleanupAction) *reclaim.Record {
	value := &payload{name: key}
	return reclaim.Register(registry, value, key, action)
}

func awaitCleanup(t *testing.T, results <-chan reclaim.CleanupResult) reclaim.CleanupResult {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case result := <-results:
			return result
		case <-deadline:
			require.FailNow(t, "timed out waiting for cleanup")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func requireNoCleanup(t *testing.T, results <-chan reclaim.CleanupResult) {
	t.Helper()

	for range 5 {
		runtime.GC()
		select {
		case result := <-results:
			require.FailNow(t, "unexpected cleanup", "result: %+v", result)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("reclaimed value is closed exactly once", func(t *testing.T) {
		t.Parallel()

		registry, results := newRegistry(t)
		closer := &countingCloser{}

		rec := registerUnreachable(registry, "key1", reclaim.CloseAction(closer))
		require.Equal(t, "key1", rec.Key())

		result := awaitCleanup(t, results)
		require.Equal(t, reclaim.CleanupResult{Key: "key1", Outcome: reclaim.OutcomeClosed}, result)
		require.Equal(t, int32(1), closer.closed.Load())
		require.False(t, registry.IsPending(rec))
		require.Equal(t, 0, registry.Len())

		requireNoCleanup(t, results)
		require.Equal(t, int32(1), closer.closed.Load())
	})

	t.Run("released value is closed right away and only once", func(t *testing.T) {
		t.Parallel()

		registry, results := newRegistry(t)
		closer := &countingCloser{}

		value := &payload{name: "key1"}
		rec := reclaim.Register(registry, value, "key1", reclaim.CloseAction(closer))

		require.True(t, registry.Release(rec))
		runtime.KeepAlive(value)
		require.Equal(t, int32(1), closer.closed.Load())
		require.False(t, registry.IsPending(rec))
		require.Equal(t, reclaim.CleanupResult{Key: "key1", Outcome: reclaim.OutcomeClosed}, <-results)

		require.False(t, registry.Release(rec))

		// Reclaiming the value afterwards does nothing
		requireNoCleanup(t, results)
		require.Equal(t, int32(1), closer.closed.Load())
	})

	t.Run("reachable value is not cleaned up", func(t *testing.T) {
		t.Parallel()

		registry, results := newRegistry(t)
		closer := &countingCloser{}

		value := &payload{name: "alive"}
		rec := reclaim.Register(registry, value, "alive", reclaim.CloseAction(closer))

		requireNoCleanup(t, results)
		require.True(t, registry.IsPending(rec))
		require.Equal(t, 1, registry.Len())
		require.Equal(t, int32(0), closer.closed.Load())

		runtime.KeepAlive(value)
	})

	t.Run("value without close capability is a no-op", func(t *testing.T) {
		t.Parallel()

		recorder := &reportRecorder{}
		registry, results := newRegistry(t, reclaim.WithReportFunc(recorder.report))

		rec := registerUnreachable(registry, "plain", reclaim.CloseAction("not a closer"))

		result := awaitCleanup(t, results)
		require.Equal(t, reclaim.OutcomeNotCloseable, result.Outcome)
		require.NoError(t, result.Err)
		require.False(t, registry.IsPending(rec))
		require.Empty(t, recorder.reported())
	})

	t.Run("cleanup failure is reported and isolated", func(t *testing.T) {
		t.Parallel()

		recorder := &reportRecorder{}
		registry, results := newRegistry(t, reclaim.WithReportFunc(recorder.report))

		closeErr := errors.New("close failed")
		failing := &countingCloser{err: closeErr}
		healthy := &countingCloser{}

		registerUnreachable(registry, "failing", reclaim.CloseAction(failing))
		registerUnreachable(registry, "healthy", reclaim.CloseAction(healthy))

		byKey := map[string]reclaim.CleanupResult{}
		for range 2 {
			result := awaitCleanup(t, results)
			byKey[result.Key] = result
		}

		require.Equal(t, reclaim.OutcomeFailed, byKey["failing"].Outcome)
		require.ErrorIs(t, byKey["failing"].Err, reclaim.ErrCleanupFailed)
		require.ErrorIs(t, byKey["failing"].Err, closeErr)

		var cleanupErr *reclaim.CleanupError
		require.ErrorAs(t, byKey["failing"].Err, &cleanupErr)
		require.Equal(t, "failing", cleanupErr.Key)

		require.Equal(t, reclaim.OutcomeClosed, byKey["healthy"].Outcome)
		require.Equal(t, int32(1), failing.closed.Load())
		require.Equal(t, int32(1), healthy.closed.Load())

		reported := recorder.reported()
		require.Len(t, reported, 1)
		require.ErrorIs(t, reported[0], closeErr)
		require.Equal(t, 0, registry.Len())
	})

	t.Run("panicking cleanup does not stop the reaper", func(t *testing.T) {
		t.Parallel()

		registry, results := newRegistry(t)

		registerUnreachable(registry, "panics", func() error {
			panic("boom")
		})

		result := awaitCleanup(t, results)
		require.Equal(t, reclaim.OutcomeFailed, result.Outcome)
		require.ErrorIs(t, result.Err, reclaim.ErrCleanupFailed)
		require.ErrorContains(t, result.Err, "boom")

		closer := &countingCloser{}
		registerUnreachable(registry, "after", reclaim.CloseAction(closer))

		result = awaitCleanup(t, results)
		require.Equal(t, "after", result.Key)
		require.Equal(t, reclaim.OutcomeClosed, result.Outcome)
		require.Equal(t, int32(1), closer.closed.Load())
	})

	t.Run("cleanups survive a full queue", func(t *testing.T) {
		t.Parallel()

		registry, results := newRegistry(t, reclaim.WithQueueSize(0))

		closers := make([]*countingCloser, 4)
		for i := range closers {
			closers[i] = &countingCloser{}
			registerUnreachable(registry, "unbuffered", reclaim.CloseAction(closers[i]))
		}

		for range closers {
			result := awaitCleanup(t, results)
			require.Equal(t, reclaim.OutcomeClosed, result.Outcome)
		}
		for _, closer := range closers {
			require.Equal(t, int32(1), closer.closed.Load())
		}
	})

	t.Run("cleanups are counted by outcome", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		registry, results := newRegistry(t, reclaim.WithMeterProvider(meterProvider))

		registerUnreachable(registry, "closed", reclaim.CloseAction(&countingCloser{}))
		registerUnreachable(registry, "plain", reclaim.CloseAction(42))
		for range 2 {
			awaitCleanup(t, results)
		}

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(t.Context(), &rm))

		counts := map[string]int64{}
		pending := int64(-1)
		for _, scopeMetrics := range rm.ScopeMetrics {
			for _, m := range scopeMetrics.Metrics {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				switch m.Name {
				case "reclaim/cleanups":
					for _, dataPoint := range sum.DataPoints {
						outcome, ok := dataPoint.Attributes.Value("outcome")
						require.True(t, ok)
						counts[outcome.AsString()] += dataPoint.Value
					}
				case "reclaim/pending_records":
					require.Len(t, sum.DataPoints, 1)
					pending = sum.DataPoints[0].Value
				}
			}
		}

		require.Equal(t, map[string]int64{"closed": 1, "not_closeable": 1}, counts)
		require.Equal(t, int64(0), pending)
	})

	t.Run("negative queue size is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := reclaim.NewRegistry(reclaim.WithQueueSize(-1))
		require.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	t.Parallel()

	require.Same(t, reclaim.Default(), reclaim.Default())
}

func TestCloseAction(t *testing.T) {
	t.Parallel()

	t.Run("closes closers", func(t *testing.T) {
		t.Parallel()

		closer := &countingCloser{}
		require.NoError(t, reclaim.CloseAction(closer)())
		require.Equal(t, int32(1), closer.closed.Load())
	})

	t.Run("passes through close errors", func(t *testing.T) {
		t.Parallel()

		closeErr := errors.New("close failed")
		require.ErrorIs(t, reclaim.CloseAction(&countingCloser{err: closeErr})(), closeErr)
	})

	t.Run("reports values without Close", func(t *testing.T) {
		t.Parallel()

		require.ErrorIs(t, reclaim.CloseAction(&payload{})(), reclaim.ErrNotCloseable)
		require.ErrorIs(t, reclaim.CloseAction(nil)(), reclaim.ErrNotCloseable)
	})
}

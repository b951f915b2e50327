// Package reclaim runs cleanup actions for values once the garbage collector
// finds them unreachable.
//
// Detection uses runtime.AddCleanup, so a cleanup runs some time after the
// last strong reference is dropped and a GC cycle has completed. It never
// runs while the value is still reachable, and it runs at most once.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ZipRecruiter/gradle/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const defaultQueueSize = 256

type ReportFunc func(ctx context.Context, err error, extras ...map[string]string)

type Registry struct {
	// Holds every record that has not been cleaned up yet.
	// Keys are *Record, values are unused.
	pending sync.Map
	queue   chan *Record

	startOnce sync.Once

	logger   *slog.Logger
	report   ReportFunc
	observer func(CleanupResult)

	metrics registryMetricsCollection
}

type options struct {
	logger        *slog.Logger
	report        ReportFunc
	observer      func(CleanupResult)
	queueSize     int
	meterProvider metric.MeterProvider
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithReportFunc sets where cleanup failures are reported, in addition to being logged.
func WithReportFunc(report ReportFunc) Option {
	return func(o *options) {
		o.report = report
	}
}

// WithObserver registers a callback that receives the result of every cleanup.
// It is called from the reaper goroutine, or from the caller of Release, and
// must not block.
func WithObserver(observer func(CleanupResult)) Option {
	return func(o *options) {
		o.observer = observer
	}
}

func WithQueueSize(size int) Option {
	return func(o *options) {
		o.queueSize = size
	}
}

func WithMeterProvider(meterProvider metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = meterProvider
	}
}

func NewRegistry(opts ...Option) (*Registry, error) {
	o := options{
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(slog.String("component", "reclaim"))
	}
	if o.queueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative: %d", o.queueSize)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	metrics, err := setupRegistryMetrics(o.meterProvider.Meter("reclaim/registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &Registry{
		queue:    make(chan *Record, o.queueSize),
		logger:   o.logger,
		report:   o.report,
		observer: o.observer,
		metrics:  metrics,
	}, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	registry, err := NewRegistry()
	if err != nil {
		panic(fmt.Errorf("failed to create default registry: %w", err))
	}
	return registry
})

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	return defaultRegistry()
}

// Register arranges for action to run once ptr has been reclaimed.
//
// action must not reference ptr, directly or indirectly. If it does, ptr stays
// reachable from the registry and is never reclaimed.
func Register[T any](r *Registry, ptr *T, key string, action CleanupAction) *Record {
	rec := &Record{
		key:          key,
		action:       action,
		registeredAt: time.Now(),
	}

	r.pending.Store(rec, struct{}{})
	r.metrics.pendingRecords.Add(context.Background(), 1)

	r.startOnce.Do(func() {
		go r.reap()
	})

	runtime.AddCleanup(ptr, r.enqueue, rec)

	return rec
}

// Release runs the cleanup action for rec right away, unless it has already
// run. It reports whether the action ran. The value must no longer be in use.
// When the value is reclaimed later, nothing else happens.
func (r *Registry) Release(rec *Record) bool {
	return r.finalize(rec, triggerReleased)
}

func (r *Registry) IsPending(rec *Record) bool {
	_, ok := r.pending.Load(rec)
	return ok
}

func (r *Registry) Len() int {
	count := 0
	r.pending.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Runs on the runtime's cleanup goroutine, which is shared by the whole process.
func (r *Registry) enqueue(rec *Record) {
	select {
	case r.queue <- rec:
	default:
		go func() {
			r.queue <- rec
		}()
	}
}

func (r *Registry) reap() {
	for rec := range r.queue {
		r.finalize(rec, triggerReclaimed)
	}
}

const (
	triggerReclaimed = "reclaimed"
	triggerReleased  = "released"
)

func (r *Registry) finalize(rec *Record, trigger string) bool {
	if _, ok := r.pending.LoadAndDelete(rec); !ok {
		return false
	}

	ctx := logging.AddToContext(context.Background(), r.logger)
	r.metrics.pendingRecords.Add(ctx, -1)

	logger := r.logger.With(slog.String("key", rec.key), slog.String("trigger", trigger))
	logger.InfoContext(ctx, "Cleaning up value", slog.Duration("age", time.Since(rec.registeredAt)))

	result := rec.run()

	r.metrics.recordCleanup(ctx, result.Outcome)

	switch result.Outcome {
	case OutcomeNotCloseable:
		logger.InfoContext(ctx, "Value is not closeable")
	case OutcomeFailed:
		logger.ErrorContext(ctx, "Failed to clean up value", slog.String("error", result.Err.Error()))
		if r.report != nil {
			r.report(ctx, result.Err, map[string]string{
				"key": rec.key,
			})
		}
	}

	if r.observer != nil {
		r.observer(result)
	}
	return true
}

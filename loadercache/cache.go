// Package loadercache caches class-loading contexts, or any other heavyweight
// resource, by key.
//
// The cache holds values weakly: it never keeps a Handle alive by itself
// (apart from the optional retention pool). A Handle's resource is closed
// when the last user lets go of it, either explicitly with Handle.Release or
// by dropping it so the garbage collector reclaims it. The second path depends
// on GC timing. Removing an entry, with Clear or Close, never closes anything
// directly.
package loadercache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
	"weak"

	"github.com/ZipRecruiter/gradle/internal/logging"
	"github.com/ZipRecruiter/gradle/reclaim"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Loader[R any] func() (R, error)

type ClassLoaderCache[K comparable, R any] struct {
	table     *table[K, R]
	retention *retention[K, R]
	registry  *reclaim.Registry

	tracer  trace.Tracer
	metrics cacheMetricsCollection
}

type options struct {
	registry       *reclaim.Registry
	retainTTL      time.Duration
	retainCapacity int
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

type Option func(*options)

// WithRegistry sets the registry that closes reclaimed resources.
// Defaults to reclaim.Default().
func WithRegistry(registry *reclaim.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithRetention keeps up to capacity recently used handles alive for ttl after
// their last lookup. Without it a handle nobody holds is reclaimed at the next GC.
//
// The pool expires handles on a background goroutine. It lives until the cache
// itself is garbage collected; Close only empties the pool.
func WithRetention(ttl time.Duration, capacity int) Option {
	return func(o *options) {
		o.retainTTL = ttl
		o.retainCapacity = capacity
	}
}

func WithMeterProvider(meterProvider metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = meterProvider
	}
}

func WithTracerProvider(tracerProvider trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tracerProvider
	}
}

func New[K comparable, R any](opts ...Option) (*ClassLoaderCache[K, R], error) {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.registry == nil {
		o.registry = reclaim.Default()
	}
	if o.retainTTL < 0 || o.retainCapacity < 0 {
		return nil, fmt.Errorf("invalid retention: ttl %s, capacity %d", o.retainTTL, o.retainCapacity)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	metrics, err := setupCacheMetrics(o.meterProvider.Meter("loadercache"))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	c := &ClassLoaderCache[K, R]{
		table:     newTable[K, R](),
		retention: newRetention[K, R](o.retainTTL, o.retainCapacity),
		registry:  o.registry,
		tracer:    o.tracerProvider.Tracer("loadercache"),
		metrics:   metrics,
	}
	if c.retention != nil {
		// Handles and their release funcs must not reference c
		runtime.AddCleanup(c, func(r *retention[K, R]) {
			go r.stop()
		}, c.retention)
	}

	return c, nil
}

// Get returns the handle cached under key, calling loader if there is none.
// Each successful Get takes a reference that Handle.Release gives back.
//
// loader runs at most once per miss, even when several callers miss the same
// key at the same time. They all receive the same handle, or the same
// *ComputationError if loader fails. Failures are not cached.
func (c *ClassLoaderCache[K, R]) Get(ctx context.Context, key K, loader Loader[R]) (*Handle[R], error) {
	keyLabel := fmt.Sprint(key)
	ctx = logging.AddMetaToContext(ctx, slog.String("key", keyLabel))

	handle, result, err := getOrCreate(ctx, c.table, key, func() (*Handle[R], error) {
		return c.load(ctx, key, keyLabel, loader)
	})
	c.metrics.recordLookup(ctx, result)
	if err != nil {
		return nil, err
	}

	if c.retention != nil {
		// A Clear since the lookup leaves nothing to pin
		c.table.pinIfCurrent(key, handle, func() {
			c.retention.pin(key, handle)
		})
	}

	return handle, nil
}

func (c *ClassLoaderCache[K, R]) load(ctx context.Context, key K, keyLabel string, loader Loader[R]) (*Handle[R], error) {
	ctx, span := c.tracer.Start(ctx, "loadercache.load", trace.WithAttributes(attribute.String("key", keyLabel)))
	defer span.End()

	resource, err := callLoader(loader)
	if err != nil {
		span.RecordError(err)
		return nil, &ComputationError{Key: keyLabel, Err: err}
	}

	handle := newHandle(resource)
	rec := reclaim.Register(c.registry, handle, keyLabel, c.cleanupAction(key, weak.Make(handle), resource))
	handle.release = c.releaseFunc(key, rec)

	logging.FromContext(ctx).InfoContext(ctx, "Created class loader", "handle", handle.ID().String())

	return handle, nil
}

// The action must not reference the handle, or it would never be reclaimed.
func (c *ClassLoaderCache[K, R]) cleanupAction(key K, handle weak.Pointer[Handle[R]], resource R) reclaim.CleanupAction {
	t := c.table
	closeResource := reclaim.CloseAction(resource)
	return func() error {
		t.deleteReclaimed(key, handle)
		return closeResource()
	}
}

// Like cleanupAction, the returned func must not reference c.
func (c *ClassLoaderCache[K, R]) releaseFunc(key K, rec *reclaim.Record) func(*Handle[R]) {
	t, retained, registry := c.table, c.retention, c.registry
	return func(handle *Handle[R]) {
		keep := func() bool {
			return retained.holds(key, handle)
		}
		if t.releaseRef(key, handle, keep) {
			registry.Release(rec)
		}
	}
}

func callLoader[R any](loader Loader[R]) (resource R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("loader panicked: %v", p)
		}
	}()

	return loader()
}

// Clear removes every entry. Resources are still only closed once their
// handles are released or reclaimed.
func (c *ClassLoaderCache[K, R]) Clear() {
	c.table.clear()
	c.retention.clear()
}

// Close is the same as Clear. The cache can still be used afterwards.
func (c *ClassLoaderCache[K, R]) Close() error {
	c.Clear()
	return nil
}

// Len returns the number of entries whose handle has not been reclaimed.
func (c *ClassLoaderCache[K, R]) Len() int {
	return c.table.len()
}

package loadercache

import (
	"context"
	"fmt"

	"github.com/ZipRecruiter/gradle/internal/logging"
)

type lookupResult string

const (
	lookupHit       lookupResult = "hit"
	lookupMiss      lookupResult = "miss"
	lookupCoalesced lookupResult = "coalesced"
	lookupError     lookupResult = "error"
)

// getOrCreate returns the handle stored under key, or creates and stores one.
// Concurrent callers for the same missing key wait for a single create call
// and share its handle or its error.
func getOrCreate[K comparable, R any](ctx context.Context, t *table[K, R], key K, create func() (*Handle[R], error)) (*Handle[R], lookupResult, error) {
	result := t.getOrClaim(key)

	if result.handle != nil {
		logging.FromContext(ctx).DebugContext(ctx, "Getting class loader", "cache", "hit")
		return result.handle, lookupHit, nil
	}

	if !result.claimed {
		logging.FromContext(ctx).InfoContext(ctx, "Waiting for class loader")
		select {
		case <-result.claim.done:
		case <-ctx.Done():
			// Give back the reference the claimer will count for us
			go func() {
				<-result.claim.done
				if result.claim.handle != nil {
					result.claim.handle.Release()
				}
			}()
			return nil, lookupError, fmt.Errorf("stopped waiting for class loader: %w", ctx.Err())
		}

		if result.claim.err != nil {
			return nil, lookupError, result.claim.err
		}
		return result.claim.handle, lookupCoalesced, nil
	}

	logging.FromContext(ctx).InfoContext(ctx, "Getting class loader", "cache", "miss")

	handle, err := createSafely(key, create)

	// Store before waking waiters so later lookups see the entry
	if err == nil {
		t.set(key, result.claim, handle)
	} else {
		// Failed computations are not cached, the next caller tries again
		t.release(key, result.claim)
	}
	result.claim.resolve(handle, err)

	if err != nil {
		return nil, lookupError, err
	}
	return handle, lookupMiss, nil
}

func createSafely[K comparable, R any](key K, create func() (*Handle[R], error)) (handle *Handle[R], err error) {
	defer func() {
		if p := recover(); p != nil {
			handle = nil
			err = &ComputationError{Key: fmt.Sprint(key), Err: fmt.Errorf("loader panicked: %v", p)}
		}
	}()

	return create()
}

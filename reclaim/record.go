package reclaim

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrCleanupFailed = errors.New("cleanup failed")

// Returned by CloseAction when the value has nothing to close.
// The reaper counts this as a successful no-op.
var ErrNotCloseable = errors.New("value is not closeable")

type CleanupAction func() error

// Record links a registered value to the action that releases it.
// It stays in its registry's pending set until the reaper has run the action.
type Record struct {
	key          string
	action       CleanupAction
	registeredAt time.Time
}

func (rec *Record) Key() string {
	return rec.key
}

func (rec *Record) RegisteredAt() time.Time {
	return rec.registeredAt
}

type Outcome string

const (
	OutcomeClosed       Outcome = "closed"
	OutcomeNotCloseable Outcome = "not_closeable"
	OutcomeFailed       Outcome = "failed"
)

type CleanupResult struct {
	Key     string
	Outcome Outcome
	Err     error
}

type CleanupError struct {
	Key string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to clean up %s: %v", e.Key, e.Err)
}

func (e *CleanupError) Unwrap() []error {
	return []error{ErrCleanupFailed, e.Err}
}

// CloseAction returns an action that closes v if it implements io.Closer.
func CloseAction(v any) CleanupAction {
	return func() error {
		closer, ok := v.(io.Closer)
		if !ok {
			return ErrNotCloseable
		}
		return closer.Close()
	}
}

func (rec *Record) run() CleanupResult {
	err := runAction(rec.action)
	switch {
	case err == nil:
		return CleanupResult{Key: rec.key, Outcome: OutcomeClosed}
	case errors.Is(err, ErrNotCloseable):
		return CleanupResult{Key: rec.key, Outcome: OutcomeNotCloseable}
	default:
		return CleanupResult{
			Key:     rec.key,
			Outcome: OutcomeFailed,
			Err:     &CleanupError{Key: rec.key, Err: err},
		}
	}
}

func runAction(action CleanupAction) (err error) {
	if action == nil {
		return ErrNotCloseable
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cleanup action panicked: %v", p)
		}
	}()

	return action()
}

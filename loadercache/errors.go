package loadercache

import (
	"errors"
	"fmt"
)

var ErrComputationFailed = errors.New("class loader computation failed")

// ComputationError is returned to every caller that waited on a failed loader.
type ComputationError struct {
	Key string
	Err error
}

func (e *ComputationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", ErrComputationFailed, e.Err)
	}
	return fmt.Sprintf("%s for %s: %v", ErrComputationFailed, e.Key, e.Err)
}

func (e *ComputationError) Unwrap() []error {
	return []error{ErrComputationFailed, e.Err}
}

package provider

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("provider timeout")
	// ErrProvider marks a provider call that returned an error.
	ErrProvider = errors.New("provider error")
)

// DimensionError wraps a failed provider call for one dimension. It matches
// ErrTimeout or ErrProvider under errors.Is.
type DimensionError struct {
	Dimension string
	Timeout   bool
	Err       error
}

func (e *DimensionError) Error() string {
	kind := "error"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("provider %s on %s: %v", kind, e.Dimension, e.Err)
}

func (e *DimensionError) Unwrap() error { return e.Err }

func (e *DimensionError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Timeout
	case ErrProvider:
		return !e.Timeout
	}
	return false
}

// Kind returns "timeout" or "error", used as a metric label.
func (e *DimensionError) Kind() string {
	if e.Timeout {
		return "timeout"
	}
	return "error"
}

// Classify wraps err for dimension. Deadline errors become timeouts.
func Classify(dimension string, err error) error {
	if err == nil {
		return nil
	}
	return &DimensionError{
		Dimension: dimension,
		Timeout:   errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}

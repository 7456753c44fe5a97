package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"barflow/models"
)

// Func is the boundary with the broker-protocol client: fetch bars for one
// symbol over a lookback duration at a bar size. The wire protocol behind it
// is opaque to the pipeline.
type Func func(ctx context.Context, symbol string, duration string, timeframe models.Timeframe) ([]models.Bar, error)

// ReferenceFetcher is the boundary with the independent reference-data
// source used for consensus validation. Unavailability is an expected
// operational condition, not a programming error.
type ReferenceFetcher interface {
	FetchReference(ctx context.Context, symbol string, start, end time.Time, timeframe models.Timeframe) ([]models.Bar, error)
}

// TransientError marks a failure as retryable: network timeouts, upstream
// throttling, dropped connections. The scheduler retries these with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient implements the retry contract checked by the scheduler.
func (e *TransientError) Transient() bool { return true }

// Transientf builds a retryable error.
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// AsTransient wraps err as retryable, preserving the original for unwrap.
func AsTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Package retrypolicy classifies pipeline errors as transient or
// permanent and executes operations with bounded exponential backoff,
// following the shape of kopia's internal/retry package
// (WithExponentialBackoff(ctx, desc, fn, isRetriable)).
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Kind is the closed error taxonomy RetryPolicy classifies every
// operation failure into.
type Kind string

const (
	KindCancelled           Kind = "Cancelled"
	KindPathEscape          Kind = "PathEscape"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindInvalidSource       Kind = "InvalidSource"
	KindNoSpace             Kind = "NoSpace"
	KindTimeout             Kind = "Timeout"
	KindNetworkUnavailable  Kind = "NetworkUnavailable"
	KindDeviceBusy          Kind = "DeviceBusy"
	KindTemporaryPermission Kind = "TemporaryPermission"
	KindChecksumMismatch    Kind = "ChecksumMismatch"
	KindInternal            Kind = "Internal"
)

// transientKinds are retried; everything else is permanent at the file level.
var transientKinds = map[Kind]bool{
	KindTimeout:             true,
	KindNetworkUnavailable:  true,
	KindDeviceBusy:          true,
	KindTemporaryPermission: true,
}

// ClassifiedError carries a Kind alongside the underlying error.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with the given Kind.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the Kind from a classified error, defaulting to
// KindInternal for anything unclassified.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	return KindInternal
}

// IsSafeToRetry reports whether err's Kind is transient.
func IsSafeToRetry(err error) bool {
	if err == nil {
		return false
	}

	return transientKinds[KindOf(err)]
}

const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 10 * time.Second
)

// DefaultMaxAttempts is the default retry ceiling for Transient errors.
const DefaultMaxAttempts = 3

// Execute runs op, retrying on transient errors up to maxAttempts times
// with base*2^(attempt-1) backoff capped at maxDelay. Permanent and
// Cancelled errors return immediately without retry.
func Execute[T any](ctx context.Context, desc string, maxAttempts int, op func(ctx context.Context) (T, error)) (T, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxDelay

	var attempt int

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++

		val, opErr := op(ctx)
		if opErr == nil {
			return val, nil
		}

		if !IsSafeToRetry(opErr) {
			return val, backoff.Permanent(opErr)
		}

		if attempt >= maxAttempts {
			return val, backoff.Permanent(fmt.Errorf("%s: exhausted %d attempts: %w", desc, maxAttempts, opErr))
		}

		return val, opErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxAttempts)))

	return result, err
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a single logical collaborator call.
type Policy struct {
	// Timeout applies to each attempt. Zero means no per-attempt bound
	// beyond the caller's context.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts uint

	// InitialInterval is the first backoff delay between attempts.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultPolicy returns a 30s per-attempt bound with two retries on timeout.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:         30 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// WithTimeout returns a copy of p with a different per-attempt timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

// Call runs fn under p.
//
// Description:
//
//	Each attempt gets its own deadline. An attempt that runs out of time
//	while ctx is still live yields ErrCollaboratorTimeout and is retried
//	with exponential backoff until MaxAttempts is reached. Any other error,
//	or cancellation of ctx itself, stops immediately. fn must be safe to
//	call more than once: a retried call has to produce the same effect as
//	a single one.
//
// Inputs:
//
//	ctx - Parent context. Must not be nil.
//	p - Timeout and retry bounds.
//	op - Operation name used in error messages.
//	fn - The call. Receives the per-attempt context.
//
// Outputs:
//
//	T - fn's result from the successful attempt.
//	error - Wraps ErrCollaboratorTimeout when every attempt timed out,
//	        otherwise fn's error or ctx's error.
func Call[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	attempt := func() (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		out, err := fn(attemptCtx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, ErrCollaboratorTimeout) {
			return zero, fmt.Errorf("%s: %w", op, ErrCollaboratorTimeout)
		}
		return zero, backoff.Permanent(err)
	}

	out, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
	)
	// The last attempt's error comes back still wrapped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return out, err
}

// Package retry runs outbound calls under a bounded retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 10 * time.Second
	defaultMultiplier  = 2
)

// ErrExhausted is wrapped into the returned error once every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds how often and how fast a call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Retryable classifies errors; IsTransient is used when nil.
	Retryable func(error) bool
}

// Do invokes fn until it succeeds, returns a non-retryable error, the attempts run out, or ctx ends.
// Attempts are numbered from 1.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if fn == nil {
		return errors.New("retry: call is required")
	}
	p = p.normalised()

	attempt := 0
	retryer := &policyRetryer{
		ctx:    ctx,
		policy: p,
		backoff: gax.Backoff{
			Initial:    p.BaseDelay,
			Max:        p.MaxDelay,
			Multiplier: p.Multiplier,
		},
	}

	err := gax.Invoke(ctx, func(callCtx context.Context, _ gax.CallSettings) error {
		attempt++
		retryer.attempt = attempt
		return fn(callCtx, attempt)
	}, gax.WithRetry(func() gax.Retryer { return retryer }))
	if err == nil {
		return nil
	}
	if retryer.exhausted {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
	return err
}

func (p Policy) normalised() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = defaultMaxDelay
		if p.MaxDelay < p.BaseDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

type policyRetryer struct {
	ctx       context.Context
	policy    Policy
	backoff   gax.Backoff
	attempt   int
	exhausted bool
}

func (r *policyRetryer) Retry(err error) (time.Duration, bool) {
	if r.ctx.Err() != nil {
		return 0, false
	}
	if !r.policy.Retryable(err) {
		return 0, false
	}
	if r.attempt >= r.policy.MaxAttempts {
		r.exhausted = true
		return 0, false
	}
	return r.backoff.Pause(), true
}

// IsTransient reports whether err is a transport-class failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

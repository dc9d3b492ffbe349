// Package retry centralizes backoff for exchange calls and stream reconnects.
package retry

import (
	"context"
	"time"

	"grid-trading-engine/internal/apperrors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jpillora/backoff"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0..1
}

// DefaultPolicy is used when a component is configured without one.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      0.1,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= p.BaseDelay {
		p.MaxDelay = p.BaseDelay * 2
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Do runs fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. Rate-limit errors additionally wait for
// the delay the exchange asked for before the next attempt.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}
	p = p.normalized()

	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && retryable(err)
		}).
		WithMaxAttempts(p.MaxAttempts).
		WithBackoff(p.BaseDelay, p.MaxDelay).
		ReturnLastFailure()
	if p.Jitter > 0 {
		builder = builder.WithJitterFactor(p.Jitter)
	}

	return failsafe.With[any](builder.Build()).WithContext(ctx).Run(func() error {
		err := fn(ctx)
		if wait := apperrors.RetryAfter(err); wait > 0 && retryable(err) {
			if sleepErr := Sleep(ctx, wait); sleepErr != nil {
				return sleepErr
			}
		}
		return err
	})
}

// NewBackoff returns an unbounded jittered exponential backoff for reconnect loops.
func NewBackoff(base, max time.Duration) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    base,
		Max:    max,
		Factor: 2,
		Jitter: true,
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

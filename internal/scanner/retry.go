package scanner

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/example/slot-scheduler/internal/target"
)

// RetryPolicy decides how a failed request is repeated. Only transient
// failures are retried; anything else is returned on first occurrence.
type RetryPolicy struct {
	// Attempts caps the number of tries. 0 retries until success or cancellation.
	Attempts uint
	Delay    time.Duration
	Jitter   time.Duration
}

// UnboundedRetry repeats the same request with no backoff until it gets a
// response or the session is cancelled.
func UnboundedRetry() RetryPolicy {
	return RetryPolicy{Attempts: 0, Delay: 0, Jitter: 10 * time.Millisecond}
}

// IsTransient reports whether err is a network-level failure.
func IsTransient(err error) bool {
	var te *target.TransportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Do runs fn under the policy. ctx bounds the retry loop only; fn decides
// which context its own request runs on.
func (p RetryPolicy) Do(ctx context.Context, onRetry func(n uint, err error), fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	jitter := p.Jitter
	if jitter <= 0 {
		jitter = time.Millisecond
	}
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}

	var last error
	err := retry.Do(
		func() error {
			last = fn()
			return last
		},
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.MaxDelay(p.Delay+jitter),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.RetryIf(IsTransient),
		retry.OnRetry(onRetry),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if last != nil {
		return last
	}
	return err
}

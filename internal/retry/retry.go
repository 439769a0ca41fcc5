package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pharmimport/internal/config"
	"pharmimport/internal/services"
)

const (
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxAttempts = 5
	jitter             = 0.2
)

// Policy is the single retry-with-backoff schedule shared by the upload and
// import phases. Only errors the classifier reports as transient are retried.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	// AttemptTimeout bounds each attempt; zero means no per-attempt deadline.
	AttemptTimeout time.Duration
	// Classify reports whether err is worth another attempt. Defaults to IsTransient.
	Classify func(error) bool
	// OnRetry is called before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default returns the policy with repository defaults.
func Default() Policy {
	return Policy{
		BaseDelay:   defaultBaseDelay,
		Multiplier:  defaultMultiplier,
		MaxDelay:    defaultMaxDelay,
		MaxAttempts: defaultMaxAttempts,
	}
}

// FromConfig builds a policy from the [retry] section.
func FromConfig(cfg config.Retry) Policy {
	return Policy{
		BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// WithTimeout returns a copy of p whose attempts are bounded by d.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.AttemptTimeout = d
	return p
}

// WithNotify returns a copy of p that reports retries to fn.
func (p Policy) WithNotify(fn func(attempt int, err error, wait time.Duration)) Policy {
	p.OnRetry = fn
	return p
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// attempt ceiling, or ctx ends. It returns the number of attempts made and the
// last error.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) (int, error) {
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := p.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, p.schedule(ctx, maxAttempts), notify)
	return attempts, err
}

func (p Policy) attempt(ctx context.Context, op func(context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "", "attempt", fmt.Sprintf("exceeded %s", p.AttemptTimeout), err)
	}
	return err
}

func (p Policy) schedule(ctx context.Context, maxAttempts int) backoff.BackOff {
	base := p.BaseDelay
	if base < 0 {
		base = 0
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(multiplier),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithRandomizationFactor(jitter),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxAttempts-1)), ctx)
}

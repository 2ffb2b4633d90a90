// Package retry wraps outbound calls with the rate-limit backoff policy:
// rate-limited failures are retried with doubling waits, everything else
// propagates on the first failure.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// Policy bounds the attempts and sets the first wait; each later wait doubles.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy is 3 attempts with waits of 1s and 2s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Backoff returns the wait schedule of the policy.
func (p Policy) Backoff() goretry.Backoff {
	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return goretry.WithMaxRetries(uint64(retries), goretry.NewExponential(p.BaseDelay))
}

type Controller struct {
	policy  Policy
	metrics *observability.Metrics
	onWait  func(op string, attempt int, wait time.Duration)
}

type Option func(*Controller)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithWaitHook registers a callback invoked before every backoff wait.
func WithWaitHook(fn func(op string, attempt int, wait time.Duration)) Option {
	return func(c *Controller) { c.onWait = fn }
}

func New(policy Policy, opts ...Option) *Controller {
	c := &Controller{
		policy:  policy,
		metrics: observability.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs fn under the controller's policy. fn must be safe to call again
// after it failed. The returned error wraps domain.ErrRateLimited when the
// attempts ran out on rate limiting.
func Do[T any](ctx context.Context, c *Controller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result  T
		attempt int
	)

	log := observability.LoggerFromContext(ctx).With("operation", op)

	schedule := c.policy.Backoff()
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		wait, stop := schedule.Next()
		if !stop {
			log.Warn("rate limited, backing off", "attempt", attempt, "wait_ms", wait.Milliseconds())
			if c.onWait != nil {
				c.onWait(op, attempt, wait)
			}
		}
		return wait, stop
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			result = v
			c.metrics.RetryAttempts.WithLabelValues(op, "success").Inc()
			return nil
		}
		if IsRateLimited(err) {
			c.metrics.RetryAttempts.WithLabelValues(op, "rate_limited").Inc()
			return goretry.RetryableError(err)
		}
		c.metrics.RetryAttempts.WithLabelValues(op, "error").Inc()
		return err
	})
	if err != nil {
		var zero T
		if IsRateLimited(err) {
			log.Error("giving up after rate limiting", "attempts", attempt, "error", err)
			return zero, fmt.Errorf("%s: %w after %d attempts: %w", op, domain.ErrRateLimited, attempt, err)
		}
		log.LogAttrs(ctx, slog.LevelDebug, "call failed", slog.Int("attempts", attempt), slog.Any("error", err))
		return zero, err
	}
	return result, nil
}

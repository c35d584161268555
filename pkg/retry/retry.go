// Package retry implements the Retry & Budget Controller (C4): the
// per-execution attempt/backoff loop around the Sandbox Executor, plus a
// cross-execution circuit breaker that opens when infra failures cluster
// regardless of which tool triggered them.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/toolrunner/pkg/executor"
	"github.com/cuemby/toolrunner/pkg/log"
	"github.com/cuemby/toolrunner/pkg/metrics"
	"github.com/cuemby/toolrunner/pkg/types"
)

// Policy is the per-execution attempt budget. Defaults mirror the original
// design: three attempts, base 2.0 exponential backoff, capped at 60s.
type Policy struct {
	MaxAttempts int
	Base        float64
	MaxBackoff  time.Duration
}

// DefaultPolicy matches the original design's constants exactly.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: 2.0, MaxBackoff: 60 * time.Second}
}

func (p Policy) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(p.Base, float64(attempt))) * time.Second
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Retryable is implemented by infra-origin errors the executor returns for
// confinement-attribute failures (image pull, container create/start).
type Retryable interface {
	Retryable() bool
}

// Controller wraps a Sandbox Executor with the attempt/backoff loop and an
// additional circuit breaker that trips across executions, independent of
// any single tool's retry budget, so a containerd outage doesn't chew
// through every in-flight request's attempts before anyone notices.
type Controller struct {
	exec    *executor.Executor
	policy  Policy
	breaker *gobreaker.CircuitBreaker
}

// New wires an executor behind policy and a breaker that opens
// after five consecutive infra failures and probes again after 30s.
func New(exec *executor.Executor, policy Policy) *Controller {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sandbox-executor",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("retry").Warn().
				Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerOpen.Set(1)
			} else {
				metrics.CircuitBreakerOpen.Set(0)
			}
		},
	})
	return &Controller{exec: exec, policy: policy, breaker: breaker}
}

// Run executes spec through the breaker-wrapped executor, retrying on
// retryable failures up to policy.MaxAttempts. A retry is warranted either
// by a Go-level infra error from the executor (pull/create/start) or by a
// successful call whose result itself is retryable (a timeout, or a
// tool-declared retryable error). The final attempt's result (or error) is
// returned regardless of outcome; retryCount tells the caller how many
// attempts beyond the first were made.
//
// A request-scoped deadline shorter than the retry loop's own backoff
// schedule still wins: ctx.Done() aborts immediately instead of sleeping
// through a cancellation.
func (c *Controller) Run(ctx context.Context, spec executor.Spec) (result *executor.Result, retryCount int, err error) {
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.policy.backoff(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}

		out, rerr := c.breaker.Execute(func() (interface{}, error) {
			return c.exec.Run(ctx, spec)
		})

		if rerr == nil {
			result = out.(*executor.Result)
			err = nil
			retryCount = attempt

			retryableResult := result.TimedOut || (result.Error != nil && result.Error.Retryable)
			if !retryableResult || attempt == c.policy.MaxAttempts-1 {
				return result, attempt, nil
			}
			log.WithComponent("retry").Warn().Str("error_type", string(result.Error.Type)).Int("attempt", attempt).Msg("retryable execution result, backing off")
			continue
		}

		result = nil
		err = rerr
		retryCount = attempt

		if errors.Is(rerr, gobreaker.ErrOpenState) || errors.Is(rerr, gobreaker.ErrTooManyRequests) {
			continue
		}
		if !isRetryable(rerr) {
			return nil, retryCount, rerr
		}
		log.WithComponent("retry").Warn().Err(rerr).Int("attempt", attempt).Msg("retryable executor failure, backing off")
	}

	return result, retryCount, err
}

func isRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// ClassifyTimeout converts a timed-out result into the error taxonomy's
// timeout kind. The error is always marked retryable; by the time the
// orchestrator calls this, Run has already spent the attempts it allows.
func ClassifyTimeout(res *executor.Result) *types.ExecError {
	if res == nil || !res.TimedOut {
		return nil
	}
	return &types.ExecError{Type: types.ErrTimeout, Message: "execution exceeded its deadline", Retryable: true}
}

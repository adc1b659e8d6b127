// internal/breaker/retry.go
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/solatis/synthkeeper/internal/types"
)

/*
 * Opt-in retry for transitory failures.
 *
 * Exponential backoff between MinInterval and MaxInterval with +/-5% jitter.
 * Zero intervals retry immediately. Only transitory errors are retried, and
 * each state class can be switched off: RetryOnUnavailable covers
 * unavailable inputs and failed host lookups, RetryOnUnknown covers unknown
 * inputs. After MaxAttempts the last error is surfaced unchanged.
 */

// Task is a retryable unit of work. It reports whether the error it
// returns should be retried.
type Task = func(ctx context.Context) (shouldRetry bool, err error)

// Retry is the retry policy for transitory evaluation failures.
type Retry struct {
	// MaxAttempts bounds the number of attempts, including the first.
	// Zero means 3.
	MaxAttempts uint64

	RetryOnUnavailable bool
	RetryOnUnknown     bool

	// MinInterval is the first backoff interval (before jitter).
	MinInterval time.Duration

	// MaxInterval caps the backoff interval (before jitter).
	MaxInterval time.Duration

	// Timeout bounds all attempts together.
	Timeout time.Duration

	NoJitter bool

	Logger *slog.Logger
}

// DefaultRetry returns a policy retrying both transitory classes 3 times.
func DefaultRetry() *Retry {
	return &Retry{
		MaxAttempts:        3,
		RetryOnUnavailable: true,
		RetryOnUnknown:     true,
		MaxInterval:        time.Second,
	}
}

// Retryable reports whether the policy retries err.
func (r *Retry) Retryable(err error) bool {
	var fe *types.FormulaError
	if !errors.As(err, &fe) || fe.Kind != types.KindTransitory {
		return false
	}
	switch fe.State {
	case types.StateUnknown:
		return r.RetryOnUnknown
	default:
		return r.RetryOnUnavailable
	}
}

// Do runs fn, retrying errors the policy classifies as retryable.
func (r *Retry) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Start(ctx, name, func(ctx context.Context) (bool, error) {
		err := fn(ctx)
		return r.Retryable(err), err
	})
}

// Start runs task until it succeeds, declines a retry or runs out of
// attempts.
func (r *Retry) Start(ctx context.Context, name string, task Task) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	l := retryLogger{r.Logger}
	for attempt := uint64(1); ; attempt++ {
		if attempt > 1 {
			l.attempt(ctx, name, attempt)
		}
		retry, err := task(ctx)
		if err == nil {
			if attempt > 1 {
				l.complete(ctx, name, attempt, nil)
			}
			return nil
		}

		interval, ok := r.next(ctx, attempt, retry)
		if !ok {
			if attempt > 1 {
				l.complete(ctx, name, attempt, err)
			}
			return err
		}
		if interval == 0 {
			continue
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			l.complete(ctx, name, attempt, ctx.Err())
			return ctx.Err()
		}
	}
}

func (r *Retry) maxAttempts() uint64 {
	if r.MaxAttempts == 0 {
		return 3
	}
	return r.MaxAttempts
}

// next decides whether another attempt follows and how long to wait.
func (r *Retry) next(ctx context.Context, attempt uint64, retry bool) (time.Duration, bool) {
	if !retry || attempt >= r.maxAttempts() || ctx.Err() != nil {
		return 0, false
	}
	if r.MinInterval <= 0 {
		return 0, true
	}

	maxInterval := r.MaxInterval
	if maxInterval < r.MinInterval {
		maxInterval = r.MinInterval
	}
	factor := math.Pow(2, min(
		float64(attempt-1),
		math.Log2(float64(maxInterval)/float64(r.MinInterval)),
	))
	if !r.NoJitter {
		// #nosec G404
		factor *= .95 + .1*rand.Float64()
	}
	return time.Duration(factor * float64(r.MinInterval)), true
}

type retryLogger struct{ l *slog.Logger }

func (l retryLogger) attempt(ctx context.Context, task string, attempt uint64) {
	if l.l == nil {
		return
	}
	l.l.Log(ctx, slog.LevelDebug, "retry",
		slog.String("task", task),
		slog.Uint64("attempt", attempt),
	)
}

func (l retryLogger) complete(ctx context.Context, task string, attempt uint64, err error) {
	if l.l == nil {
		return
	}
	if err != nil {
		l.l.Log(ctx, slog.LevelInfo, "retry failed",
			slog.String("task", task),
			slog.Uint64("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return
	}
	l.l.Log(ctx, slog.LevelDebug, "retry succeeded",
		slog.String("task", task),
		slog.Uint64("attempt", attempt),
	)
}

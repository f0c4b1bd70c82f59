// Package guard bounds asynchronous operations so a slow or unresponsive
// dependency can never block a caller indefinitely.
//
// Do never returns an error: timeouts, failures and panics all collapse to the
// caller-supplied fallback value. The guarded operation is abandoned on
// timeout, not cancelled; whatever it eventually produces is discarded.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/defiagents/internal/logging"
	"github.com/mbd888/defiagents/internal/metrics"
)

// ErrTimeout is reported to the logger when the deadline elapses first.
var ErrTimeout = errors.New("guard: operation timed out")

type outcome[T any] struct {
	val T
	err error
}

// Do runs fn and returns its result if it settles within timeout, otherwise fallback.
func Do[T any](ctx context.Context, op string, timeout time.Duration, fallback T, fn func(context.Context) (T, error)) T {
	if ctx == nil {
		ctx = context.Background()
	}

	// Buffered so an abandoned operation can always deliver and exit.
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(context.WithoutCancel(ctx))
		done <- outcome[T]{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			metrics.GuardOutcomesTotal.WithLabelValues(op, "error").Inc()
			logging.L(ctx).Warn("guarded operation failed, using fallback", "op", op, "error", res.err)
			return fallback
		}
		metrics.GuardOutcomesTotal.WithLabelValues(op, "ok").Inc()
		return res.val
	case <-timer.C:
		metrics.GuardOutcomesTotal.WithLabelValues(op, "timeout").Inc()
		logging.L(ctx).Warn("guarded operation timed out, using fallback", "op", op, "timeout", timeout, "error", ErrTimeout)
		return fallback
	case <-ctx.Done():
		metrics.GuardOutcomesTotal.WithLabelValues(op, "cancelled").Inc()
		logging.L(ctx).Warn("guarded operation abandoned, caller cancelled", "op", op, "error", ctx.Err())
		return fallback
	}
}

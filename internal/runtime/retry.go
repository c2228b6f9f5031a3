package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
)

// maxRetryIntervalFactor caps the exponential schedule at a multiple of the base delay.
const maxRetryIntervalFactor = 8

// retryTransport runs op until it succeeds, returns a permanent error or
// exhausts the delivery's RetryCount. RetryCount counts retries, so op runs
// at most RetryCount+1 times, and once under configpkg.NoRetries.
func retryTransport[T any](ctx context.Context, delivery configpkg.Delivery, log loggingpkg.ServiceLogger, what string, op backoff.Operation[T]) (T, error) {
	delivery = delivery.WithDefaults()

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = delivery.RetryBaseDelay
	schedule.MaxInterval = delivery.RetryBaseDelay * maxRetryIntervalFactor

	tries := uint(1)
	if delivery.RetryCount > 0 {
		tries += uint(delivery.RetryCount)
	}

	attempts := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempts++
		return op()
	},
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if log == nil {
				return
			}
			log.Debug("Retrying transport operation", loggingpkg.LogFields{
				"operation": what,
				"attempt":   attempts,
				"next_in":   next.String(),
				"error":     err.Error(),
			})
		}),
	)
}

// permanent stops retryTransport immediately.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

package queue

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as not worth retrying; the job fails terminally on
// this attempt regardless of its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

// retryDelay returns base * 2^(attempts-1), capped at MaxRetryDelay.
func (q *Queue) retryDelay(attempts int) time.Duration {
	return RetryDelay(q.cfg.BaseRetryDelay, q.cfg.MaxRetryDelay, attempts)
}

func RetryDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

var DefaultOptions = []retry.Option{
	retry.LastErrorOnly(true),
	retry.Delay(time.Second),
	retry.DelayType(retry.FixedDelay),
}

type Config[T any] struct {
	If      func(err error) bool
	Options []retry.Option
}

func (rc Config[T]) Do(f retry.RetryableFuncWithData[T]) (T, error) {
	return retry.DoWithData(f, rc.Options...)
}

func OnErrorConfig[T any](attemptCount uint, check func(error) bool) Config[T] {
	cfg := Config[T]{
		If:      check,
		Options: []retry.Option{retry.Attempts(attemptCount)},
	}
	cfg.Options = append(cfg.Options, DefaultOptions...)
	return cfg
}

// Unrecoverable marks an error so the retry loop stops immediately.
func Unrecoverable(err error) error {
	return retry.Unrecoverable(err)
}

// BackoffConfig retries with exponential backoff, doubling from base up to
// maxDelay. attemptCount of zero retries until the context is canceled.
func BackoffConfig[T any](ctx context.Context, attemptCount uint, base, maxDelay time.Duration) Config[T] {
	return Config[T]{
		Options: []retry.Option{
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.Attempts(attemptCount),
			retry.Delay(base),
			retry.MaxDelay(maxDelay),
			retry.DelayType(retry.BackOffDelay),
		},
	}
}

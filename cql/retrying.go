package cql

import (
	"context"
	"time"

	"github.com/Trendyol/go-scylla-cdc/internal/retry"
	"github.com/go-playground/errors"
)

// RetryPolicy bounds the exponential backoff applied to transient query
// failures. Attempts of zero retries until the context is canceled.
type RetryPolicy struct {
	Attempts    uint
	Base        time.Duration
	MaxDelay    time.Duration
	IsTransient func(error) bool
}

func (p RetryPolicy) transient(err error) bool {
	if p.IsTransient == nil {
		return true
	}
	return p.IsTransient(err)
}

type retryingExecutor struct {
	exec   Executor
	policy RetryPolicy
}

// WithRetry wraps an Executor so every Query and Exec is retried with bounded
// exponential backoff while the error is transient under the policy.
func WithRetry(exec Executor, policy RetryPolicy) Executor {
	return &retryingExecutor{exec: exec, policy: policy}
}

func (r *retryingExecutor) Query(ctx context.Context, stmt string, values ...any) (Rows, error) {
	cfg := retry.BackoffConfig[Rows](ctx, r.policy.Attempts, r.policy.Base, r.policy.MaxDelay)
	rows, err := cfg.Do(func() (Rows, error) {
		rows, err := r.exec.Query(ctx, stmt, values...)
		if err != nil && !r.policy.transient(err) {
			return nil, retry.Unrecoverable(err)
		}
		return rows, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	return rows, nil
}

func (r *retryingExecutor) Exec(ctx context.Context, stmt string, values ...any) error {
	cfg := retry.BackoffConfig[struct{}](ctx, r.policy.Attempts, r.policy.Base, r.policy.MaxDelay)
	_, err := cfg.Do(func() (struct{}, error) {
		err := r.exec.Exec(ctx, stmt, values...)
		if err != nil && !r.policy.transient(err) {
			return struct{}{}, retry.Unrecoverable(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return errors.Wrap(err, "exec")
	}
	return nil
}

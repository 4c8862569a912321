package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// writeAttempts bounds how often one journal write is retried.
const writeAttempts = 4

// Retry runs a journal write, retrying transient failures with exponential
// backoff until it succeeds, the attempts run out or ctx is done. The last
// error is returned.
func Retry(ctx context.Context, write func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, writeAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := write(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/layer-3/passkey/core"
)

const retryBackoff = 50 * time.Millisecond

// retryOnce runs op and, if it fails with an infrastructure error, runs it
// once more after a short backoff. Domain errors are returned as is.
func retryOnce(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || core.IsDomain(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	timer := time.NewTimer(retryBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}

	return op()
}

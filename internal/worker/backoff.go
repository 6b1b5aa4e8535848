package worker

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/blitzio/blitzio/internal/constants"
	"github.com/blitzio/blitzio/internal/uring"
)

// Retrier retries a submission a bounded number of times with exponential
// backoff when the ring reports its submission queue full (SPEC_FULL §9:
// a CLOSING submission that hits a full queue is retried, not dropped).
// Any other error is returned immediately.
type Retrier struct {
	maxRetries int
	minGap     time.Duration
	maxGap     time.Duration
}

// NewRetrier builds a Retrier from the package's default retry constants.
func NewRetrier() *Retrier {
	return &Retrier{
		maxRetries: constants.MaxSubmitRetries,
		minGap:     constants.SubmitRetryMinGap,
		maxGap:     constants.SubmitRetryMaxGap,
	}
}

// Do calls fn, retrying with exponential backoff while fn returns
// uring.ErrRingFull, up to maxRetries attempts. Any other error from fn is
// returned unretried.
func (r *Retrier) Do(fn func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.minGap,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         r.maxGap,
	}
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, uring.ErrRingFull) {
			return err
		}
		lastErr = err
		if attempt == r.maxRetries {
			break
		}
		time.Sleep(b.NextBackOff())
	}
	return lastErr
}

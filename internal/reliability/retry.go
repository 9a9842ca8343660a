package reliability

import (
	"context"
	"time"
)

// Policy bounds how often an outbound call is retried.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	// OnRetry, when set, is told about every failed attempt that will be
	// retried.
	OnRetry func(attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: 250 * time.Millisecond, Cap: 2 * time.Second}
}

// Do runs fn until it succeeds, returns an error retryable rejects, the
// attempts are used up or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	capDur := p.Cap
	if capDur <= 0 {
		capDur = 2 * time.Second
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 || retryable == nil || !retryable(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, capDur))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

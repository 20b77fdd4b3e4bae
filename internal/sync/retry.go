package sync

import (
	"context"
	"math/rand"
	"time"

	"github.com/marcus/callsync/internal/syncerr"
)

// RetryPolicy bounds how often a transient network failure is retried
// within one cycle before the work is left for the next trigger.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   float64
}

// DefaultRetryPolicy returns 3 attempts starting at 500ms, doubling up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Initial:  500 * time.Millisecond,
		Max:      10 * time.Second,
		Factor:   2.0,
		Jitter:   0.1,
	}
}

// backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d > p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*float64(d)*p.Jitter)
	}
	return d
}

// retry runs fn until it succeeds, fails with a non-transient error, runs
// out of attempts or ctx is done. The last error is returned.
func retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || syncerr.KindOf(err) != syncerr.KindTransientNetwork || attempt == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}

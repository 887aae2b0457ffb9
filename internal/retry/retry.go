package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy bounds how often and how patiently a transient failure is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Multiplier grows the delay between attempts. Zero means 4.
	Multiplier float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
	// Sleep is swapped out in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func Default() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 1 * time.Second,
		MaxDelay:  16 * time.Second,
	}
}

// Conflict suits compare-and-swap loops: many quick attempts with jitter so
// racing writers fall out of step.
func Conflict() Policy {
	return Policy{
		Attempts:   8,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// Do runs fn until it succeeds, returns an error retriable rejects, or the
// attempts are used up. The last error stays wrapped so callers can still
// classify it with errors.Is.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, retriable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retriable != nil && !retriable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if serr := sleep(ctx, p.delay(attempt)); serr != nil {
			return fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
	}
	if attempts == 1 {
		return err
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

func (p Policy) delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 4
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= mult
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

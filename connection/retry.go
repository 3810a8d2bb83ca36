package connection

import (
	"context"
	"errors"
	"time"

	"github.com/5amCurfew/xtap/models"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// Policy bounds retries of transient failures with exponential backoff.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Limiter     *Limiter
}

func PolicyFromConfig(cfg models.Config, limiter *Limiter) Policy {
	return Policy{
		MaxAttempts: cfg.RetryLimit,
		MinDelay:    cfg.RetryMinDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
		Limiter:     limiter,
	}
}

// Retry calls fn until it succeeds, returns an AuthError, returns a
// non-transient error or MaxAttempts is reached. Failures other than auth
// errors and cancellation come back as *ConnectionError.
func Retry(ctx context.Context, p Policy, fn func(context.Context) error) error {
	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := p.Limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsAuth(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) || attempt >= maxAttempts {
			return &ConnectionError{Attempts: attempt, Err: err}
		}

		delay := b.Duration()
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			p.Limiter.Penalize(rl.RetryAfter)
			if rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
		}

		log.WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err,
		}).Warn("transient failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

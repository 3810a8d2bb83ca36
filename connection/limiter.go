package connection

import (
	"context"
	"sync"
	"time"

	"github.com/5amCurfew/xtap/models"
	"golang.org/x/time/rate"
)

// Limiter is shared by every session in the process. Besides the token
// bucket it honours server-imposed pauses reported through Penalize.
type Limiter struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	notBefore time.Time
}

func NewLimiter(cfg *models.RateLimitConfig) *Limiter {
	if cfg == nil || cfg.PerSecond <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)}
}

// Wait blocks until a request may be made or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	pause := time.Until(l.notBefore)
	l.mu.Unlock()

	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.limiter.Wait(ctx)
}

// Penalize delays every subsequent Wait by at least d.
func (l *Limiter) Penalize(d time.Duration) {
	if l == nil || d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := time.Now().Add(d); until.After(l.notBefore) {
		l.notBefore = until
	}
}

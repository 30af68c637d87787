package storage

import (
	"context"
	"math"
	"time"
)

// RetryPolicy is capped exponential backoff with jitter, applied only to
// rate-limited failures.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Attempts   int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       200 * time.Millisecond,
		Multiplier: 1.4,
		Max:        5 * time.Second,
		Attempts:   15,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Max < p.Base {
		p.Max = def.Max
		if p.Max < p.Base {
			p.Max = p.Base
		}
	}
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	return p
}

// Delay returns the wait before attempt+1. jitter is a uniform sample in [0,1).
func (p RetryPolicy) Delay(attempt int, jitter float64) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	// Jitter 0.7..1.3, still capped.
	d *= 0.7 + jitter*0.6
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

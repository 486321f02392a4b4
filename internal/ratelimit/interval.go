package ratelimit

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// IntervalGate enforces a minimum spacing between consecutive actions. Callers
// may wait for the next slot without claiming it, then claim it only when
// there is work to do, so idle polling never burns a slot.
type IntervalGate struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// NewIntervalGate returns a gate whose first slot is available immediately.
// A zero interval disables spacing.
func NewIntervalGate(interval time.Duration) *IntervalGate {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &IntervalGate{interval: interval, limiter: rate.NewLimiter(limit, 1)}
}

// Interval returns the configured spacing.
func (g *IntervalGate) Interval() time.Duration { return g.interval }

// Delay reports how long until a slot is available at now. It does not claim it.
func (g *IntervalGate) Delay(now time.Time) time.Duration {
	if g.interval <= 0 {
		return 0
	}
	tokens := g.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration(math.Ceil((1 - tokens) * float64(g.interval)))
}

// WaitReady blocks until a slot is available or ctx is done.
func (g *IntervalGate) WaitReady(ctx context.Context) error {
	for {
		d := g.Delay(time.Now())
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Take claims the slot at now. It returns false if the previous claim was
// less than one interval before now.
func (g *IntervalGate) Take(now time.Time) bool {
	return g.limiter.AllowN(now, 1)
}
